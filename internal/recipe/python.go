package recipe

import (
	"fmt"
	"regexp"
	"strings"
)

// Directory holding console scripts installed by pip.
const ScriptsDir = "/usr/local/bin"

var (
	versionPattern      = regexp.MustCompile(`^\d+\.\d+$`)
	sitePackagesPattern = regexp.MustCompile(`/usr/local/lib/python(\d+\.\d+)/site-packages`)
	imageVersionPattern = regexp.MustCompile(`^(\d+\.\d+)`)
)

// Returns the site-packages directory for an interpreter version.
//
// The path embeds the "major.minor" version, so a directory installed by one
// interpreter is invisible to another.
func SitePackages(version string) string {
	return fmt.Sprintf("/usr/local/lib/python%s/site-packages", version)
}

// Returns the interpreter version embedded in a site-packages path, if any.
func sitePackagesVersion(path string) (string, bool) {
	m := sitePackagesPattern.FindStringSubmatch(path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Returns the interpreter version implied by an official python image
// reference such as "python:3.11-slim" or "docker.io/library/python:3.11".
func imageVersion(ref string) (string, bool) {
	name, tag, ok := strings.Cut(ref, ":")
	if !ok || strings.Contains(tag, "/") {
		return "", false
	}
	if base := name[strings.LastIndexByte(name, '/')+1:]; base != "python" {
		return "", false
	}
	m := imageVersionPattern.FindStringSubmatch(tag)
	if m == nil {
		return "", false
	}
	return m[1], true
}
