package internal

import (
	"fmt"
	"runtime"
	"strings"
)

// Name of the binary, used for logging groups, xdg subdirectories, and the
// settings file.
const Name = "cruxpy"

const (
	undefined  = "(undefined)" // Placeholder for an unset linker variable.
	localBuild = "(local)"     // Version string reported by local builds.
	mainBranch = "main"        // Branch whose builds carry no stage suffix.
)

// Set through -ldflags "-X github.com/cruciblehq/cruxpy/internal.<name>=...".
var (
	version   = ""
	stage     = ""
	gitCommit = ""
)

// Returns the release version without any leading "v".
func Version() string {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" {
		return undefined
	}
	return strings.TrimPrefix(v, "v")
}

// Returns the branch or stage the binary was built from.
func Stage() string {
	if s := strings.TrimSpace(stage); s != "" {
		return strings.ToLower(s)
	}
	return undefined
}

// Returns the commit hash the binary was built from.
func GitCommit() string {
	if c := strings.TrimSpace(gitCommit); c != "" {
		return c
	}
	return undefined
}

// Reports whether any of the pipeline variables is missing.
func IsLocal() bool {
	for _, v := range []string{version, stage, gitCommit} {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}
	return false
}

// Returns "<version>[+<stage>] <commit> [<arch>]", or "(local)" for builds
// made outside the release pipeline.
func VersionString() string {
	if IsLocal() {
		return localBuild
	}

	suffix := ""
	if s := Stage(); s != mainBranch {
		suffix = "+" + s
	}

	return fmt.Sprintf("%s%s %s [%s]", Version(), suffix, GitCommit(), runtime.GOARCH)
}
