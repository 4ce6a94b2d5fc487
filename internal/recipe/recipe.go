package recipe

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// A multi-stage image build.
type Recipe struct {
	Name   string      `yaml:"name"`   // Resource name, used to prefix container IDs and tags.
	Python Python      `yaml:"python"` // Interpreter the stages are built around.
	Ignore []string    `yaml:"ignore"` // Glob patterns excluded from host copies.
	Stages []Stage     `yaml:"stages"` // Stages in build order.
	Image  ImageConfig `yaml:"image"`  // Runtime configuration of the exported image.
}

// A single build stage.
type Stage struct {
	Name      string   `yaml:"name"`      // Stage name, referenced by "from" and cross-stage copies.
	From      string   `yaml:"from"`      // Registry reference or the name of an earlier stage.
	Transient bool     `yaml:"transient"` // Transient stages are never exported.
	Outputs   []string `yaml:"outputs"`   // Paths later stages may copy. Empty means unrestricted.
	Steps     []Step   `yaml:"steps"`
}

// A build step.
//
// A step with Run or Copy is an operation; its modifiers apply to that
// operation only. A step with Steps is a group; its modifiers persist and its
// children are executed in order. A step with neither is a standalone
// modifier whose values persist for the rest of the stage.
type Step struct {
	Run     string            `yaml:"run"`     // Shell command.
	Copy    string            `yaml:"copy"`    // "src dest" or "stage:src dest".
	Shell   string            `yaml:"shell"`   // Shell used for run steps.
	Workdir string            `yaml:"workdir"` // Working directory.
	User    string            `yaml:"user"`    // Numeric "uid[:gid]" for run steps and the image.
	Env     map[string]string `yaml:"env"`     // Environment variables.
	Steps   []Step            `yaml:"steps"`   // Grouped steps.
}

// Runtime configuration recorded in the exported image.
type ImageConfig struct {
	User        string            `yaml:"user"`        // Overrides the user accumulated by the final stage.
	Workdir     string            `yaml:"workdir"`     // Overrides the final stage's working directory.
	Env         map[string]string `yaml:"env"`         // Added on top of the final stage's environment.
	Ports       []int             `yaml:"ports"`       // Exposed TCP ports. Documentation only.
	Entrypoint  []string          `yaml:"entrypoint"`
	Cmd         []string          `yaml:"cmd"`
	Labels      map[string]string `yaml:"labels"`
	Healthcheck *Healthcheck      `yaml:"healthcheck"`
}

// Periodic liveness probe declared on the image.
type Healthcheck struct {
	Test        []string      `yaml:"test"`         // ["CMD-SHELL", cmd] or ["CMD", args...].
	Interval    time.Duration `yaml:"interval"`     // Time between probes.
	Timeout     time.Duration `yaml:"timeout"`      // Time allowed per probe.
	StartPeriod time.Duration `yaml:"start_period"` // Grace period during which failures do not count.
	Retries     int           `yaml:"retries"`      // Consecutive failures before unhealthy.
}

// Interpreter metadata.
type Python struct {
	Version string `yaml:"version"` // "major.minor", e.g. "3.11".
}

// Reads and decodes a recipe file.
func Load(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer f.Close()

	return Decode(f)
}

// Decodes a YAML recipe. Unknown fields are rejected.
func Decode(r io.Reader) (*Recipe, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var rcp Recipe
	if err := dec.Decode(&rcp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &rcp, nil
}

// Returns the stage with the given name.
func (r *Recipe) Stage(name string) (*Stage, bool) {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i], true
		}
	}
	return nil, false
}

// Returns the stage that is exported.
func (r *Recipe) Final() *Stage {
	if len(r.Stages) == 0 {
		return nil
	}
	return &r.Stages[len(r.Stages)-1]
}

// Reports whether the step is a run or copy operation.
func (s Step) IsOperation() bool {
	return s.Run != "" || s.Copy != ""
}

// Parses a copy string of the form "src dest" into its two tokens.
func SplitCopy(s string) (src, dest string, err error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected source and destination, got %q", s)
	}
	return parts[0], parts[1], nil
}

// Splits a cross-stage copy source of the form "stage:path".
//
// Returns false for host paths, including paths whose colon follows a path
// separator (e.g. "/foo:bar").
func SplitStageSource(src string) (stage, path string, ok bool) {
	i := strings.IndexByte(src, ':')
	if i < 1 || strings.ContainsRune(src[:i], '/') {
		return "", "", false
	}
	return src[:i], src[i+1:], true
}

// Parses a numeric "uid[:gid]" user. The group defaults to the uid.
func ParseUser(s string) (uid, gid uint32, err error) {
	u, g, hasGroup := strings.Cut(s, ":")
	uid64, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("user %q: uid must be numeric", s)
	}
	if !hasGroup {
		return uint32(uid64), uint32(uid64), nil
	}
	gid64, err := strconv.ParseUint(g, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("user %q: gid must be numeric", s)
	}
	return uint32(uid64), uint32(gid64), nil
}
