package build

import (
	"maps"
	"slices"
	"strings"

	"github.com/cruciblehq/cruxpy/internal/recipe"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Default shell used for run steps when no shell modifier has been set.
const defaultShell = "/bin/sh"

// Tracks accumulated modifiers during step execution.
//
// State flows linearly through the step list. Standalone modifiers update
// the state permanently via apply. Operations read the effective values for
// a single step via resolve without modifying the persistent state. A stage
// derived from an earlier stage starts from a clone of that stage's final
// state.
type stepState struct {
	shell   string
	workdir string
	user    string
	env     map[string]string
}

// Creates a new [stepState] with default values.
func newStepState() *stepState {
	return &stepState{
		shell: defaultShell,
		env:   make(map[string]string),
	}
}

// Returns an independent copy of the state.
func (s *stepState) clone() *stepState {
	c := *s
	c.env = maps.Clone(s.env)
	if c.env == nil {
		c.env = make(map[string]string)
	}
	return &c
}

// Persists modifier fields from a step into the state.
//
// Called for standalone modifier steps and groups. The state is mutated
// permanently, affecting all subsequent steps.
func (s *stepState) apply(step recipe.Step) {
	if step.Shell != "" {
		s.shell = step.Shell
	}
	if step.Workdir != "" {
		s.workdir = step.Workdir
	}
	if step.User != "" {
		s.user = step.User
	}
	maps.Copy(s.env, step.Env)
}

// Returns a new [stepState] with step-level modifiers overlaid on the
// persistent state. The receiver is not modified.
func (s *stepState) resolve(step recipe.Step) *stepState {
	resolved := s.clone()
	maps.Copy(resolved.env, step.Env)

	if step.Shell != "" {
		resolved.shell = step.Shell
	}
	if step.Workdir != "" {
		resolved.workdir = step.Workdir
	}
	if step.User != "" {
		resolved.user = step.User
	}

	return resolved
}

// Formats the environment as "key=value" strings, sorted by key.
func (s *stepState) environ() []string {
	env := make([]string, 0, len(s.env))
	for _, k := range slices.Sorted(maps.Keys(s.env)) {
		env = append(env, k+"="+s.env[k])
	}
	return env
}

// Returns the credentials for run steps, or nil to keep the container's.
func (s *stepState) credentials() (*specs.User, error) {
	if s.user == "" {
		return nil, nil
	}
	uid, gid, err := recipe.ParseUser(s.user)
	if err != nil {
		return nil, err
	}
	return &specs.User{UID: uid, GID: gid}, nil
}

// Records the state in an image config, so containers started from the
// committed image see the same environment, working directory, and user.
func (s *stepState) persist(c *ocispec.ImageConfig) {
	c.Env = setEnv(c.Env, s.env)
	if s.workdir != "" {
		c.WorkingDir = s.workdir
	}
	if s.user != "" {
		c.User = s.user
	}
}

// Sets the entries of env in base, replacing existing keys in place and
// appending new keys in sorted order.
func setEnv(base []string, env map[string]string) []string {
	result := slices.Clone(base)
	pending := maps.Clone(env)

	for i, entry := range result {
		k, _, _ := strings.Cut(entry, "=")
		if v, ok := pending[k]; ok {
			result[i] = k + "=" + v
			delete(pending, k)
		}
	}
	for _, k := range slices.Sorted(maps.Keys(pending)) {
		result = append(result, k+"="+pending[k])
	}
	return result
}
