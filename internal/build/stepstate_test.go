package build

import (
	"testing"

	"github.com/cruciblehq/cruxpy/internal/recipe"
	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestNewStepState(t *testing.T) {
	s := newStepState()
	if s.shell != defaultShell {
		t.Fatalf("shell = %q, want %q", s.shell, defaultShell)
	}
	if s.workdir != "" {
		t.Fatalf("workdir = %q, want empty", s.workdir)
	}
	if len(s.env) != 0 {
		t.Fatalf("env = %v, want empty", s.env)
	}
}

func TestApply(t *testing.T) {
	s := newStepState()

	s.apply(recipe.Step{Shell: "/bin/bash"})
	if s.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", s.shell)
	}

	s.apply(recipe.Step{Workdir: "/app"})
	if s.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", s.workdir)
	}
	if s.shell != "/bin/bash" {
		t.Fatalf("shell changed to %q after workdir apply", s.shell)
	}

	s.apply(recipe.Step{Env: map[string]string{"A": "1", "B": "2"}})
	if s.env["A"] != "1" || s.env["B"] != "2" {
		t.Fatalf("env = %v, want A=1 B=2", s.env)
	}

	s.apply(recipe.Step{Env: map[string]string{"A": "override"}})
	if s.env["A"] != "override" {
		t.Fatalf("env[A] = %q, want override", s.env["A"])
	}
	if s.env["B"] != "2" {
		t.Fatalf("env[B] = %q, want 2 (preserved)", s.env["B"])
	}
}

func TestApplyEmptyFieldsNoOp(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{Shell: "/bin/zsh", Workdir: "/opt"})
	s.apply(recipe.Step{})
	if s.shell != "/bin/zsh" {
		t.Fatalf("shell = %q, want /bin/zsh", s.shell)
	}
	if s.workdir != "/opt" {
		t.Fatalf("workdir = %q, want /opt", s.workdir)
	}
}

func TestResolve(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{
		Shell:   "/bin/bash",
		Workdir: "/app",
		Env:     map[string]string{"A": "1"},
	})

	resolved := s.resolve(recipe.Step{
		Shell:   "/bin/zsh",
		Workdir: "/tmp",
		Env:     map[string]string{"B": "2"},
	})

	if resolved.shell != "/bin/zsh" {
		t.Fatalf("resolved.shell = %q, want /bin/zsh", resolved.shell)
	}
	if resolved.workdir != "/tmp" {
		t.Fatalf("resolved.workdir = %q, want /tmp", resolved.workdir)
	}
	if resolved.env["A"] != "1" || resolved.env["B"] != "2" {
		t.Fatalf("resolved.env = %v, want A=1 B=2", resolved.env)
	}

	// Original state is unchanged.
	if s.shell != "/bin/bash" {
		t.Fatalf("original shell mutated to %q", s.shell)
	}
	if s.workdir != "/app" {
		t.Fatalf("original workdir mutated to %q", s.workdir)
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("original env mutated: B leaked in")
	}
}

func TestResolveInheritsState(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{Shell: "/bin/bash", Workdir: "/app"})

	resolved := s.resolve(recipe.Step{})
	if resolved.shell != "/bin/bash" {
		t.Fatalf("shell = %q, want /bin/bash", resolved.shell)
	}
	if resolved.workdir != "/app" {
		t.Fatalf("workdir = %q, want /app", resolved.workdir)
	}
}

func TestResolveEnvOverride(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{Env: map[string]string{"K": "base"}})

	resolved := s.resolve(recipe.Step{Env: map[string]string{"K": "override"}})
	if resolved.env["K"] != "override" {
		t.Fatalf("env[K] = %q, want override", resolved.env["K"])
	}
	if s.env["K"] != "base" {
		t.Fatalf("original env[K] mutated to %q", s.env["K"])
	}
}

func TestEnviron(t *testing.T) {
	s := newStepState()
	if len(s.environ()) != 0 {
		t.Fatal("empty state should produce no environ entries")
	}

	s.apply(recipe.Step{Env: map[string]string{"PATH": "/usr/bin", "HOME": "/root"}})
	want := []string{"HOME=/root", "PATH=/usr/bin"}
	if diff := cmp.Diff(want, s.environ()); diff != "" {
		t.Fatalf("environ mismatch (-want +got):\n%s", diff)
	}
}

func TestUserModifier(t *testing.T) {
	s := newStepState()

	user, err := s.credentials()
	if err != nil {
		t.Fatal(err)
	}
	if user != nil {
		t.Fatalf("credentials = %+v, want nil before any user modifier", user)
	}

	scoped := s.resolve(recipe.Step{Run: "id", User: "1001:1001"})
	user, err = scoped.credentials()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(&specs.User{UID: 1001, GID: 1001}, user); diff != "" {
		t.Fatalf("scoped credentials mismatch (-want +got):\n%s", diff)
	}
	if s.user != "" {
		t.Fatalf("scoped user leaked into state: %q", s.user)
	}

	s.apply(recipe.Step{User: "1001"})
	user, err = s.credentials()
	if err != nil {
		t.Fatal(err)
	}
	if user.UID != 1001 || user.GID != 1001 {
		t.Fatalf("credentials = %+v, want 1001:1001", user)
	}
}

func TestCredentialsRejectsNames(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{User: "appuser"})
	if _, err := s.credentials(); err == nil {
		t.Fatal("credentials accepted a user name")
	}
}

func TestClone(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{Workdir: "/app", User: "1001:1001", Env: map[string]string{"A": "1"}})

	c := s.clone()
	c.apply(recipe.Step{Workdir: "/srv", Env: map[string]string{"A": "2", "B": "3"}})

	if s.workdir != "/app" || s.env["A"] != "1" {
		t.Fatalf("clone shares state with original: workdir %q, env %v", s.workdir, s.env)
	}
	if _, ok := s.env["B"]; ok {
		t.Fatal("clone env leaked into original")
	}
	if c.user != "1001:1001" {
		t.Fatalf("clone user = %q, want 1001:1001", c.user)
	}
}

func TestPersist(t *testing.T) {
	s := newStepState()
	s.apply(recipe.Step{
		Workdir: "/app",
		User:    "1001:1001",
		Env: map[string]string{
			"PYTHONPATH":       "/app",
			"PYTHONUNBUFFERED": "1",
			"PATH":             "/usr/local/bin:/usr/bin:/bin",
		},
	})

	cfg := ocispec.ImageConfig{
		Env:        []string{"PATH=/usr/bin:/bin", "LANG=C.UTF-8"},
		WorkingDir: "/",
	}
	s.persist(&cfg)

	want := ocispec.ImageConfig{
		User: "1001:1001",
		Env: []string{
			"PATH=/usr/local/bin:/usr/bin:/bin",
			"LANG=C.UTF-8",
			"PYTHONPATH=/app",
			"PYTHONUNBUFFERED=1",
		},
		WorkingDir: "/app",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("persisted config mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistKeepsImageValues(t *testing.T) {
	cfg := ocispec.ImageConfig{User: "1001", WorkingDir: "/app", Env: []string{"A=1"}}
	newStepState().persist(&cfg)

	want := ocispec.ImageConfig{User: "1001", WorkingDir: "/app", Env: []string{"A=1"}}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config changed by empty state (-want +got):\n%s", diff)
	}
}
