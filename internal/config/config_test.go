package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/adrg/xdg"
	"github.com/cruciblehq/cruxpy/internal/supervisor"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Runs the test from an empty working directory with an empty xdg config
// dir, so no settings file on the host is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	xdg.Reload()
	t.Cleanup(xdg.Reload)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	got, path, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want none", path)
	}
	if diff := cmp.Diff(Default(), *got, cmpopts.IgnoreFields(supervisor.Config{}, "Output")); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefault(t *testing.T) {
	d := Default()
	if d.Supervisor.Workers != 4 || d.Supervisor.Timeout != 120*time.Second {
		t.Errorf("supervisor defaults = %+v", d.Supervisor)
	}
	if d.Health.Interval != 30*time.Second || d.Health.Retries != 3 {
		t.Errorf("health defaults = %+v", d.Health)
	}
	if d.HealthURL != "http://localhost:5000/health" {
		t.Errorf("HealthURL = %q", d.HealthURL)
	}
}

func TestLoadFile(t *testing.T) {
	dir := isolate(t)

	content := `
supervisor:
  workers: 8
  timeout: 60s
  max_requests: 500
  command: ["gunicorn", "--bind={bind}", "{app}"]
  env:
    FLASK_ENV: production
health:
  interval: 5s
  retries: 5
health_url: http://localhost:8000/healthz
containerd:
  namespace: testing
`
	if err := os.WriteFile(filepath.Join(dir, "cruxpy.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, path, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != "cruxpy.yaml" {
		t.Errorf("path = %q, want cruxpy.yaml", path)
	}

	want := Default()
	want.Supervisor.Workers = 8
	want.Supervisor.Timeout = 60 * time.Second
	want.Supervisor.MaxRequests = 500
	want.Supervisor.Command = []string{"gunicorn", "--bind={bind}", "{app}"}
	want.Supervisor.Env = map[string]string{"FLASK_ENV": "production"}
	want.Health.Interval = 5 * time.Second
	want.Health.Retries = 5
	want.HealthURL = "http://localhost:8000/healthz"
	want.Containerd.Namespace = "testing"

	if diff := cmp.Diff(want, *got, cmpopts.IgnoreFields(supervisor.Config{}, "Output")); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadExplicitPath(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.yaml")
	if err := os.WriteFile(path, []byte("supervisor:\n  bind: 127.0.0.1:9000\n"), 0644); err != nil {
		t.Fatal(err)
	}

	got, resolved, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if resolved != path {
		t.Errorf("resolved = %q, want %q", resolved, path)
	}
	if got.Supervisor.Bind != "127.0.0.1:9000" {
		t.Errorf("Bind = %q, want 127.0.0.1:9000", got.Supervisor.Bind)
	}
	if got.Supervisor.Workers != supervisor.DefaultWorkers {
		t.Errorf("Workers = %d, want default %d", got.Supervisor.Workers, supervisor.DefaultWorkers)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	isolate(t)
	if _, _, err := Load("nope.yaml"); !errors.Is(err, ErrConfig) {
		t.Fatalf("Load() error = %v, want ErrConfig", err)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("supervisor: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Fatalf("Load() error = %v, want ErrConfig", err)
	}
}

func TestLoadEnvironment(t *testing.T) {
	dir := isolate(t)
	if err := os.WriteFile(filepath.Join(dir, "cruxpy.yaml"), []byte("supervisor:\n  workers: 8\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CRUXPY_SUPERVISOR_WORKERS", "2")
	t.Setenv("CRUXPY_SUPERVISOR_KEEP_ALIVE", "5s")
	t.Setenv("CRUXPY_HEALTH_RETRIES", "7")
	t.Setenv("CRUXPY_CONTAINERD_ADDRESS", "/tmp/containerd.sock")

	got, _, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Supervisor.Workers != 2 {
		t.Errorf("Workers = %d, want 2 from the environment", got.Supervisor.Workers)
	}
	if got.Supervisor.KeepAlive != 5*time.Second {
		t.Errorf("KeepAlive = %s, want 5s", got.Supervisor.KeepAlive)
	}
	if got.Health.Retries != 7 {
		t.Errorf("Retries = %d, want 7", got.Health.Retries)
	}
	if got.Containerd.Address != "/tmp/containerd.sock" {
		t.Errorf("Address = %q", got.Containerd.Address)
	}
}
