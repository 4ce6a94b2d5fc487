package supervisor

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Bind != "0.0.0.0:5000" {
		t.Errorf("Bind = %q, want 0.0.0.0:5000", cfg.Bind)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.Timeout != 120*time.Second {
		t.Errorf("Timeout = %s, want 120s", cfg.Timeout)
	}
	if cfg.KeepAlive != 2*time.Second {
		t.Errorf("KeepAlive = %s, want 2s", cfg.KeepAlive)
	}
	if cfg.MaxRequests != 1000 || cfg.MaxRequestsJitter != 100 {
		t.Errorf("MaxRequests = %d, jitter %d, want 1000, 100", cfg.MaxRequests, cfg.MaxRequestsJitter)
	}
	if cfg.UID != 1001 || cfg.GID != 1001 {
		t.Errorf("account = %d:%d, want 1001:1001", cfg.UID, cfg.GID)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestGunicornArgs(t *testing.T) {
	want := []string{
		"gunicorn",
		"--bind", "0.0.0.0:5000",
		"--workers", "4",
		"--timeout", "120",
		"--keep-alive", "2",
		"--max-requests", "1000",
		"--max-requests-jitter", "100",
		"app:app",
	}
	if diff := cmp.Diff(want, DefaultConfig().GunicornArgs()); diff != "" {
		t.Fatalf("GunicornArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		target error
	}{
		{"bad bind", func(c *Config) { c.Bind = "5000" }, ErrConfig},
		{"bad port", func(c *Config) { c.Bind = "0.0.0.0:http5" }, ErrConfig},
		{"no workers", func(c *Config) { c.Workers = 0 }, ErrConfig},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, ErrConfig},
		{"negative keep-alive", func(c *Config) { c.KeepAlive = -time.Second }, ErrConfig},
		{"negative max requests", func(c *Config) { c.MaxRequests = -1 }, ErrConfig},
		{"negative jitter", func(c *Config) { c.MaxRequestsJitter = -1 }, ErrConfig},
		{"no app", func(c *Config) { c.App = "" }, ErrConfig},
		{"no command", func(c *Config) { c.Command = nil }, ErrConfig},
		{"root uid", func(c *Config) { c.UID = 0 }, ErrRootWorker},
		{"root gid", func(c *Config) { c.GID = 0 }, ErrRootWorker},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if !errors.Is(err, tt.target) {
				t.Fatalf("Validate() = %v, want %v", err, tt.target)
			}
		})
	}
}

func TestValidateDisabledRecycling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequests = 0
	cfg.MaxRequestsJitter = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestWorkerArgs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App = "shop.wsgi:application"
	cfg.Command = []string{"server", "--bind={bind}", "--socket", "{socket}", "{app}"}

	want := []string{"server", "--bind=unix:/run/w/1.sock", "--socket", "/run/w/1.sock", "shop.wsgi:application"}
	if diff := cmp.Diff(want, cfg.workerArgs("/run/w/1.sock")); diff != "" {
		t.Fatalf("workerArgs mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultCommand(t *testing.T) {
	cfg := DefaultConfig()
	args := cfg.workerArgs("/tmp/w.sock")
	if !cmp.Equal(args, []string{"waitress-serve", "--unix-socket=/tmp/w.sock", "--unix-socket-perms=600", "--threads=1", "app:app"}) {
		t.Fatalf("default worker args = %q", args)
	}
}

func TestWithDefaults(t *testing.T) {
	got := Config{UID: 1001, GID: 1001}.withDefaults()
	want := DefaultConfig()

	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Config{}, "KeepAlive", "MaxRequests", "MaxRequestsJitter", "Output")); diff != "" {
		t.Fatalf("withDefaults mismatch (-want +got):\n%s", diff)
	}
	if got.Output == nil {
		t.Fatal("Output not defaulted")
	}
}

func TestSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{120 * time.Second, "120"},
		{2 * time.Second, "2"},
		{0, "0"},
		{1500 * time.Millisecond, "2"},
	}
	for _, tt := range tests {
		if got := seconds(tt.in); got != tt.want {
			t.Errorf("seconds(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
