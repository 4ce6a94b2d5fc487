package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cruciblehq/cruxpy/internal/config"
	"github.com/cruciblehq/cruxpy/internal/health"
	"github.com/cruciblehq/cruxpy/internal/runtime"
	"github.com/cruciblehq/cruxpy/internal/supervisor"
	"github.com/google/go-cmp/cmp"
)

func TestServeApply(t *testing.T) {
	base := supervisor.DefaultConfig()

	tests := []struct {
		name string
		cmd  ServeCmd
		want func(*supervisor.Config)
	}{
		{
			name: "no flags keep settings",
			want: func(*supervisor.Config) {},
		},
		{
			name: "flags override",
			cmd: ServeCmd{
				App:         "wsgi:application",
				Bind:        "127.0.0.1:8000",
				Workers:     2,
				Timeout:     30 * time.Second,
				MaxRequests: 10,
				Chdir:       "/srv/app",
				Reload:      true,
			},
			want: func(c *supervisor.Config) {
				c.App = "wsgi:application"
				c.Bind = "127.0.0.1:8000"
				c.Workers = 2
				c.Timeout = 30 * time.Second
				c.MaxRequests = 10
				c.Dir = "/srv/app"
				c.Reload = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := base
			tt.want(&want)
			if diff := cmp.Diff(want, tt.cmd.apply(base)); diff != "" {
				t.Errorf("apply() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRecipeFlagsCanonical(t *testing.T) {
	settings := config.Default()
	flags := RecipeFlags{Context: filepath.Join(t.TempDir(), "shop"), Python: "3.12"}

	rec, err := flags.load(&settings)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Name != "shop" {
		t.Errorf("Name = %q, want shop", rec.Name)
	}
	if rec.Python.Version != "3.12" {
		t.Errorf("Python = %q, want 3.12", rec.Python.Version)
	}
	if diff := cmp.Diff(settings.Supervisor.GunicornArgs(), rec.Image.Cmd); diff != "" {
		t.Errorf("Cmd mismatch (-want +got):\n%s", diff)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if got := rec.EffectiveUser(); got != "1001:1001" {
		t.Errorf("EffectiveUser() = %q, want 1001:1001", got)
	}
}

func TestHealthSchedule(t *testing.T) {
	cfg := health.DefaultConfig()

	test, got := healthSchedule(nil, cfg, "http://localhost:5000/health")
	if diff := cmp.Diff([]string{"CMD-SHELL", "curl -f http://localhost:5000/health || exit 1"}, test); diff != "" {
		t.Errorf("fallback test mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("fallback schedule mismatch (-want +got):\n%s", diff)
	}

	hc := &runtime.Healthcheck{
		Test:     []string{"CMD", "true"},
		Interval: 5 * time.Second,
		Retries:  1,
	}
	test, got = healthSchedule(hc, cfg, "unused")
	want := cfg
	want.Interval = 5 * time.Second
	want.Retries = 1
	if diff := cmp.Diff(hc.Test, test); diff != "" {
		t.Errorf("image test mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("image schedule mismatch (-want +got):\n%s", diff)
	}
}

func TestArchiveStem(t *testing.T) {
	tests := map[string]string{
		"dist/shop-linux-amd64.tar": "shop-linux-amd64",
		"image.tar":                 "image",
		"/abs/path/noext":           "noext",
	}
	for in, want := range tests {
		if got := archiveStem(in); got != want {
			t.Errorf("archiveStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", "b", "c"); got != "b" {
		t.Errorf("firstNonEmpty() = %q, want b", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty() = %q, want empty", got)
	}
}
