package runtime

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "override existing key",
			base:      []string{"A=1", "B=2"},
			overrides: []string{"A=override"},
			want:      []string{"A=override", "B=2"},
		},
		{
			name:      "add new key",
			base:      []string{"A=1"},
			overrides: []string{"B=2"},
			want:      []string{"A=1", "B=2"},
		},
		{
			name:      "empty base",
			base:      nil,
			overrides: []string{"A=1"},
			want:      []string{"A=1"},
		},
		{
			name:      "empty overrides",
			base:      []string{"A=1"},
			overrides: nil,
			want:      []string{"A=1"},
		},
		{
			name:      "both empty",
			base:      nil,
			overrides: nil,
			want:      []string{},
		},
		{
			name:      "value with equals sign",
			base:      []string{"CMD=foo=bar"},
			overrides: nil,
			want:      []string{"CMD=foo=bar"},
		},
		{
			name:      "override keeps first position",
			base:      []string{"PATH=/bin", "HOME=/root", "LANG=C"},
			overrides: []string{"LANG=C.UTF-8", "PATH=/usr/local/bin:/bin"},
			want:      []string{"PATH=/usr/local/bin:/bin", "HOME=/root", "LANG=C.UTF-8"},
		},
		{
			name:      "malformed entries skipped",
			base:      []string{"NOEQUALS", "A=1"},
			overrides: []string{"ALSO_BAD", "B=2"},
			want:      []string{"A=1", "B=2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mergeEnv mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNextExecID(t *testing.T) {
	a := nextExecID()
	b := nextExecID()
	if a == b {
		t.Fatalf("nextExecID returned duplicate: %q", a)
	}
	if a == "" || b == "" {
		t.Fatal("nextExecID returned empty string")
	}
}

func TestHealthArgs(t *testing.T) {
	tests := []struct {
		name    string
		test    []string
		want    []string
		wantErr bool
	}{
		{
			name: "shell form",
			test: []string{"CMD-SHELL", "curl -f http://localhost:5000/health || exit 1"},
			want: []string{"/bin/sh", "-c", "curl -f http://localhost:5000/health || exit 1"},
		},
		{
			name: "exec form",
			test: []string{"CMD", "curl", "-f", "http://localhost:5000/health"},
			want: []string{"curl", "-f", "http://localhost:5000/health"},
		},
		{
			name: "bare arguments",
			test: []string{"/healthcheck"},
			want: []string{"/healthcheck"},
		},
		{name: "empty", test: nil, wantErr: true},
		{name: "none", test: []string{"NONE"}, wantErr: true},
		{name: "cmd without args", test: []string{"CMD"}, wantErr: true},
		{name: "shell with extra args", test: []string{"CMD-SHELL", "a", "b"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := healthArgs(tt.test)
			if tt.wantErr {
				if !errors.Is(err, ErrRuntime) {
					t.Fatalf("healthArgs(%q) error = %v, want ErrRuntime", tt.test, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("healthArgs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
