package internal

import (
	"strings"
	"testing"
)

func withBuildVars(t *testing.T, v, s, c string) {
	t.Helper()
	oldV, oldS, oldC := version, stage, gitCommit
	version, stage, gitCommit = v, s, c
	t.Cleanup(func() { version, stage, gitCommit = oldV, oldS, oldC })
}

func TestVersionStringLocal(t *testing.T) {
	withBuildVars(t, "1.0.0", "", "abc")
	if got := VersionString(); got != localBuild {
		t.Fatalf("VersionString() = %q, want %q", got, localBuild)
	}
}

func TestVersionStringMain(t *testing.T) {
	withBuildVars(t, "V1.2.3", "Main", "abc123")
	got := VersionString()
	if !strings.HasPrefix(got, "1.2.3 abc123 [") {
		t.Fatalf("VersionString() = %q", got)
	}
}

func TestVersionStringBranch(t *testing.T) {
	withBuildVars(t, "1.2.3", "staging", "abc123")
	got := VersionString()
	if !strings.HasPrefix(got, "1.2.3+staging abc123 [") {
		t.Fatalf("VersionString() = %q", got)
	}
}

func TestUndefined(t *testing.T) {
	withBuildVars(t, " ", "", "")
	if Version() != undefined || Stage() != undefined || GitCommit() != undefined {
		t.Fatal("expected undefined placeholders")
	}
}
