package recipe

import "testing"

func TestSitePackages(t *testing.T) {
	if got := SitePackages("3.11"); got != "/usr/local/lib/python3.11/site-packages" {
		t.Fatalf("SitePackages = %q", got)
	}

	v, ok := sitePackagesVersion(SitePackages("3.12"))
	if !ok || v != "3.12" {
		t.Fatalf("round trip = %q, %v", v, ok)
	}
	if _, ok := sitePackagesVersion("/usr/local/bin"); ok {
		t.Fatal("unexpected match for /usr/local/bin")
	}
}

func TestImageVersion(t *testing.T) {
	tests := []struct {
		ref  string
		want string
		ok   bool
	}{
		{ref: "python:3.11-slim", want: "3.11", ok: true},
		{ref: "python:3.12", want: "3.12", ok: true},
		{ref: "docker.io/library/python:3.10-bookworm", want: "3.10", ok: true},
		{ref: "python:slim"},
		{ref: "python"},
		{ref: "debian:12"},
		{ref: "localhost:5000/python"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, ok := imageVersion(tt.ref)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("imageVersion(%q) = %q, %v; want %q, %v", tt.ref, got, ok, tt.want, tt.ok)
			}
		})
	}
}
