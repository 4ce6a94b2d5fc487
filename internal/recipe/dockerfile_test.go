package recipe

import (
	"strings"
	"testing"
	"time"
)

func TestDockerfileDefault(t *testing.T) {
	var b strings.Builder
	if err := defaultRecipe().Dockerfile(&b); err != nil {
		t.Fatalf("Dockerfile: %v", err)
	}
	out := b.String()

	want := []string{
		"FROM python:3.11-slim AS base",
		"ENV PIP_NO_CACHE_DIR=1 PYTHONDONTWRITEBYTECODE=1 PYTHONPATH=/app PYTHONUNBUFFERED=1",
		"WORKDIR /app",
		"FROM base AS deps",
		"COPY requirements.txt /app/requirements.txt",
		"RUN pip install --upgrade pip && pip install -r requirements.txt",
		"FROM base AS production",
		"RUN groupadd -g 1001 appgroup && useradd -u 1001 -g appgroup -m appuser",
		"COPY --from=deps /usr/local/lib/python3.11/site-packages /usr/local/lib/python3.11/site-packages",
		"COPY --from=deps /usr/local/bin /usr/local/bin",
		"COPY . /app",
		"RUN chown -R appuser:appgroup /app",
		"USER 1001:1001",
		"EXPOSE 5000",
		"HEALTHCHECK --interval=30s --timeout=10s --start-period=40s --retries=3 \\",
		"    CMD curl -f http://localhost:5000/health || exit 1",
		`CMD ["gunicorn","app:app"]`,
	}

	lines := strings.Split(out, "\n")
	pos := 0
	for _, w := range want {
		found := false
		for pos < len(lines) {
			pos++
			if lines[pos-1] == w {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("missing or out of order line %q in:\n%s", w, out)
		}
	}

	if strings.Count(out, "USER 1001:1001") != 1 {
		t.Fatalf("USER declared more than once:\n%s", out)
	}
}

func TestDockerfileScopedModifiers(t *testing.T) {
	rcp := &Recipe{
		Stages: []Stage{{
			Name: "only",
			From: "debian:12",
			Steps: []Step{
				{User: "1001"},
				{Run: "make", Workdir: "/src", Env: map[string]string{"CC": "gcc"}},
				{Run: "id", User: "0"},
				{Copy: "a.txt out/a.txt", Workdir: "/data"},
			},
		}},
	}

	var b strings.Builder
	if err := rcp.Dockerfile(&b); err != nil {
		t.Fatalf("Dockerfile: %v", err)
	}
	out := b.String()

	for _, w := range []string{
		"RUN cd /src && export CC=gcc && make\n",
		"USER 0\nRUN id\nUSER 1001\n",
		"COPY a.txt /data/out/a.txt\n",
	} {
		if !strings.Contains(out, w) {
			t.Fatalf("missing %q in:\n%s", w, out)
		}
	}
	if strings.Contains(out, "WORKDIR") {
		t.Fatalf("scoped workdir leaked into a WORKDIR instruction:\n%s", out)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{40 * time.Second, "40s"},
		{90 * time.Second, "1m30s"},
		{2 * time.Minute, "2m"},
		{time.Hour, "1h"},
		{time.Hour + 5*time.Minute, "1h5m"},
		{1500 * time.Millisecond, "1.5s"},
		{0, "0s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
