package runtime

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Container healthcheck recorded in an image config.
//
// The OCI image config has no healthcheck field; the Docker config extension
// that carries it is written by [Finalize].
type Healthcheck struct {
	Test        []string      // ["CMD", ...], ["CMD-SHELL", cmd] or ["NONE"].
	Interval    time.Duration // Time between probes.
	Timeout     time.Duration // Time a single probe may take.
	StartPeriod time.Duration // Grace period in which failures are not counted.
	Retries     int           // Consecutive failures before unhealthy.
}

// Rewrites the archive at path so its image config carries hc.
//
// The archive is read as a tarball image named tag, its config is mutated, and
// the result replaces the archive atomically. A nil hc leaves the archive
// unchanged.
func Finalize(path, tag string, hc *Healthcheck) error {
	if hc == nil {
		return nil
	}

	ref, err := name.NewTag(tag)
	if err != nil {
		return finalizeError(err)
	}

	img, err := tarball.ImageFromPath(path, &ref)
	if err != nil {
		return finalizeError(err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return finalizeError(err)
	}

	cfg = cfg.DeepCopy()
	cfg.Config.Healthcheck = &v1.HealthConfig{
		Test:        hc.Test,
		Interval:    hc.Interval,
		Timeout:     hc.Timeout,
		StartPeriod: hc.StartPeriod,
		Retries:     hc.Retries,
	}

	mutated, err := mutate.ConfigFile(img, cfg)
	if err != nil {
		return finalizeError(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".finalize-*")
	if err != nil {
		return finalizeError(err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := tarball.WriteToFile(tmpPath, ref, mutated); err != nil {
		os.Remove(tmpPath)
		return finalizeError(err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return finalizeError(err)
	}
	return nil
}

// Reads the healthcheck recorded in the image config of the archive at path.
// Returns nil when the image declares none.
func ReadHealthcheck(path string) (*Healthcheck, error) {
	img, err := tarball.ImageFromPath(path, nil)
	if err != nil {
		return nil, wrap(err)
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, wrap(err)
	}

	h := cfg.Config.Healthcheck
	if h == nil || len(h.Test) == 0 {
		return nil, nil
	}

	return &Healthcheck{
		Test:        h.Test,
		Interval:    h.Interval,
		Timeout:     h.Timeout,
		StartPeriod: h.StartPeriod,
		Retries:     h.Retries,
	}, nil
}

func finalizeError(err error) error {
	return wrapf("%w: %w", ErrFinalize, err)
}
