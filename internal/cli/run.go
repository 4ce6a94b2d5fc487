package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cruciblehq/cruxpy/internal/health"
	"github.com/cruciblehq/cruxpy/internal/runtime"
	"golang.org/x/sync/errgroup"
)

// Represents the 'cruxpy run' command.
type RunCmd struct {
	Archive   string `arg:"" help:"Image archive produced by build." type:"existingfile"`
	Tag       string `short:"t" help:"Reference to import the archive under. Defaults to the archive's own."`
	Name      string `help:"Container ID. Defaults to one derived from the archive name."`
	Address   string `help:"Containerd socket address. Overrides the settings file." placeholder:"PATH"`
	Namespace string `help:"Containerd namespace. Overrides the settings file."`
}

// Executes the run command.
//
// Imports the archive, starts a container running the image's own command,
// and monitors it with the image's healthcheck until the main process exits
// or the context is cancelled. Health transitions are logged. A non-zero
// exit of the main process is returned as an error.
func (c *RunCmd) Run(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	tag := c.Tag
	if tag == "" {
		tag = "cruxpy/run/" + archiveStem(c.Archive) + ":latest"
	}
	id := firstNonEmpty(c.Name, "cruxpy-run-"+archiveStem(c.Archive))

	rt, err := runtime.New(
		firstNonEmpty(c.Address, settings.Containerd.Address),
		firstNonEmpty(c.Namespace, settings.Containerd.Namespace),
	)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.ImportImage(ctx, c.Archive, tag, ""); err != nil {
		return err
	}

	hc, err := runtime.ReadHealthcheck(c.Archive)
	if err != nil {
		return err
	}
	test, cfg := healthSchedule(hc, settings.Health, settings.HealthURL)

	ctr, err := rt.RunImage(ctx, tag, id, runtime.Streams{Stdout: os.Stdout, Stderr: os.Stderr})
	if err != nil {
		return err
	}
	defer ctr.Destroy(context.WithoutCancel(ctx))

	monitor, err := health.NewMonitor(cfg, containerChecker(ctr, test, cfg), health.OnChange(func(from, to health.State) {
		if to == health.Unhealthy {
			slog.Warn("container unhealthy", "id", id)
			return
		}
		slog.Info("container health", "id", id, "state", to)
	}))
	if err != nil {
		return err
	}

	slog.Info("container running", "id", id, "image", tag, "healthcheck", strings.Join(test, " "))

	g, gctx := errgroup.WithContext(ctx)
	exited := make(chan struct{})

	g.Go(func() error {
		defer close(exited)
		code, err := ctr.Wait(gctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if code != 0 {
			return fmt.Errorf("container exited with code %d", code)
		}
		slog.Info("container exited", "id", id)
		return nil
	})

	g.Go(func() error {
		mctx, cancel := context.WithCancel(gctx)
		defer cancel()
		go func() {
			select {
			case <-exited:
				cancel()
			case <-mctx.Done():
			}
		}()
		return monitor.Run(mctx)
	})

	g.Go(func() error {
		select {
		case <-ctx.Done():
			slog.Info("stopping container", "id", id)
			return ctr.Stop(context.WithoutCancel(ctx))
		case <-exited:
			return nil
		}
	})

	return g.Wait()
}

// Returns the healthcheck test and schedule for a container. The image's own
// healthcheck wins; without one, the configured URL is probed with curl.
func healthSchedule(hc *runtime.Healthcheck, cfg health.Config, url string) ([]string, health.Config) {
	if hc == nil {
		return []string{"CMD-SHELL", "curl -f " + url + " || exit 1"}, cfg
	}
	if hc.Interval > 0 {
		cfg.Interval = hc.Interval
	}
	if hc.Timeout > 0 {
		cfg.Timeout = hc.Timeout
	}
	if hc.StartPeriod > 0 {
		cfg.StartPeriod = hc.StartPeriod
	}
	if hc.Retries > 0 {
		cfg.Retries = hc.Retries
	}
	return hc.Test, cfg
}

// Returns a checker running the healthcheck test inside the container.
func containerChecker(ctr *runtime.Container, test []string, cfg health.Config) health.Checker {
	return func(ctx context.Context) error {
		ok, err := ctr.CheckHealth(ctx, test, cfg.Timeout)
		if err != nil {
			return fmt.Errorf("%w: %w", health.ErrUnhealthy, err)
		}
		if !ok {
			return fmt.Errorf("%w: healthcheck test failed", health.ErrUnhealthy)
		}
		return nil
	}
}

// Returns the archive file name without directories or extension.
func archiveStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
