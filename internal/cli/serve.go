package cli

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cruciblehq/cruxpy/internal/control"
	"github.com/cruciblehq/cruxpy/internal/supervisor"
)

// Represents the 'cruxpy serve' command.
//
// Zero-valued flags leave the settings file value in place.
type ServeCmd struct {
	App               string        `arg:"" optional:"" help:"WSGI application as module:object."`
	Bind              string        `short:"b" help:"Address to listen on."`
	Workers           int           `short:"w" help:"Number of worker processes."`
	Timeout           time.Duration `help:"Longest a worker may spend on one request."`
	KeepAlive         time.Duration `help:"Idle window of persistent client connections."`
	MaxRequests       int           `help:"Requests before a worker is recycled."`
	MaxRequestsJitter int           `help:"Upper bound of the random addition to max-requests."`
	Chdir             string        `help:"Working directory of the workers." type:"path"`
	Reload            bool          `help:"Recycle workers when application files change."`
	Socket            string        `help:"Control socket path." placeholder:"PATH"`
}

// Executes the serve command.
//
// Starts the supervisor and its control socket, and blocks until the context
// is cancelled (e.g. via SIGINT or SIGTERM) or a shutdown command arrives.
// The process is meant to be the container's main process, so the
// container lives exactly as long as the supervisor.
func (c *ServeCmd) Run(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	cfg := c.apply(settings.Supervisor)
	cfg.Output = os.Stderr

	sup, err := supervisor.New(cfg)
	if err != nil {
		return err
	}

	srv := control.New(control.Config{
		SocketPath: firstNonEmpty(c.Socket, settings.Socket),
		Bind:       cfg.Bind,
	}, sup)
	if err := srv.Start(); err != nil {
		slog.Warn("control socket unavailable", "error", err)
	} else {
		defer srv.Stop()
		if os.Geteuid() == 0 {
			if err := srv.Chown(cfg.UID, cfg.GID); err != nil {
				slog.Warn("control socket stays owned by root", "error", err)
			}
		}
	}

	slog.Info("serving", "app", cfg.App, "bind", cfg.Bind, "workers", cfg.Workers)

	err = sup.Run(ctx)

	slog.Info("shutting down")
	return err
}

// Overlays the flags that were set on the settings.
func (c *ServeCmd) apply(cfg supervisor.Config) supervisor.Config {
	if c.App != "" {
		cfg.App = c.App
	}
	if c.Bind != "" {
		cfg.Bind = c.Bind
	}
	if c.Workers != 0 {
		cfg.Workers = c.Workers
	}
	if c.Timeout != 0 {
		cfg.Timeout = c.Timeout
	}
	if c.KeepAlive != 0 {
		cfg.KeepAlive = c.KeepAlive
	}
	if c.MaxRequests != 0 {
		cfg.MaxRequests = c.MaxRequests
	}
	if c.MaxRequestsJitter != 0 {
		cfg.MaxRequestsJitter = c.MaxRequestsJitter
	}
	if c.Chdir != "" {
		cfg.Dir = c.Chdir
	}
	if c.Reload {
		cfg.Reload = true
	}
	return cfg
}
