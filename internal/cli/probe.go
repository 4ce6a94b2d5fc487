package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/cruciblehq/cruxpy/internal/health"
)

// Represents the 'cruxpy probe' command.
type ProbeCmd struct {
	URL     string        `arg:"" optional:"" help:"Endpoint to probe. Defaults to the settings file value."`
	Timeout time.Duration `help:"Time allowed for the response. Defaults to the healthcheck timeout."`
}

// Executes the probe command.
//
// Exits zero when the endpoint answers with a 2xx status in time, and
// non-zero otherwise, so the command can serve as a container healthcheck.
func (c *ProbeCmd) Run(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	url := firstNonEmpty(c.URL, settings.HealthURL)
	timeout := c.Timeout
	if timeout == 0 {
		timeout = settings.Health.Timeout
	}

	if err := health.Probe(ctx, url, timeout); err != nil {
		return err
	}
	fmt.Println("healthy")
	return nil
}
