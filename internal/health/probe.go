package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Default target of the application's liveness endpoint.
const DefaultURL = "http://localhost:5000/health"

// Checks an application once. A nil error means healthy.
type Checker func(ctx context.Context) error

// Issues a GET to url and succeeds when a 2xx response arrives within
// timeout. Connection errors, non-2xx statuses, and timeouts are failures.
func Probe(ctx context.Context, url string, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}

	resp, err := probeClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnhealthy, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s", ErrUnhealthy, url, resp.Status)
	}
	return nil
}

// Returns a checker probing url over HTTP. The deadline comes from the
// context the monitor passes in.
func HTTPChecker(url string) Checker {
	return func(ctx context.Context) error {
		return Probe(ctx, url, 0)
	}
}

// Client without keep-alives, so every probe opens a fresh connection like
// an external probe process would.
var probeClient = &http.Client{
	Transport: &http.Transport{
		DisableKeepAlives: true,
	},
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}
