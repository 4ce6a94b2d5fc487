package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
)

// Builds the front server. Every path and method is proxied to a worker.
func (s *Supervisor) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.IdleTimeout = s.cfg.KeepAlive
	e.StdLogger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	e.Logger.SetOutput(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn).Writer())
	e.Logger.SetLevel(log.WARN)
	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		e.Logger.SetLevel(log.DEBUG)
	}

	e.Use(middleware.Recover())
	e.Use(accessLog)
	e.Any("/*", s.handle)
	return e
}

// Logs each request at debug level once it completes.
func accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		slog.Debug("request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", c.Response().Status,
			"duration", time.Since(start),
		)
		return err
	}
}

// Routes one request to one idle worker.
//
// A request that keeps its worker busy past the timeout is answered with 504
// and the worker is killed; it is respawned when its exit is observed. The
// worker stays reserved until it answers or times out, even when the client
// goes away first.
func (s *Supervisor) handle(c echo.Context) error {
	req := c.Request()

	w, err := s.acquire(req.Context())
	if err != nil {
		if errors.Is(err, ErrStopped) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "shutting down")
		}
		return err
	}

	var failure error
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), s.cfg.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, failureKey{}, &failure)

	completed := false
	defer func() {
		if timedOut(ctx, failure, completed) {
			slog.Warn("worker timeout", "worker", w.id, "pid", w.pid(), "path", req.URL.Path, "timeout", s.cfg.Timeout)
			w.kill()
			return
		}
		s.release(w)
	}()

	w.proxy.ServeHTTP(c.Response(), req.WithContext(ctx))
	completed = true
	return nil
}

// Reports whether a proxied request was cut short by its deadline. A response
// that completed right as the deadline passed is not a timeout.
func timedOut(ctx context.Context, failure error, completed bool) bool {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return false
	}
	return failure != nil || !completed
}

// Context key under which handle collects the proxy's round trip error.
type failureKey struct{}

// Answers a request the worker could not complete.
func proxyError(rw http.ResponseWriter, r *http.Request, err error) {
	if p, ok := r.Context().Value(failureKey{}).(*error); ok {
		*p = err
	}

	status := http.StatusBadGateway
	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	slog.Debug("proxy error", "path", r.URL.Path, "status", status, "error", err)
	rw.WriteHeader(status)
}
