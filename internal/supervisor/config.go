package supervisor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Supervisor settings. Zero values are replaced by [DefaultConfig] values
// where noted.
type Config struct {
	Bind              string            `mapstructure:"bind"`                // Front server address.
	Workers           int               `mapstructure:"workers"`             // Number of worker processes.
	Timeout           time.Duration     `mapstructure:"timeout"`             // Longest a worker may spend on one request.
	KeepAlive         time.Duration     `mapstructure:"keep_alive"`          // Idle window of persistent client connections.
	MaxRequests       int               `mapstructure:"max_requests"`        // Requests before a worker is recycled. Zero disables recycling.
	MaxRequestsJitter int               `mapstructure:"max_requests_jitter"` // Upper bound (exclusive) of the random addition to MaxRequests.
	GracefulTimeout   time.Duration     `mapstructure:"graceful_timeout"`    // Time given to in-flight requests and exiting workers.
	BootTimeout       time.Duration     `mapstructure:"boot_timeout"`        // Time a new worker has to start listening.
	App               string            `mapstructure:"app"`                 // WSGI application, "module:object".
	Command           []string          `mapstructure:"command"`             // Worker argv; {socket}, {bind} and {app} are substituted.
	Dir               string            `mapstructure:"dir"`                 // Working directory of workers, watched when Reload is set.
	Env               map[string]string `mapstructure:"env"`                 // Added to the worker environment.
	UID               int               `mapstructure:"uid"`                 // Worker uid when the supervisor runs as root.
	GID               int               `mapstructure:"gid"`                 // Worker gid when the supervisor runs as root.
	Reload            bool              `mapstructure:"reload"`              // Recycle workers when files under Dir change.
	RunDir            string            `mapstructure:"run_dir"`             // Parent of the private worker socket directory.
	Output            io.Writer         `mapstructure:"-"`                   // Receives worker stdout and stderr.
}

// Literal values of the default configuration.
const (
	DefaultBind              = "0.0.0.0:5000"
	DefaultWorkers           = 4
	DefaultTimeout           = 120 * time.Second
	DefaultKeepAlive         = 2 * time.Second
	DefaultMaxRequests       = 1000
	DefaultMaxRequestsJitter = 100
	DefaultGracefulTimeout   = 30 * time.Second
	DefaultBootTimeout       = 30 * time.Second
	DefaultApp               = "app:app"
	DefaultUID               = 1001
	DefaultGID               = 1001
)

// Returns the default configuration: four workers on port 5000, a 120s
// request timeout, a 2s keep-alive window, and recycling after 1000 requests
// plus up to 100 of jitter.
func DefaultConfig() Config {
	return Config{
		Bind:              DefaultBind,
		Workers:           DefaultWorkers,
		Timeout:           DefaultTimeout,
		KeepAlive:         DefaultKeepAlive,
		MaxRequests:       DefaultMaxRequests,
		MaxRequestsJitter: DefaultMaxRequestsJitter,
		GracefulTimeout:   DefaultGracefulTimeout,
		BootTimeout:       DefaultBootTimeout,
		App:               DefaultApp,
		Command:           DefaultCommand(),
		UID:               DefaultUID,
		GID:               DefaultGID,
	}
}

// Worker argv used when none is configured. Each worker is a single-threaded
// WSGI server on its own unix socket.
func DefaultCommand() []string {
	return []string{"waitress-serve", "--unix-socket={socket}", "--unix-socket-perms=600", "--threads=1", "{app}"}
}

// Checks the configuration. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if _, port, err := net.SplitHostPort(c.Bind); err != nil {
		fail("bind %q: %w", c.Bind, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		fail("bind %q: invalid port", c.Bind)
	}
	if c.Workers < 1 {
		fail("workers must be at least 1, got %d", c.Workers)
	}
	if c.Timeout <= 0 {
		fail("timeout must be positive, got %s", c.Timeout)
	}
	if c.KeepAlive < 0 {
		fail("keep-alive must not be negative, got %s", c.KeepAlive)
	}
	if c.MaxRequests < 0 {
		fail("max-requests must not be negative, got %d", c.MaxRequests)
	}
	if c.MaxRequestsJitter < 0 {
		fail("max-requests-jitter must not be negative, got %d", c.MaxRequestsJitter)
	}
	if c.GracefulTimeout < 0 {
		fail("graceful timeout must not be negative, got %s", c.GracefulTimeout)
	}
	if c.BootTimeout <= 0 {
		fail("boot timeout must be positive, got %s", c.BootTimeout)
	}
	if c.App == "" {
		fail("app is required")
	}
	if len(c.Command) == 0 {
		fail("worker command is required")
	}
	if c.UID <= 0 || c.GID <= 0 {
		errs = append(errs, fmt.Errorf("%w: uid %d, gid %d", ErrRootWorker, c.UID, c.GID))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

// Renders the equivalent gunicorn command line, used as the default command
// of the built image.
func (c Config) GunicornArgs() []string {
	return []string{
		"gunicorn",
		"--bind", c.Bind,
		"--workers", strconv.Itoa(c.Workers),
		"--timeout", seconds(c.Timeout),
		"--keep-alive", seconds(c.KeepAlive),
		"--max-requests", strconv.Itoa(c.MaxRequests),
		"--max-requests-jitter", strconv.Itoa(c.MaxRequestsJitter),
		c.App,
	}
}

// Returns the worker argv with placeholders substituted for a worker
// listening on socket.
func (c Config) workerArgs(socket string) []string {
	r := strings.NewReplacer(
		"{socket}", socket,
		"{bind}", "unix:"+socket,
		"{app}", c.App,
	)
	args := make([]string, len(c.Command))
	for i, arg := range c.Command {
		args[i] = r.Replace(arg)
	}
	return args
}

// Formats a duration as whole seconds, rounding up so a sub-second value is
// never rendered as zero.
func seconds(d time.Duration) string {
	s := d / time.Second
	if d%time.Second != 0 {
		s++
	}
	return strconv.FormatInt(int64(s), 10)
}
