package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Health state of a monitored application.
type State string

const (
	Starting  State = "starting"
	Healthy   State = "healthy"
	Unhealthy State = "unhealthy"
)

// Number of probe results kept in a monitor's log.
const logSize = 5

// Probe schedule and failure policy.
type Config struct {
	Interval    time.Duration `mapstructure:"interval"`     // Time between probes.
	Timeout     time.Duration `mapstructure:"timeout"`      // Time allowed per probe.
	StartPeriod time.Duration `mapstructure:"start_period"` // Grace period in which failures are not counted.
	Retries     int           `mapstructure:"retries"`      // Consecutive counted failures before unhealthy.
}

// Returns the default schedule: every 30s with a 10s timeout, a 40s start
// period, and 3 retries.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		StartPeriod: 40 * time.Second,
		Retries:     3,
	}
}

// Checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.StartPeriod < 0 {
		errs = append(errs, fmt.Errorf("start period must not be negative, got %s", c.StartPeriod))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
}

// Longest time an application that never answers stays out of the
// unhealthy state.
func (c Config) Deadline() time.Duration {
	return c.StartPeriod + c.Interval*time.Duration(c.Retries)
}

// Source of the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Outcome of one probe.
type Result struct {
	Start time.Time
	End   time.Time
	Err   error // Nil when the probe succeeded.
}

// Snapshot of a monitor.
type Status struct {
	State         State
	FailingStreak int      // Consecutive counted failures.
	Probes        int      // Probes run so far.
	Log           []Result // Most recent results, oldest first.
}

// Runs a checker periodically and tracks the resulting health state.
type Monitor struct {
	cfg      Config
	check    Checker
	clock    Clock
	onChange func(from, to State)
	started  time.Time

	mu     sync.Mutex
	state  State
	streak int
	probes int
	log    []Result
}

// Configures a [Monitor].
type Option func(*Monitor)

// Replaces the system clock.
func WithClock(c Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// Registers a callback invoked on every state transition.
func OnChange(fn func(from, to State)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// Creates a monitor in the starting state. The start period begins now.
func NewMonitor(cfg Config, check Checker, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		cfg:   cfg,
		check: check,
		clock: systemClock{},
		state: Starting,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.started = m.clock.Now()
	return m, nil
}

// Probes every interval until ctx is done. The first probe runs one interval
// after the monitor was created.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// Runs the checker once under the probe timeout and records the result.
func (m *Monitor) probe(ctx context.Context) State {
	start := m.clock.Now()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	err := m.check(pctx)
	if err == nil && pctx.Err() != nil {
		err = pctx.Err()
	}
	cancel()

	return m.record(Result{Start: start, End: m.clock.Now(), Err: err})
}

// Applies a probe result to the state machine.
//
// A failure whose probe started within the start period leaves the state and
// the streak untouched.
func (m *Monitor) record(r Result) State {
	m.mu.Lock()

	m.probes++
	m.log = append(m.log, r)
	if len(m.log) > logSize {
		m.log = m.log[len(m.log)-logSize:]
	}

	from := m.state
	switch {
	case r.Err == nil:
		m.streak = 0
		m.state = Healthy
	case r.Start.Before(m.started.Add(m.cfg.StartPeriod)):
	default:
		m.streak++
		if m.streak >= m.cfg.Retries {
			m.state = Unhealthy
		}
	}
	to, streak := m.state, m.streak
	m.mu.Unlock()

	if r.Err != nil {
		slog.Debug("probe failed", "error", r.Err, "streak", streak)
	}
	if from != to {
		slog.Info("health changed", "from", from, "to", to)
		if m.onChange != nil {
			m.onChange(from, to)
		}
	}
	return to
}

// Returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:         m.state,
		FailingStreak: m.streak,
		Probes:        m.probes,
		Log:           append([]Result(nil), m.log...),
	}
}
