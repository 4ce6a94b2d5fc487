package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDown = errors.New("down")

func failing(context.Context) error { return errDown }
func passing(context.Context) error { return nil }

func TestDefaultConfig(t *testing.T) {
	want := Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		StartPeriod: 40 * time.Second,
		Retries:     3,
	}
	if diff := cmp.Diff(want, DefaultConfig()); diff != "" {
		t.Errorf("DefaultConfig() mismatch (-want +got):\n%s", diff)
	}
	if got := DefaultConfig().Deadline(); got != 130*time.Second {
		t.Errorf("Deadline() = %s, want 2m10s", got)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"no start period", func(c *Config) { c.StartPeriod = 0 }, true},
		{"zero interval", func(c *Config) { c.Interval = 0 }, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, false},
		{"negative start period", func(c *Config) { c.StartPeriod = -time.Second }, false},
		{"zero retries", func(c *Config) { c.Retries = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrConfig) {
				t.Fatalf("Validate() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestMonitorStartsInStarting(t *testing.T) {
	m, err := NewMonitor(DefaultConfig(), passing)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.State(); got != Starting {
		t.Errorf("State() = %s, want %s", got, Starting)
	}
}

func TestMonitorTransitions(t *testing.T) {
	clock := newFakeClock()
	var results []error
	var i int
	check := func(context.Context) error {
		err := results[i]
		i++
		return err
	}

	cfg := DefaultConfig()
	m, err := NewMonitor(cfg, check, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	type step struct {
		err    error
		state  State
		streak int
	}
	steps := []step{
		{errDown, Starting, 0}, // t=30s, within start period
		{nil, Healthy, 0},      // t=60s
		{errDown, Healthy, 1},  // t=90s
		{errDown, Healthy, 2},  // t=120s
		{nil, Healthy, 0},      // streak resets
		{errDown, Healthy, 1},
		{errDown, Healthy, 2},
		{errDown, Unhealthy, 3},
		{errDown, Unhealthy, 4},
		{nil, Healthy, 0},
	}
	for _, s := range steps {
		results = append(results, s.err)
	}

	for n, s := range steps {
		clock.Advance(cfg.Interval)
		if got := m.probe(context.Background()); got != s.state {
			t.Fatalf("probe %d: state = %s, want %s", n+1, got, s.state)
		}
		if got := m.Status().FailingStreak; got != s.streak {
			t.Fatalf("probe %d: streak = %d, want %d", n+1, got, s.streak)
		}
	}

	st := m.Status()
	if st.Probes != len(steps) {
		t.Errorf("Probes = %d, want %d", st.Probes, len(steps))
	}
	if len(st.Log) != logSize {
		t.Errorf("len(Log) = %d, want %d", len(st.Log), logSize)
	}
	if st.Log[len(st.Log)-1].Err != nil {
		t.Errorf("last log entry error = %v, want nil", st.Log[len(st.Log)-1].Err)
	}
}

func TestMonitorUnhealthyDeadline(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	m, err := NewMonitor(cfg, failing, WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}

	var elapsed time.Duration
	for m.State() != Unhealthy {
		clock.Advance(cfg.Interval)
		elapsed += cfg.Interval
		m.probe(context.Background())

		if elapsed > cfg.Deadline() {
			t.Fatalf("still %s after %s, want unhealthy by %s", m.State(), elapsed, cfg.Deadline())
		}
	}

	// 40s start period: probes at 30s are ignored; 60s, 90s, 120s count.
	if elapsed != 120*time.Second {
		t.Errorf("unhealthy after %s, want 2m0s", elapsed)
	}
}

func TestMonitorOnChange(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{Interval: time.Second, Timeout: time.Second, Retries: 1}

	var ok atomic.Bool
	check := func(context.Context) error {
		if ok.Load() {
			return nil
		}
		return errDown
	}

	type change struct{ From, To State }
	var changes []change
	m, err := NewMonitor(cfg, check, WithClock(clock), OnChange(func(from, to State) {
		changes = append(changes, change{from, to})
	}))
	if err != nil {
		t.Fatal(err)
	}

	ok.Store(true)
	m.probe(context.Background())
	m.probe(context.Background())
	ok.Store(false)
	m.probe(context.Background())

	want := []change{{Starting, Healthy}, {Healthy, Unhealthy}}
	if diff := cmp.Diff(want, changes); diff != "" {
		t.Errorf("changes mismatch (-want +got):\n%s", diff)
	}
}

func TestMonitorProbeTimeout(t *testing.T) {
	cfg := Config{Interval: time.Second, Timeout: 50 * time.Millisecond, Retries: 1}
	check := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	m, err := NewMonitor(cfg, check)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.probe(context.Background()); got != Unhealthy {
		t.Fatalf("state = %s, want %s", got, Unhealthy)
	}
	if err := m.Status().Log[0].Err; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("logged error = %v, want deadline exceeded", err)
	}
}

func TestMonitorRun(t *testing.T) {
	cfg := Config{Interval: 10 * time.Millisecond, Timeout: time.Second, Retries: 1}
	m, err := NewMonitor(cfg, passing)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for m.Status().Probes < 3 {
		if time.Now().After(deadline) {
			t.Fatal("monitor did not probe")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := m.State(); got != Healthy {
		t.Errorf("State() = %s, want %s", got, Healthy)
	}
}

func TestNewMonitorRejectsInvalidConfig(t *testing.T) {
	if _, err := NewMonitor(Config{}, passing); !errors.Is(err, ErrConfig) {
		t.Fatalf("NewMonitor() error = %v, want ErrConfig", err)
	}
}
