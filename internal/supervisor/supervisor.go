package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

// Minimum lifetime of a worker before its exit is treated as a crash loop
// and the replacement is delayed.
const minUptime = time.Second

// Observed state of one worker.
type WorkerStatus struct {
	ID      int       // Sequence number, unique within the supervisor.
	PID     int       // Process ID.
	Served  int64     // Requests taken so far.
	Ceiling int       // Requests before recycling. Zero means never.
	Busy    bool      // Handling a request.
	Ready   bool      // Listening and accepting requests.
	Started time.Time // Spawn time.
}

// A pre-forking worker supervisor.
//
// A front server accepts connections and routes each request to exactly one
// idle worker. Workers are recycled after a random request ceiling, killed
// when a request exceeds the timeout, and respawned when they exit.
type Supervisor struct {
	cfg    Config
	intN   func(n int) int // Jitter source.
	echo   *echo.Echo
	pool   *pool
	dir    string
	nextID int

	mu       sync.Mutex
	workers  map[int]*worker
	stopping bool

	procs    sync.WaitGroup // Worker exit watchers.
	stopCh   chan struct{}  // Closed when Stop begins.
	stopped  chan struct{}  // Closed when Stop completes.
	stopOnce sync.Once
}

// Creates a supervisor. Zero fields of cfg other than UID and GID take their
// default values.
//
// The configuration is rejected when it is invalid or would run workers as
// root.
func New(cfg Config) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:     cfg,
		intN:    rand.IntN,
		pool:    newPool(),
		workers: make(map[int]*worker),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	s.echo = s.newEcho()
	return s, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Bind == "" {
		c.Bind = d.Bind
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.GracefulTimeout == 0 {
		c.GracefulTimeout = d.GracefulTimeout
	}
	if c.BootTimeout == 0 {
		c.BootTimeout = d.BootTimeout
	}
	if c.App == "" {
		c.App = d.App
	}
	if len(c.Command) == 0 {
		c.Command = d.Command
	}
	if c.Output == nil {
		c.Output = os.Stderr
	}
	return c
}

// Returns the supervisor's configuration, defaults applied.
func (s *Supervisor) Config() Config {
	return s.cfg
}

// Listens on the configured address and serves until ctx is done or Stop is
// called.
func (s *Supervisor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Spawns the workers and serves ln until ctx is done or Stop is called.
//
// A supervisor started as root switches to the configured account before the
// first worker is spawned. Returns after the workers have exited.
func (s *Supervisor) Serve(ctx context.Context, ln net.Listener) error {
	dir, err := s.makeRunDir()
	if err != nil {
		ln.Close()
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	s.dir = dir

	if err := s.dropPrivileges(); err != nil {
		ln.Close()
		os.RemoveAll(dir)
		return err
	}

	slog.Info("starting supervisor",
		"bind", ln.Addr().String(),
		"workers", s.cfg.Workers,
		"timeout", s.cfg.Timeout,
		"keep_alive", s.cfg.KeepAlive,
		"max_requests", s.cfg.MaxRequests,
		"max_requests_jitter", s.cfg.MaxRequestsJitter,
		"uid", s.EffectiveUID(),
	)

	for range s.cfg.Workers {
		if err := s.spawn(); err != nil {
			ln.Close()
			s.Stop(context.WithoutCancel(ctx))
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	s.echo.Listener = ln
	g.Go(func() error {
		if err := s.echo.StartServer(s.echo.Server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.cfg.Reload {
		g.Go(func() error {
			return s.watchSources(gctx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			s.Stop(context.WithoutCancel(ctx))
		case <-s.stopCh:
		}
		return nil
	})

	err = g.Wait()
	<-s.stopped
	return err
}

// Stops accepting connections, waits up to the graceful timeout for
// in-flight requests, then terminates the workers and waits for them to
// exit. Later calls wait for the first to complete.
func (s *Supervisor) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		defer close(s.stopped)

		s.mu.Lock()
		s.stopping = true
		workers := slices.Collect(maps.Values(s.workers))
		s.mu.Unlock()
		close(s.stopCh)

		slog.Info("stopping supervisor", "workers", len(workers))

		ctx, cancel := context.WithTimeout(ctx, s.cfg.GracefulTimeout)
		defer cancel()

		if serr := s.echo.Shutdown(ctx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			err = serr
		}

		for _, w := range workers {
			w.terminate(s.cfg.GracefulTimeout)
		}
		s.procs.Wait()

		if s.dir != "" {
			os.RemoveAll(s.dir)
		}
		slog.Info("supervisor stopped")
	})
	<-s.stopped
	return err
}

// Recycles every worker. Replacements are spawned first; the old workers
// finish their in-flight request and exit.
func (s *Supervisor) Reload() {
	s.mu.Lock()
	workers := slices.Collect(maps.Values(s.workers))
	s.mu.Unlock()

	slog.Info("reloading workers", "workers", len(workers))
	for _, w := range workers {
		s.retire(w)
	}
}

// Returns the state of every live worker, ordered by ID.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make([]WorkerStatus, 0, len(s.workers))
	for _, id := range slices.Sorted(maps.Keys(s.workers)) {
		w := s.workers[id]
		status = append(status, WorkerStatus{
			ID:      w.id,
			PID:     w.pid(),
			Served:  w.served.Load(),
			Ceiling: w.ceiling,
			Busy:    w.busy.Load(),
			Ready:   w.ready.Load(),
			Started: w.started,
		})
	}
	return status
}

// Draws a worker's request ceiling from [MaxRequests, MaxRequests+jitter).
func (s *Supervisor) ceiling() int {
	if s.cfg.MaxRequests == 0 {
		return 0
	}
	if s.cfg.MaxRequestsJitter == 0 {
		return s.cfg.MaxRequests
	}
	return s.cfg.MaxRequests + s.intN(s.cfg.MaxRequestsJitter)
}

// Starts a new worker process and registers it. The worker joins the idle
// pool once its socket accepts connections.
func (s *Supervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrStopped
	}

	s.nextID++
	id := s.nextID
	socket := filepath.Join(s.dir, "worker-"+strconv.Itoa(id)+".sock")
	os.Remove(socket)

	args := s.cfg.workerArgs(socket)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.workerEnv(id, socket)
	cmd.Stdout = s.cfg.Output
	cmd.Stderr = s.cfg.Output
	cmd.SysProcAttr = s.procAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	w := newWorker(id, socket, s.ceiling(), cmd)
	s.workers[id] = w
	slog.Debug("worker spawned", "worker", id, "pid", w.pid(), "ceiling", w.ceiling)

	s.procs.Add(1)
	go s.watch(w)
	go s.boot(w)
	return nil
}

// Returns the environment of a worker process.
func (s *Supervisor) workerEnv(id int, socket string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(s.cfg.Env)) {
		env = append(env, k+"="+s.cfg.Env[k])
	}
	return append(env,
		"CRUXPY_WORKER_ID="+strconv.Itoa(id),
		"CRUXPY_WORKER_SOCKET="+socket,
	)
}

// Waits for a new worker to listen, then makes it available.
func (s *Supervisor) boot(w *worker) {
	if !w.waitReady(context.Background(), s.cfg.BootTimeout) {
		if !w.exited() {
			slog.Warn("worker failed to boot", "worker", w.id, "pid", w.pid(), "timeout", s.cfg.BootTimeout)
			w.kill()
		}
		return
	}

	w.ready.Store(true)
	slog.Debug("worker ready", "worker", w.id, "pid", w.pid())

	if w.replaced.Load() {
		w.terminate(s.cfg.GracefulTimeout)
		return
	}
	s.pool.put(w)
}

// Waits for a worker to exit and respawns it unless it was replaced or the
// supervisor is stopping.
func (s *Supervisor) watch(w *worker) {
	defer s.procs.Done()

	w.exitErr = w.cmd.Wait()
	close(w.done)

	s.pool.remove(w)
	os.Remove(w.socket)

	s.mu.Lock()
	delete(s.workers, w.id)
	stopping := s.stopping
	s.mu.Unlock()

	if stopping || w.replaced.Load() {
		slog.Debug("worker exited", "worker", w.id, "pid", w.pid(), "served", w.served.Load())
		return
	}

	slog.Warn("worker died", "worker", w.id, "pid", w.pid(), "served", w.served.Load(), "error", w.exitErr)

	if time.Since(w.started) < minUptime {
		select {
		case <-time.After(minUptime):
		case <-s.stopCh:
			return
		}
	}

	if err := s.spawn(); err != nil && !errors.Is(err, ErrStopped) {
		slog.Error("failed to respawn worker", "error", err)
	}
}

// Takes an idle worker for one request.
func (s *Supervisor) acquire(ctx context.Context) (*worker, error) {
	for {
		w, err := s.pool.get(ctx, s.stopCh)
		if err != nil {
			return nil, err
		}
		if w.exited() {
			continue
		}
		if w.replaced.Load() {
			w.terminate(s.cfg.GracefulTimeout)
			continue
		}
		w.busy.Store(true)
		w.served.Add(1)
		return w, nil
	}
}

// Returns a worker after a request. A worker that reached its ceiling or was
// replaced meanwhile is terminated instead.
func (s *Supervisor) release(w *worker) {
	w.busy.Store(false)

	if w.exhausted() {
		slog.Info("recycling worker", "worker", w.id, "pid", w.pid(), "served", w.served.Load())
		s.retire(w)
	}

	if w.replaced.Load() {
		w.terminate(s.cfg.GracefulTimeout)
		return
	}
	s.pool.put(w)
}

// Marks a worker as replaced and spawns its successor. An idle worker is
// terminated now; a busy one when its request completes.
func (s *Supervisor) retire(w *worker) {
	if !w.replaced.CompareAndSwap(false, true) {
		return
	}

	if err := s.spawn(); err != nil && !errors.Is(err, ErrStopped) {
		slog.Error("failed to spawn replacement worker", "worker", w.id, "error", err)
	}

	if s.pool.remove(w) {
		w.terminate(s.cfg.GracefulTimeout)
	}
}
