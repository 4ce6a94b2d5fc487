package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// A worker process serving HTTP on its own unix socket.
//
// A worker handles one request at a time: it is taken from the idle pool for
// a request and put back afterwards. A worker marked replaced never returns to
// the pool; it is terminated once it is no longer busy and is not respawned
// when it exits.
type worker struct {
	id      int
	socket  string
	ceiling int // Requests before recycling. Zero disables recycling.
	cmd     *exec.Cmd
	proxy   *httputil.ReverseProxy
	started time.Time

	served   atomic.Int64
	busy     atomic.Bool
	ready    atomic.Bool
	replaced atomic.Bool

	done     chan struct{} // Closed when the process has exited.
	exitErr  error         // Valid after done is closed.
	termOnce sync.Once
}

// Target URL of proxied requests. The host is ignored; connections are
// dialed on the worker's socket.
var workerURL = &url.URL{Scheme: "http", Host: "worker"}

func newWorker(id int, socket string, ceiling int, cmd *exec.Cmd) *worker {
	w := &worker{
		id:      id,
		socket:  socket,
		ceiling: ceiling,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	dialer := &net.Dialer{}
	w.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(workerURL)
			r.Out.Host = r.In.Host
			r.SetXForwarded()
		},
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", socket)
			},
			MaxIdleConnsPerHost: 1,
			IdleConnTimeout:     30 * time.Second,
		},
		ErrorHandler: proxyError,
	}
	return w
}

// Returns the worker's process ID, or zero before it started.
func (w *worker) pid() int {
	if w.cmd.Process == nil {
		return 0
	}
	return w.cmd.Process.Pid
}

// Reports whether the process has exited.
func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Reports whether the worker has served its request ceiling.
func (w *worker) exhausted() bool {
	return w.ceiling > 0 && w.served.Load() >= int64(w.ceiling)
}

// Sends sig to the worker's process group.
func (w *worker) signal(sig unix.Signal) {
	if pid := w.pid(); pid > 0 {
		unix.Kill(-pid, sig)
	}
}

// Asks the worker to exit, and kills it when it has not exited after grace.
func (w *worker) terminate(grace time.Duration) {
	w.termOnce.Do(func() {
		w.signal(unix.SIGTERM)
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-w.done:
			case <-timer.C:
				w.signal(unix.SIGKILL)
			}
		}()
	})
}

// Kills the worker's process group immediately.
func (w *worker) kill() {
	w.signal(unix.SIGKILL)
}

// Polls the worker's socket until it accepts a connection.
//
// Returns false when the process exits, ctx is done, or timeout elapses
// first.
func (w *worker) waitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()

	for {
		conn, err := net.DialTimeout("unix", w.socket, time.Second)
		if err == nil {
			conn.Close()
			return true
		}

		select {
		case <-tick.C:
		case <-w.done:
			return false
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		}
	}
}
