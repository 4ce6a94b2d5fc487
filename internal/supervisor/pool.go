package supervisor

import (
	"context"
	"slices"
	"sync"
)

// FIFO queue of idle workers.
//
// Waiters block until a worker is put. A single wake token is passed along
// while idle workers remain, so every waiter eventually observes them.
type pool struct {
	mu   sync.Mutex
	idle []*worker
	wake chan struct{}
}

func newPool() *pool {
	return &pool{wake: make(chan struct{}, 1)}
}

// Adds an idle worker.
func (p *pool) put(w *worker) {
	p.mu.Lock()
	p.idle = append(p.idle, w)
	p.mu.Unlock()
	p.signal()
}

// Removes w if it is idle and reports whether it was.
func (p *pool) remove(w *worker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := slices.Index(p.idle, w)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	return true
}

// Takes the longest-idle worker, blocking until one is available, ctx is
// done, or stop is closed.
func (p *pool) get(ctx context.Context, stop <-chan struct{}) (*worker, error) {
	for {
		p.mu.Lock()
		if len(p.idle) > 0 {
			w := p.idle[0]
			p.idle = p.idle[1:]
			more := len(p.idle) > 0
			p.mu.Unlock()
			if more {
				p.signal()
			}
			return w, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-stop:
			return nil, ErrStopped
		}
	}
}

// Returns the number of idle workers.
func (p *pool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

func (p *pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
