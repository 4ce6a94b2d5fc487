package runtime

import (
	"io"
	"sync"
)

// Reads an exec's stdin source and closes done once the source is spent.
//
// The source counts as spent on EOF and on any other read error, since no
// further input will arrive either way and the process would otherwise wait
// on its stdin forever.
type stdinSource struct {
	r    io.Reader
	once sync.Once
	done chan struct{}
}

func newStdinSource(r io.Reader) *stdinSource {
	return &stdinSource{r: r, done: make(chan struct{})}
}

func (s *stdinSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil {
		s.once.Do(func() { close(s.done) })
	}
	return n, err
}
