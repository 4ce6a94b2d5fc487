package control

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/cruciblehq/cruxpy/internal"
	"github.com/cruciblehq/cruxpy/internal/protocol"
)

// Handles a status command.
func (s *Server) handleStatus(conn net.Conn) {
	s.mu.Lock()
	reloads := s.reloads
	s.mu.Unlock()

	workers := s.target.Status()
	result := &protocol.StatusResult{
		Running: true,
		Version: internal.VersionString(),
		Pid:     os.Getpid(),
		Uptime:  time.Since(s.startedAt).Truncate(time.Second).String(),
		Bind:    s.cfg.Bind,
		Reloads: reloads,
		Workers: make([]protocol.WorkerStatus, 0, len(workers)),
	}
	for _, w := range workers {
		result.Workers = append(result.Workers, protocol.WorkerStatus{
			ID:      w.ID,
			Pid:     w.PID,
			Served:  w.Served,
			Ceiling: w.Ceiling,
			Busy:    w.Busy,
			Ready:   w.Ready,
			Started: w.Started,
		})
	}

	s.respond(conn, protocol.CmdOK, result)
}

// Handles a reload command. Replacement workers are spawned before the
// response is written; the old workers drain in the background.
func (s *Server) handleReload(conn net.Conn) {
	s.target.Reload()

	s.mu.Lock()
	s.reloads++
	s.mu.Unlock()

	s.respond(conn, protocol.CmdOK, nil)
}

// Handles a shutdown command.
func (s *Server) handleShutdown(conn net.Conn) {
	s.respond(conn, protocol.CmdOK, nil)
	slog.Info("shutdown requested")

	go func() {
		if err := s.target.Stop(context.Background()); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()
}
