package control

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cruciblehq/cruxpy/internal/paths"
	"github.com/cruciblehq/cruxpy/internal/protocol"
	"github.com/cruciblehq/cruxpy/internal/supervisor"
)

const (

	// Group name used to grant socket access. Members of this group can
	// control the supervisor without owning the process.
	socketGroup = "cruxpy"

	// File mode applied to the Unix socket. Owner and group get read-write
	// (required for connect); others get no access.
	socketMode = 0660

	// Time allowed for a client to send its request line.
	readTimeout = 10 * time.Second
)

// The operations the control server exposes.
type Target interface {
	Status() []supervisor.WorkerStatus
	Reload()
	Stop(ctx context.Context) error
}

// Holds server configuration.
type Config struct {
	SocketPath string // Override for the Unix socket path. Empty uses [paths.Socket].
	PIDFile    string // Override for the PID file. Empty uses [paths.PIDFile].
	Bind       string // Address the supervisor serves, reported by status.
}

// Listens on a Unix domain socket and dispatches commands to a supervisor.
type Server struct {
	cfg       Config
	target    Target
	listener  net.Listener
	startedAt time.Time
	reloads   int
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.Mutex
}

// Creates a new server controlling target.
//
// The socket is not opened until [Server.Start] is called.
func New(cfg Config, target Target) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = paths.Socket()
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = paths.PIDFile()
	}
	return &Server{
		cfg:    cfg,
		target: target,
		done:   make(chan struct{}),
	}
}

// Returns the path of the control socket.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

// Opens the Unix socket and begins accepting connections.
func (s *Server) Start() error {
	listener, err := listen(s.cfg.SocketPath)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startedAt = time.Now()

	if err := writePID(s.cfg.PIDFile); err != nil {
		slog.Warn("failed to write PID file", "error", err)
	}

	slog.Info("control socket listening", "path", s.cfg.SocketPath)

	go s.accept()
	return nil
}

// Creates the Unix socket listener, removes any stale socket from a previous
// run, and applies permissions.
func listen(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrServer, err)
	}

	os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %w", ErrServer, socketPath, err)
	}

	if err := setSocketPermissions(socketPath); err != nil {
		listener.Close()
		return nil, err
	}

	return listener, nil
}

// Restricts socket access to owner and group. Any user in the cruxpy group
// can also connect.
func setSocketPermissions(socketPath string) error {
	if err := os.Chmod(socketPath, socketMode); err != nil {
		return fmt.Errorf("%w: failed to chmod socket %s: %w", ErrServer, socketPath, err)
	}

	g, err := user.LookupGroup(socketGroup)
	if err != nil {
		slog.Debug("socket group not found, socket accessible to owner only", "group", socketGroup)
		return nil
	}
	if gid, err := strconv.Atoi(g.Gid); err == nil {
		if err := os.Chown(socketPath, -1, gid); err != nil {
			slog.Warn("failed to chgrp socket", "group", socketGroup, "error", err)
		}
	}
	return nil
}

// Hands the socket directory, socket, and PID file to uid and gid, so a
// supervisor that later drops root can still remove them on stop. The socket
// keeps its group.
func (s *Server) Chown(uid, gid int) error {
	owned := []struct {
		path     string
		uid, gid int
	}{
		{filepath.Dir(s.cfg.SocketPath), uid, gid},
		{s.cfg.SocketPath, uid, -1},
		{s.cfg.PIDFile, uid, gid},
	}
	for _, o := range owned {
		if err := os.Lchown(o.path, o.uid, o.gid); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: failed to chown %s: %w", ErrServer, o.path, err)
		}
	}
	return nil
}

// Closes the socket and removes the socket and PID files. Safe to call more
// than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.listener != nil {
			s.listener.Close()
		}

		os.Remove(s.cfg.SocketPath)
		os.Remove(s.cfg.PIDFile)
	})
	return nil
}

// Blocks until the server stops.
func (s *Server) Wait() {
	<-s.done
}

// Accepts connections in a loop until the server shuts down.
func (s *Server) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Error("accept error", "error", err)
				continue
			}
		}

		go s.handle(conn)
	}
}

// Processes a single connection.
//
// Reads one newline-delimited JSON message, dispatches the command, and
// writes the response. The connection is closed after one exchange.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		slog.Error("read error", "error", err)
		return
	}

	env, _, err := protocol.Decode(line)
	if err != nil {
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{Message: err.Error()})
		return
	}

	slog.Debug("command received", "command", env.Command)
	s.dispatch(conn, env.Command)
}

// Routes a command to the appropriate handler.
func (s *Server) dispatch(conn net.Conn, cmd protocol.Command) {
	switch cmd {
	case protocol.CmdStatus:
		s.handleStatus(conn)
	case protocol.CmdReload:
		s.handleReload(conn)
	case protocol.CmdShutdown:
		s.handleShutdown(conn)
	default:
		s.respond(conn, protocol.CmdError, &protocol.ErrorResult{
			Message: fmt.Sprintf("unknown command: %s", cmd),
		})
	}
}

// Writes a JSON envelope response to the connection.
func (s *Server) respond(conn net.Conn, cmd protocol.Command, payload any) {
	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		slog.Error("encode response failed", "error", err)
		return
	}
	conn.Write(append(data, '\n'))
}

// Writes the supervisor PID so the CLI can detect whether a supervisor is
// already running and send it signals.
func writePID(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), paths.DefaultFileMode)
}

// Reads the PID recorded by a running supervisor. An empty path uses
// [paths.PIDFile].
func ReadPID(path string) (int, error) {
	if path == "" {
		path = paths.PIDFile()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("%w: malformed PID file %s", ErrServer, path)
	}
	return pid, nil
}
