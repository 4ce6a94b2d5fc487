package supervisor

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Process credential calls. Replaced in tests.
var (
	geteuid   = unix.Geteuid
	setgroups = syscall.Setgroups
	setgid    = syscall.Setgid
	setuid    = syscall.Setuid
)

// Returns the process attributes of a worker.
//
// Each worker leads its own process group so a timeout kills everything it
// started. Workers inherit the supervisor's credentials.
func (s *Supervisor) procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// Switches a root supervisor to the configured account. Does nothing when
// the supervisor is not root.
//
// Runs once the front listener is bound, so a privileged port can still be
// served. The syscall package applies each change to every thread of the
// process.
func (s *Supervisor) dropPrivileges() error {
	if geteuid() != 0 {
		return nil
	}
	if err := setgroups([]int{s.cfg.GID}); err != nil {
		return fmt.Errorf("%w: setgroups: %w", ErrPrivileges, err)
	}
	if err := setgid(s.cfg.GID); err != nil {
		return fmt.Errorf("%w: setgid %d: %w", ErrPrivileges, s.cfg.GID, err)
	}
	if err := setuid(s.cfg.UID); err != nil {
		return fmt.Errorf("%w: setuid %d: %w", ErrPrivileges, s.cfg.UID, err)
	}
	return nil
}

// Returns the uid the supervisor and its workers run as.
func (s *Supervisor) EffectiveUID() int {
	return geteuid()
}

// Creates the private directory holding worker sockets.
//
// When the supervisor runs as root the directory is handed to the configured
// account, which the supervisor and its workers switch to.
func (s *Supervisor) makeRunDir() (string, error) {
	parent := s.cfg.RunDir
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", err
	}

	dir, err := os.MkdirTemp(parent, "cruxpy-workers-")
	if err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0750); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if geteuid() == 0 {
		if err := os.Chown(dir, s.cfg.UID, s.cfg.GID); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}
	return dir, nil
}
