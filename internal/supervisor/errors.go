package supervisor

import "errors"

var (
	ErrConfig     = errors.New("invalid supervisor configuration")
	ErrRootWorker = errors.New("workers must not run as root")
	ErrPrivileges = errors.New("failed to drop privileges")
	ErrSpawn      = errors.New("worker spawn failed")
	ErrStopped    = errors.New("supervisor stopped")
)
