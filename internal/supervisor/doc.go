// Package supervisor runs a WSGI application as a set of pre-forked worker
// processes behind a single front server.
//
// The front server listens on the bind address and routes every request to
// exactly one idle worker over the worker's unix socket. A worker serves one
// request at a time. Each worker draws a request ceiling when it is spawned,
// uniformly from [MaxRequests, MaxRequests+MaxRequestsJitter), and is
// gracefully replaced once it reaches it, so workers do not all restart at
// once. A request that keeps a worker busy past the timeout is answered with
// 504 and the worker's process group is killed. Workers that exit for any
// other reason are respawned.
//
// When the supervisor runs as root, workers run as the configured
// unprivileged account; a configuration naming uid or gid 0 is refused.
//
// Example usage:
//
//	cfg := supervisor.DefaultConfig()
//	cfg.Dir = "/app"
//
//	s, err := supervisor.New(cfg)
//	if err != nil {
//	    return err
//	}
//	return s.Run(ctx)
package supervisor
