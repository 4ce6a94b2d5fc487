// Package control serves the control socket of a running supervisor.
//
// The server listens on a Unix domain socket for JSON-encoded commands from
// the cruxpy CLI. Each connection carries a single request-response exchange:
// the client sends a newline-delimited [protocol.Envelope], the server
// dispatches the command, and writes the result back before closing the
// connection.
//
// Supported commands report worker status, recycle all workers, and initiate
// a graceful shutdown. While the server runs, the supervisor's PID is
// recorded in a PID file so the CLI can find and signal it.
//
// Example usage:
//
//	srv := control.New(control.Config{Bind: cfg.Bind}, sup)
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
package control
