// Package protocol defines the messages exchanged over the supervisor's
// control socket.
//
// Every message is a single line of JSON holding an [Envelope]: a command
// name and an optional payload. A client connects, writes one request line,
// reads one response line, and closes the connection. Responses carry either
// [CmdOK] with a command-specific result or [CmdError] with an [ErrorResult].
//
// Example usage:
//
//	env, payload, err := protocol.Call(ctx, paths.Socket(), protocol.CmdStatus, nil)
//	if err != nil {
//	    return err
//	}
//	status, err := protocol.DecodePayload[protocol.StatusResult](payload)
package protocol
