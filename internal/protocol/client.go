package protocol

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Sends one command to the control socket and returns the response.
//
// An [CmdError] response is returned as an error wrapping [ErrResponse] with
// the supervisor's message.
func Call(ctx context.Context, socket string, cmd Command, payload any) (*Envelope, json.RawMessage, error) {
	data, err := Encode(cmd, payload)
	if err != nil {
		return nil, nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	env, raw, err := Decode(line)
	if err != nil {
		return nil, nil, err
	}
	if env.Command == CmdError {
		msg, err := DecodePayload[ErrorResult](raw)
		if err != nil {
			return nil, nil, err
		}
		return env, raw, fmt.Errorf("%w: %s", ErrResponse, msg.Message)
	}
	return env, raw, nil
}
