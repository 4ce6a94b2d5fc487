package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name of a control command or response kind.
type Command string

const (
	CmdStatus   Command = "status"   // Report supervisor and worker state.
	CmdReload   Command = "reload"   // Recycle all workers.
	CmdShutdown Command = "shutdown" // Stop the supervisor gracefully.

	CmdOK    Command = "ok"    // Successful response.
	CmdError Command = "error" // Failed response carrying an [ErrorResult].
)

// Wire format of every message.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result of a status command.
type StatusResult struct {
	Running bool           `json:"running"`
	Version string         `json:"version"`
	Pid     int            `json:"pid"`
	Uptime  string         `json:"uptime"`
	Bind    string         `json:"bind"`
	Reloads int            `json:"reloads"`
	Workers []WorkerStatus `json:"workers"`
}

// State of one worker within a [StatusResult].
type WorkerStatus struct {
	ID      int       `json:"id"`
	Pid     int       `json:"pid"`
	Served  int64     `json:"served"`
	Ceiling int       `json:"ceiling"`
	Busy    bool      `json:"busy"`
	Ready   bool      `json:"ready"`
	Started time.Time `json:"started"`
}

// Payload of a [CmdError] response.
type ErrorResult struct {
	Message string `json:"message"`
}

// Encodes a command and payload as one JSON message without a trailing
// newline. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncode, err)
		}
		env.Payload = raw
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return data, nil
}

// Decodes one message, returning the envelope and its raw payload.
func Decode(data []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if env.Command == "" {
		return nil, nil, fmt.Errorf("%w: missing command", ErrDecode)
	}
	return &env, env.Payload, nil
}

// Decodes a payload into T. An empty payload yields the zero value.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return &v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return &v, nil
}
