package protocol

import "errors"

var (
	ErrEncode   = errors.New("encode failed")
	ErrDecode   = errors.New("decode failed")
	ErrConnect  = errors.New("cannot reach supervisor")
	ErrResponse = errors.New("supervisor returned an error")
)
