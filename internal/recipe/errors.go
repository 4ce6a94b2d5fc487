package recipe

import "errors"

var (
	ErrDecode  = errors.New("recipe decode failed")
	ErrInvalid = errors.New("invalid recipe")
	ErrRender  = errors.New("dockerfile render failed")
)
