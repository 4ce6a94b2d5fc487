package control

import "errors"

var ErrServer = errors.New("control server error")
