package internal

import (
	"strconv"
	"sync/atomic"
)

// Linker defaults for the output modes. Flags override them at startup.
var (
	rawQuiet   = "false"
	rawDebug   = "false"
	rawVerbose = "false"
)

var quiet, debug, verbose atomic.Bool

func init() {
	load := func(dst *atomic.Bool, raw string) {
		if v, err := strconv.ParseBool(raw); err == nil {
			dst.Store(v)
		}
	}
	load(&quiet, rawQuiet)
	load(&debug, rawDebug)
	load(&verbose, rawVerbose)
}

func SetQuiet(enabled bool)   { quiet.Store(enabled) }
func SetDebug(enabled bool)   { debug.Store(enabled) }
func SetVerbose(enabled bool) { verbose.Store(enabled) }

func IsQuiet() bool   { return quiet.Load() }
func IsDebug() bool   { return debug.Load() }
func IsVerbose() bool { return verbose.Load() }
