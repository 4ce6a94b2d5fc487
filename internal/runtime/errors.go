package runtime

import (
	"errors"
	"fmt"
)

var (
	ErrRuntime        = errors.New("runtime error")
	ErrEmptyIndex     = errors.New("empty image index")
	ErrEmptyArchive   = errors.New("archive contains no image")
	ErrMultipleImages = errors.New("archive contains more than one image")
	ErrPull           = errors.New("image pull failed")
	ErrFinalize       = errors.New("image finalize failed")
)

// Wraps err under ErrRuntime, keeping both matchable with errors.Is.
func wrap(err error) error {
	return fmt.Errorf("%w: %w", ErrRuntime, err)
}

// Formats a message under ErrRuntime.
func wrapf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrRuntime}, args...)...)
}

