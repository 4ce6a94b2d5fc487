package runtime

import (
	"context"
	"io"
	"path/filepath"
)

// Creates a directory inside the container, including parents.
func (c *Container) MkdirAll(ctx context.Context, path string) error {
	return c.mustExec(ctx, "mkdir", nil, nil, "mkdir", "-p", path)
}

// Extracts a tar stream into destDir inside the container.
//
// Extraction runs as root and keeps the numeric owners recorded in the
// stream, so files copied between stages keep their ownership.
func (c *Container) CopyTo(ctx context.Context, r io.Reader, destDir string) error {
	return c.mustExec(ctx, "tar extract", r, nil, "tar", "xf", "-", "--numeric-owner", "-C", destDir)
}

// Streams the file or directory at path as a tar archive to w.
func (c *Container) CopyFrom(ctx context.Context, w io.Writer, path string) error {
	return c.mustExec(ctx, "tar archive", nil, w, "tar", "cf", "-", "--numeric-owner", "-C", filepath.Dir(path), filepath.Base(path))
}

// Runs a command as root inside the container and fails with desc when it
// exits non-zero.
func (c *Container) mustExec(ctx context.Context, desc string, stdin io.Reader, stdout io.Writer, args ...string) error {
	exitCode, stderr, err := c.execCommand(ctx, stdin, stdout, args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return wrapf("%s failed with exit code %d (%s)", desc, exitCode, stderr)
	}
	return nil
}
