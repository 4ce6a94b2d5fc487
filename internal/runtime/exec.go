package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Sequence counter for generating unique exec process identifiers.
var execSeq uint64

// Returns a unique exec process identifier.
func nextExecID() string {
	return fmt.Sprintf("exec-%d", atomic.AddUint64(&execSeq, 1))
}

// Root credentials, used for filesystem plumbing regardless of the image user.
var rootUser = &specs.User{UID: 0, GID: 0}

// Output of a command execution inside a container.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output.
	Stderr   string // Captured standard error.
}

// Parameters of a shell command run inside a container.
type ExecOptions struct {
	Shell   string      // Shell invoked as "shell -c command".
	Command string      // Command string.
	Env     []string    // "KEY=value" entries layered over the container env.
	Workdir string      // Working directory. Empty keeps the container's.
	User    *specs.User // Credentials. Nil keeps the container's user.
	Stdout  io.Writer   // Receives output as it is produced, in addition to capture.
	Stderr  io.Writer   // Receives errors as they are produced, in addition to capture.
}

// Runs a shell command inside the container.
//
// Env, workdir, and user override the container's OCI process spec for this
// execution only. A non-zero exit code is reported in the result, not as an
// error.
func (c *Container) Exec(ctx context.Context, opts ExecOptions) (*ExecResult, error) {
	pspec, err := c.buildProcessSpec(ctx, opts.Env, opts.Workdir, opts.User, opts.Shell, "-c", opts.Command)
	if err != nil {
		return nil, wrap(err)
	}

	var stdout, stderr bytes.Buffer
	exitCode, err := c.execProcess(ctx, pspec, nil, tee(&stdout, opts.Stdout), tee(&stderr, opts.Stderr))
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Runs a command and arguments directly inside the container, without a
// shell, as the container's user.
func (c *Container) ExecArgs(ctx context.Context, args []string) (*ExecResult, error) {
	pspec, err := c.buildProcessSpec(ctx, nil, "", nil, args...)
	if err != nil {
		return nil, wrap(err)
	}

	var stdout, stderr bytes.Buffer
	exitCode, err := c.execProcess(ctx, pspec, nil, &stdout, &stderr)
	if err != nil {
		return nil, err
	}

	return &ExecResult{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Builds an OCI process spec for a command inside the container.
//
// The base values are copied from the container's own spec, then env,
// workdir, and user are overridden when given.
func (c *Container) buildProcessSpec(ctx context.Context, env []string, workdir string, user *specs.User, args ...string) (*specs.Process, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, err
	}

	spec, err := ctr.Spec(ctx)
	if err != nil {
		return nil, err
	}

	pspec := *spec.Process
	pspec.Terminal = false
	pspec.Args = args

	if len(env) > 0 {
		pspec.Env = mergeEnv(pspec.Env, env)
	}
	if workdir != "" {
		pspec.Cwd = workdir
	}
	if user != nil {
		pspec.User = *user
	}

	return &pspec, nil
}

// Layers override "KEY=value" entries on top of a base env slice.
//
// Keys keep the position of their first appearance so repeated merges of the
// same inputs produce the same slice. Malformed entries are dropped.
func mergeEnv(base, overrides []string) []string {
	index := make(map[string]int, len(base)+len(overrides))
	result := make([]string, 0, len(base)+len(overrides))

	for _, entry := range append(append([]string(nil), base...), overrides...) {
		k, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if i, seen := index[k]; seen {
			result[i] = entry
			continue
		}
		index[k] = len(result)
		result = append(result, entry)
	}
	return result
}

// Runs a command as root inside the container, returning the exit code and
// captured stderr. A non-zero exit code is not treated as an error.
func (c *Container) execCommand(ctx context.Context, stdin io.Reader, stdout io.Writer, args ...string) (int, string, error) {
	pspec, err := c.buildProcessSpec(ctx, nil, "", rootUser, args...)
	if err != nil {
		return 0, "", wrap(err)
	}

	var stderr bytes.Buffer
	exitCode, err := c.execProcess(ctx, pspec, stdin, stdout, &stderr)
	if err != nil {
		return 0, "", err
	}
	return exitCode, stderr.String(), nil
}

// Starts a process inside the container's running task, waits for it to
// exit, and returns the exit code.
//
// The process is attached to the task as an additional exec. Nil output
// streams are replaced with io.Discard. When stdin is given, the process
// stdin is closed once the reader is spent; the shim holds both ends of the
// stdin FIFO and would never propagate EOF on its own.
func (c *Container) execProcess(ctx context.Context, pspec *specs.Process, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	task, err := c.loadTask(ctx)
	if err != nil {
		return 0, err
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	var stdinDone <-chan struct{}
	if stdin != nil {
		src := newStdinSource(stdin)
		stdin = src
		stdinDone = src.done
	}

	process, err := task.Exec(ctx, nextExecID(), pspec, cio.NewCreator(
		cio.WithStreams(stdin, stdout, stderr),
	))
	if err != nil {
		return 0, wrap(err)
	}

	return awaitProcess(ctx, process, stdinDone)
}

// Loads the container's running task.
func (c *Container) loadTask(ctx context.Context) (containerd.Task, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return nil, wrap(err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		return nil, wrap(err)
	}

	return task, nil
}

// Starts an exec process, waits for it to exit, and returns the exit code.
// The process is always deleted before returning.
func awaitProcess(ctx context.Context, process containerd.Process, stdinDone <-chan struct{}) (int, error) {
	statusC, err := process.Wait(ctx)
	if err != nil {
		process.Delete(ctx)
		return 0, wrap(err)
	}

	if err := process.Start(ctx); err != nil {
		process.Delete(ctx)
		return 0, wrap(err)
	}

	if stdinDone != nil {
		go func() {
			<-stdinDone
			process.CloseIO(ctx, containerd.WithStdinCloser)
		}()
	}

	exitStatus := <-statusC
	process.Delete(ctx)

	code, _, err := exitStatus.Result()
	if err != nil {
		return 0, wrap(err)
	}

	return int(code), nil
}

// Returns a writer that copies to both buffer and w, or just the buffer when
// w is nil.
func tee(buf *bytes.Buffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

// Runs a Docker-style healthcheck test inside the container and reports
// whether it passed.
//
// Test is ["CMD", args...] or ["CMD-SHELL", command]; a bare argument list is
// treated like CMD. The test passes when it exits 0 within timeout.
func (c *Container) CheckHealth(ctx context.Context, test []string, timeout time.Duration) (bool, error) {
	args, err := healthArgs(test)
	if err != nil {
		return false, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := c.ExecArgs(ctx, args)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	return result.ExitCode == 0, nil
}

// Translates a healthcheck test into process arguments.
func healthArgs(test []string) ([]string, error) {
	if len(test) == 0 {
		return nil, wrapf("empty healthcheck test")
	}

	switch test[0] {
	case "CMD":
		if len(test) < 2 {
			return nil, wrapf("healthcheck CMD without arguments")
		}
		return test[1:], nil
	case "CMD-SHELL":
		if len(test) != 2 {
			return nil, wrapf("healthcheck CMD-SHELL takes one command, got %d", len(test)-1)
		}
		return []string{"/bin/sh", "-c", test[1]}, nil
	case "NONE":
		return nil, wrapf("healthcheck disabled")
	}
	return test, nil
}
