package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/cruciblehq/cruxpy/internal/recipe"
	"github.com/cruciblehq/cruxpy/internal/runtime"
)

// Everything a step needs beyond its own fields.
type stepEnv struct {
	ctr     *runtime.Container            // Container the step runs in.
	context string                        // Build context root for host copies.
	ignore  []string                      // Patterns excluded from host copies.
	stages  map[string]*runtime.Container // Named stage containers for cross-stage copies.
	stdout  io.Writer                     // Receives run step output. May be nil.
	stderr  io.Writer                     // Receives run step errors. May be nil.
}

// Executes a list of steps in order against the build container.
func executeSteps(ctx context.Context, env *stepEnv, steps []recipe.Step, state *stepState) error {
	for i, step := range steps {
		if err := executeStep(ctx, env, step, state); err != nil {
			return fmt.Errorf("%w: step %d: %w", ErrBuild, i+1, err)
		}
	}
	return nil
}

// Executes a single step, dispatching to operation execution, group recursion,
// or state mutation depending on the step's fields.
func executeStep(ctx context.Context, env *stepEnv, step recipe.Step, state *stepState) error {
	if len(step.Steps) > 0 {
		state.apply(step)
		return executeSteps(ctx, env, step.Steps, state)
	}

	if step.IsOperation() {
		return executeOperation(ctx, env, step, state)
	}

	state.apply(step)
	return nil
}

// Executes a run or copy operation with scoped modifier overrides.
//
// Step-level modifiers override the persistent state for this operation only.
// Copies always run as root; the user modifier applies to run steps.
func executeOperation(ctx context.Context, env *stepEnv, step recipe.Step, state *stepState) error {
	resolved := state.resolve(step)

	if resolved.workdir != "" {
		if err := env.ctr.MkdirAll(ctx, resolved.workdir); err != nil {
			return err
		}
	}

	switch {
	case step.Run != "":
		user, err := resolved.credentials()
		if err != nil {
			return err
		}

		slog.Debug("run", "command", step.Run, "shell", resolved.shell, "user", resolved.user)
		result, err := env.ctr.Exec(ctx, runtime.ExecOptions{
			Shell:   resolved.shell,
			Command: step.Run,
			Env:     resolved.environ(),
			Workdir: resolved.workdir,
			User:    user,
			Stdout:  env.stdout,
			Stderr:  env.stderr,
		})
		if err != nil {
			return err
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%w: exit code %d: %s", ErrCommandFailed, result.ExitCode, result.Stderr)
		}

	case step.Copy != "":
		if err := executeCopy(ctx, env, step.Copy, resolved.workdir); err != nil {
			return err
		}
	}

	return nil
}
