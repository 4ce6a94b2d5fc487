package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cruciblehq/cruxpy/internal/paths"
	"github.com/cruciblehq/cruxpy/internal/recipe"
	"github.com/cruciblehq/cruxpy/internal/runtime"
	"github.com/google/uuid"
)

// Controls recipe execution.
type Options struct {
	Recipe    *recipe.Recipe // Recipe to execute.
	Output    string         // Directory for the exported image.
	Root      string         // Build context, for resolving host copy sources.
	Tag       string         // Reference recorded in the exported archive. Defaults to "<name>:latest".
	Platforms []string       // Target platforms (e.g., ["linux/amd64"]). Defaults to host.
	Cache     string         // Directory caching pulled base images. Defaults to the xdg cache.
	BuildID   string         // Identifies this build's containers and images. Defaults to a random UUID.
	Stdout    io.Writer      // Receives run step output. May be nil.
	Stderr    io.Writer      // Receives run step errors. May be nil.
}

// Returned after successful recipe execution.
type Result struct {
	Output   string   // Directory containing the exported images.
	Tag      string   // Reference recorded in the archives.
	Archives []string // One archive per platform, in platform order.
}

// Executes a recipe against the container runtime.
//
// The recipe is validated before any container starts. Stages are built in
// declaration order; each stage starts from a registry image or from the
// committed image of an earlier stage, executes its steps, and the final
// stage is exported with the recipe's image config to the output directory.
func Run(ctx context.Context, rt *runtime.Runtime, opts Options) (*Result, error) {
	if err := opts.Recipe.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuild, err)
	}

	opts = opts.withDefaults()

	slog.Info("executing recipe",
		"name", opts.Recipe.Name,
		"build", opts.BuildID,
		"output", opts.Output,
		"stages", len(opts.Recipe.Stages),
		"platforms", opts.Platforms,
	)

	if err := os.MkdirAll(opts.Output, paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	return newBuilder(rt, opts).build(ctx)
}

func (o Options) withDefaults() Options {
	if len(o.Platforms) == 0 {
		o.Platforms = []string{runtime.DefaultPlatform()}
	}
	if o.Cache == "" {
		o.Cache = paths.Images()
	}
	if o.BuildID == "" {
		o.BuildID = uuid.NewString()
	}
	if o.Root == "" {
		o.Root = "."
	}
	if o.Tag == "" {
		name := o.Recipe.Name
		if name == "" {
			name = "app"
		}
		o.Tag = name + ":latest"
	}
	return o
}
