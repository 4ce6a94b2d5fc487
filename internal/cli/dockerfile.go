package cli

import (
	"context"
	"io"
	"os"
)

// Represents the 'cruxpy dockerfile' command.
type DockerfileCmd struct {
	RecipeFlags

	Output string `short:"o" help:"Write to a file instead of standard output." placeholder:"PATH" type:"path"`
}

// Executes the dockerfile command.
//
// The recipe is validated first so the rendered file never describes an
// image the builder would refuse.
func (c *DockerfileCmd) Run(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	rec, err := c.load(settings)
	if err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	return rec.Dockerfile(w)
}
