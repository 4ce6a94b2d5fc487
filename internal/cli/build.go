package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/cruciblehq/cruxpy/internal/build"
	"github.com/cruciblehq/cruxpy/internal/runtime"
)

// Represents the 'cruxpy build' command.
type BuildCmd struct {
	RecipeFlags

	Output    string   `short:"o" help:"Directory for the exported image archives." default:"dist" type:"path"`
	Tag       string   `short:"t" help:"Image reference recorded in the archive. Defaults to <name>:latest."`
	Platform  []string `short:"p" help:"Target platform, repeatable. Defaults to the host platform." placeholder:"OS/ARCH"`
	Address   string   `help:"Containerd socket address. Overrides the settings file." placeholder:"PATH"`
	Namespace string   `help:"Containerd namespace. Overrides the settings file."`
}

// Executes the build command.
//
// Connects to containerd, builds every stage of the recipe, and writes one
// OCI archive per platform into the output directory.
func (c *BuildCmd) Run(ctx context.Context) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	rec, err := c.load(settings)
	if err != nil {
		return err
	}

	address := firstNonEmpty(c.Address, settings.Containerd.Address)
	namespace := firstNonEmpty(c.Namespace, settings.Containerd.Namespace)

	rt, err := runtime.New(address, namespace)
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := build.Run(ctx, rt, build.Options{
		Recipe:    rec,
		Output:    c.Output,
		Root:      c.Context,
		Tag:       c.Tag,
		Platforms: c.Platform,
		Cache:     settings.Cache,
		Stdout:    os.Stderr,
		Stderr:    os.Stderr,
	})
	if err != nil {
		return err
	}

	for _, archive := range result.Archives {
		fmt.Println(archive)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
