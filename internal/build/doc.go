// Package build executes recipes against the container runtime.
//
// A recipe is an ordered sequence of stages. Each stage starts a container
// from a registry image or from the committed image of an earlier stage,
// dispatches its steps (shell commands, host copies filtered by the recipe's
// ignore patterns, and cross-stage copies), and the final stage is exported
// as an OCI archive carrying the recipe's image config and healthcheck.
// Multi-platform builds repeat the pipeline per platform, writing each
// result to a platform-specific output directory.
//
// Step state (environment variables, working directory, user, shell) is
// accumulated across the steps of a stage. A derived stage starts from the
// state its parent ended with, which is also recorded in the parent's
// committed image so processes in the derived container see it.
//
// Example usage:
//
//	result, err := build.Run(ctx, rt, build.Options{
//	    Recipe:    recipe.Default(recipe.Options{Name: "shop"}),
//	    Output:    "dist",
//	    Root:      ".",
//	    Platforms: []string{"linux/amd64", "linux/arm64"},
//	})
//	if err != nil {
//	    return err
//	}
package build
