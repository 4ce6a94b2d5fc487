package build

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cruciblehq/cruxpy/internal/paths"
	"github.com/cruciblehq/cruxpy/internal/recipe"
	"github.com/cruciblehq/cruxpy/internal/runtime"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Holds shared state for building all stages of a recipe.
type builder struct {
	rt         *runtime.Runtime     // Container runtime for image and container operations.
	opts       Options              // Build options, defaults applied.
	derived    map[string]bool      // Stages some later stage derives from.
	containers []*runtime.Container // All stage containers, destroyed after the build completes.
	images     []string             // Committed stage images, removed after the build completes.
}

// A built stage, available to the stages after it.
type stageResult struct {
	ctr   *runtime.Container // Running stage container, source of cross-stage copies.
	tag   string             // Committed image, empty unless a later stage derives from it.
	state *stepState         // Modifier state at the end of the stage.
}

// Creates a new [builder] from the given options.
func newBuilder(rt *runtime.Runtime, opts Options) *builder {
	derived := make(map[string]bool)
	for _, st := range opts.Recipe.Stages {
		if _, ok := opts.Recipe.Stage(st.From); ok {
			derived[st.From] = true
		}
	}

	return &builder{
		rt:      rt,
		opts:    opts,
		derived: derived,
	}
}

// Builds the recipe end-to-end against the container runtime.
//
// Each target platform is built independently. All stage containers and
// intermediate images are removed when the build completes, whether or not
// it succeeded.
func (b *builder) build(ctx context.Context) (*Result, error) {
	defer b.cleanup(context.WithoutCancel(ctx))

	result := &Result{Output: b.opts.Output, Tag: b.opts.Tag}

	for _, platform := range b.opts.Platforms {
		archive, err := b.buildPlatform(ctx, platform)
		if err != nil {
			return nil, err
		}
		result.Archives = append(result.Archives, archive)
	}

	return result, nil
}

// Builds all stages of the recipe for a single platform and returns the
// exported archive.
//
// The output is written to a platform-specific subdirectory when building
// for multiple platforms.
func (b *builder) buildPlatform(ctx context.Context, platform string) (string, error) {
	slog.Info("building platform", "platform", platform)

	output := b.platformOutput(platform)
	if err := os.MkdirAll(output, paths.DefaultDirMode); err != nil {
		return "", fmt.Errorf("%w: %w", ErrFileSystemOperation, err)
	}

	built := make(map[string]*stageResult)
	final := len(b.opts.Recipe.Stages) - 1

	for i, stage := range b.opts.Recipe.Stages {
		res, err := b.buildStage(ctx, stage, i, platform, built)
		if err != nil {
			return "", fmt.Errorf("%w: platform %s, stage %s: %w", ErrBuild, platform, stageLabel(stage.Name, i), err)
		}

		if i == final {
			archive, err := b.export(ctx, res, output)
			if err != nil {
				return "", fmt.Errorf("%w: platform %s, stage %s: %w", ErrBuild, platform, stageLabel(stage.Name, i), err)
			}
			return archive, nil
		}

		if stage.Name != "" {
			built[stage.Name] = res
		}
	}

	return "", fmt.Errorf("%w: recipe has no stages", ErrBuild)
}

// Builds a single stage for a specific platform.
//
// A stage derived from an earlier stage starts from its committed image and
// inherits its modifier state; otherwise the base image is pulled. When a
// later stage derives from this one, its result is committed with the
// modifier state recorded in the image config.
func (b *builder) buildStage(ctx context.Context, stage recipe.Stage, index int, platform string, built map[string]*stageResult) (*stageResult, error) {
	label := stageLabel(stage.Name, index)
	slog.Info(fmt.Sprintf("building stage %s", label), "platform", platform, "from", stage.From)

	ctr, state, err := b.startStage(ctx, stage, index, platform, built)
	if err != nil {
		return nil, err
	}

	env := &stepEnv{
		ctr:     ctr,
		context: b.opts.Root,
		ignore:  b.opts.Recipe.Ignore,
		stages:  make(map[string]*runtime.Container, len(built)),
		stdout:  b.opts.Stdout,
		stderr:  b.opts.Stderr,
	}
	for name, res := range built {
		env.stages[name] = res.ctr
	}

	if err := executeSteps(ctx, env, stage.Steps, state); err != nil {
		return nil, err
	}

	res := &stageResult{ctr: ctr, state: state}

	if stage.Name != "" && b.derived[stage.Name] {
		res.tag = b.stageTag(stage.Name, platform)
		if err := ctr.Commit(ctx, res.tag, state.persist); err != nil {
			return nil, err
		}
		b.images = append(b.images, res.tag)
	}

	return res, nil
}

// Starts the container for a stage and returns it with the stage's initial
// modifier state.
func (b *builder) startStage(ctx context.Context, stage recipe.Stage, index int, platform string, built map[string]*stageResult) (*runtime.Container, *stepState, error) {
	id := b.containerID(stage.Name, index, platform)

	if parent, ok := built[stage.From]; ok {
		ctr, err := b.rt.StartFromTag(ctx, parent.tag, id, platform)
		if err != nil {
			return nil, nil, err
		}
		b.containers = append(b.containers, ctr)
		return ctr, parent.state.clone(), nil
	}

	archive, err := runtime.Pull(ctx, stage.From, platform, b.opts.Cache)
	if err != nil {
		return nil, nil, err
	}

	ctr, err := b.rt.StartContainer(ctx, archive, id, platform)
	if err != nil {
		return nil, nil, err
	}
	b.containers = append(b.containers, ctr)
	return ctr, newStepState(), nil
}

// Exports the final stage with the recipe's image config and records its
// healthcheck. No archive is left behind when either step fails.
func (b *builder) export(ctx context.Context, res *stageResult, output string) (string, error) {
	if err := res.ctr.Stop(ctx); err != nil {
		return "", err
	}

	archive, err := res.ctr.Export(ctx, output, b.opts.Tag, imageConfigurer(b.opts.Recipe.Image, res.state))
	if err != nil {
		return "", err
	}

	if err := runtime.Finalize(archive, b.opts.Tag, healthcheck(b.opts.Recipe.Image.Healthcheck)); err != nil {
		os.Remove(archive)
		return "", err
	}

	return archive, nil
}

// Removes all stage containers and intermediate images.
func (b *builder) cleanup(ctx context.Context) {
	for _, ctr := range b.containers {
		ctr.Destroy(ctx)
	}
	for _, tag := range b.images {
		if err := b.rt.DestroyImage(ctx, tag); err != nil {
			slog.Warn("failed to remove stage image", "tag", tag, "error", err)
		}
	}
}

// Returns a unique container ID for a stage, scoped to this build and platform.
func (b *builder) containerID(name string, index int, platform string) string {
	slug := platformSlug(platform)
	if name != "" {
		return fmt.Sprintf("%s-%s-%s-stage-%s", b.resourceName(), b.opts.BuildID, slug, name)
	}
	return fmt.Sprintf("%s-%s-%s-stage-%d", b.resourceName(), b.opts.BuildID, slug, index+1)
}

// Returns the image tag a stage is committed to.
func (b *builder) stageTag(name, platform string) string {
	return fmt.Sprintf("cruxpy/%s/%s-%s:%s", b.resourceName(), name, platformSlug(platform), b.opts.BuildID)
}

func (b *builder) resourceName() string {
	if b.opts.Recipe.Name == "" {
		return "app"
	}
	return b.opts.Recipe.Name
}

// Returns the output directory for a specific platform.
//
// When building for a single platform, the output directory is left as-is
// to preserve the {output}/image.tar convention. For multi-platform builds,
// each platform gets a subdirectory (e.g., {output}/linux-amd64).
func (b *builder) platformOutput(platform string) string {
	if len(b.opts.Platforms) == 1 {
		return b.opts.Output
	}
	return filepath.Join(b.opts.Output, platformSlug(platform))
}

// Returns the image config mutation for the exported image.
//
// The final stage's modifier state is applied first; explicit image settings
// override it.
func imageConfigurer(img recipe.ImageConfig, state *stepState) func(*ocispec.ImageConfig) {
	return func(c *ocispec.ImageConfig) {
		state.persist(c)

		if img.User != "" {
			c.User = img.User
		}
		if img.Workdir != "" {
			c.WorkingDir = img.Workdir
		}
		c.Env = setEnv(c.Env, img.Env)

		if len(img.Ports) > 0 {
			c.ExposedPorts = make(map[string]struct{}, len(img.Ports))
			for _, port := range img.Ports {
				c.ExposedPorts[strconv.Itoa(port)+"/tcp"] = struct{}{}
			}
		}

		if len(img.Entrypoint) > 0 {
			c.Entrypoint = img.Entrypoint
			c.Cmd = nil
		}
		if len(img.Cmd) > 0 {
			c.Cmd = img.Cmd
		}

		if len(img.Labels) > 0 {
			if c.Labels == nil {
				c.Labels = make(map[string]string, len(img.Labels))
			}
			maps.Copy(c.Labels, img.Labels)
		}
	}
}

// Converts the recipe healthcheck for the runtime. Nil stays nil.
func healthcheck(hc *recipe.Healthcheck) *runtime.Healthcheck {
	if hc == nil {
		return nil
	}
	return &runtime.Healthcheck{
		Test:        hc.Test,
		Interval:    hc.Interval,
		Timeout:     hc.Timeout,
		StartPeriod: hc.StartPeriod,
		Retries:     hc.Retries,
	}
}

// Converts a platform string to a filesystem-safe slug.
//
// Replaces slashes with dashes (e.g., "linux/amd64" becomes "linux-amd64").
func platformSlug(platform string) string {
	return strings.ReplaceAll(platform, "/", "-")
}

// Returns a label for a stage, preferring the name when available and falling
// back to the 1-based index.
func stageLabel(name string, index int) string {
	if name != "" {
		return fmt.Sprintf("%q", name)
	}
	return fmt.Sprintf("%d", index+1)
}
