package runtime

import (
	"context"
	"io"
	"log/slog"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/pkg/cio"
	"github.com/containerd/containerd/v2/pkg/oci"
	"github.com/containerd/errdefs"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Observed state of a container.
type ContainerState string

const (
	ContainerNotCreated ContainerState = "not-created"
	ContainerRunning    ContainerState = "running"
	ContainerStopped    ContainerState = "stopped"
)

// Selects the main process of a new container.
type processMode int

const (
	buildProcess processMode = iota // A placeholder "sleep infinity" that build steps exec into.
	imageProcess                    // The image's own entrypoint and command.
)

// Output streams for a container's main process.
type Streams struct {
	Stdout io.Writer
	Stderr io.Writer
}

// A container backed by containerd.
type Container struct {
	client   *containerd.Client
	id       string // Containerd container ID.
	platform string // OCI platform (e.g., "linux/amd64").
}

// Returns the container ID.
func (c *Container) ID() string {
	return c.id
}

// Queries the current state of the container.
func (c *Container) Status(ctx context.Context) (ContainerState, error) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerNotCreated, nil
		}
		return "", wrap(err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerStopped, nil
		}
		return "", wrap(err)
	}

	status, err := task.Status(ctx)
	if err != nil {
		return "", wrap(err)
	}

	if status.Status == containerd.Running {
		return ContainerRunning, nil
	}
	return ContainerStopped, nil
}

// Blocks until the container's main process exits and returns its exit code.
func (c *Container) Wait(ctx context.Context) (int, error) {
	task, err := c.loadTask(ctx)
	if err != nil {
		return 0, err
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return 0, wrap(err)
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case st := <-statusC:
		code, _, err := st.Result()
		if err != nil {
			return 0, wrap(err)
		}
		return int(code), nil
	}
}

// Stops the container's task.
//
// The running task is killed and deleted; the container metadata is kept.
// Stopping a stopped container is not an error.
func (c *Container) Stop(ctx context.Context) error {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return wrap(err)
	}

	task, err := ctr.Task(ctx, nil)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return wrap(err)
	}

	task.Kill(ctx, syscall.SIGKILL)
	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
		return wrap(err)
	}

	return nil
}

// Removes the container, its task, and its snapshot. The handle is invalid
// afterwards.
func (c *Container) Destroy(ctx context.Context) {
	ctr, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			slog.Warn("failed to load container for destruction", "id", c.id, "error", err)
		}
		return
	}

	if task, err := ctr.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}

	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		slog.Warn("failed to delete container during destruction", "id", c.id, "error", err)
	}
}

// Creates the containerd container. Containers share the host network so
// build steps can reach package indexes and a running image can bind its
// declared port on the host.
func (c *Container) create(ctx context.Context, image containerd.Image, mode processMode) (containerd.Container, error) {
	opts := []oci.SpecOpts{
		oci.WithDefaultSpecForPlatform(c.platform),
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
	}
	if mode == buildProcess {
		opts = append(opts, oci.WithProcessArgs("sleep", "infinity"))
	}

	return c.client.NewContainer(ctx, c.id,
		containerd.WithImage(image),
		containerd.WithSnapshotter(snapshotter),
		containerd.WithNewSnapshot(c.id, image),
		containerd.WithRuntime(ociRuntime, nil),
		containerd.WithNewSpec(opts...),
	)
}

// Starts the container's main task. Output is discarded when streams is nil.
func (c *Container) startTask(ctx context.Context, ctr containerd.Container, streams *Streams) error {
	var creator cio.Creator = cio.NullIO
	if streams != nil {
		stdout, stderr := streams.Stdout, streams.Stderr
		if stdout == nil {
			stdout = io.Discard
		}
		if stderr == nil {
			stderr = io.Discard
		}
		creator = cio.NewCreator(cio.WithStreams(nil, stdout, stderr))
	}

	task, err := ctr.NewTask(ctx, creator)
	if err != nil {
		return err
	}
	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		return err
	}
	return nil
}

// Removes an existing container with this ID, if one exists.
func (c *Container) remove(ctx context.Context) {
	existing, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return
	}
	if task, err := existing.Task(ctx, nil); err == nil {
		task.Kill(ctx, syscall.SIGKILL)
		task.Delete(ctx, containerd.WithProcessKill)
	}
	existing.Delete(ctx, containerd.WithSnapshotCleanup)
}
