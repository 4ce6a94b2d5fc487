package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	goruntime "runtime"
	"syscall"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
)

const (

	// Snapshotter used for container filesystems. fuse-overlayfs provides
	// overlay semantics without mount(2), so builds do not need root.
	snapshotter = "fuse-overlayfs"

	// OCI runtime shim for running containers.
	ociRuntime = "io.containerd.runc.v2"
)

// Manages the containerd client and provides image and container operations.
type Runtime struct {
	client *containerd.Client
}

// Creates a runtime connected to the containerd socket at the given address.
//
// The namespace scopes all containerd operations to a single tenant. The
// runtime must be closed when no longer needed.
func New(address, namespace string) (*Runtime, error) {
	client, err := containerd.New(address, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, wrap(err)
	}
	return &Runtime{client: client}, nil
}

// Closes the containerd client connection.
func (rt *Runtime) Close() error {
	return rt.client.Close()
}

// Imports an archive, unpacks it for the target platform, and starts a build
// container from it.
//
// The archive is tagged with a name derived from its path. The container runs
// "sleep infinity" so that subsequent Exec calls have a task to attach to.
// Any existing container with the same ID is removed first.
func (rt *Runtime) StartContainer(ctx context.Context, path, id, platform string) (*Container, error) {
	tag := imageTag(path)

	if err := rt.ImportImage(ctx, path, tag, platform); err != nil {
		return nil, err
	}

	return rt.StartFromTag(ctx, tag, id, platform)
}

// Starts a build container from an image already known to containerd, such
// as one produced by [Container.Commit].
//
// The image must have been unpacked for the platform.
func (rt *Runtime) StartFromTag(ctx context.Context, tag, id, platform string) (*Container, error) {
	c := &Container{
		client:   rt.client,
		id:       id,
		platform: platform,
	}

	// Remove any stale container from a previous build with the same ID.
	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, wrap(err)
	}

	ctr, err := c.create(ctx, image, buildProcess)
	if err != nil {
		return nil, wrap(err)
	}

	if err := c.startTask(ctx, ctr, nil); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, wrap(err)
	}

	slog.Debug("container started", "id", id, "image", tag, "platform", platform)
	return c, nil
}

// Starts a container running the image's own entrypoint and command as the
// image's user, with the process output attached to the given streams.
//
// This is how a built image is run locally. The returned container's
// [Container.Wait] reports the main process exit.
func (rt *Runtime) RunImage(ctx context.Context, tag, id string, streams Streams) (*Container, error) {
	platform := defaultPlatform()

	c := &Container{
		client:   rt.client,
		id:       id,
		platform: platform,
	}

	c.remove(ctx)

	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return nil, wrap(err)
	}

	ctr, err := c.create(ctx, image, imageProcess)
	if err != nil {
		return nil, wrap(err)
	}

	if err := c.startTask(ctx, ctr, &streams); err != nil {
		ctr.Delete(ctx, containerd.WithSnapshotCleanup)
		return nil, wrap(err)
	}

	slog.Debug("container running", "id", id, "image", tag)
	return c, nil
}

// Imports an archive, tags it under the given name, and unpacks it for the
// platform. An empty platform selects the host platform.
func (rt *Runtime) ImportImage(ctx context.Context, path, tag, platform string) error {
	if platform == "" {
		platform = defaultPlatform()
	}

	source, err := rt.importArchive(ctx, path)
	if err != nil {
		return wrap(err)
	}

	if err := rt.tagImage(ctx, source, tag); err != nil {
		return wrap(err)
	}

	if err := rt.unpackImage(ctx, tag, platform); err != nil {
		return wrap(err)
	}

	slog.Debug("image imported", "path", path, "tag", tag)
	return nil
}

// Imports an archive into the content store.
//
// The archive must hold exactly one image. A multi-platform archive has a
// single entry (an index referencing per-platform manifests); platform
// selection happens later in resolveImage.
func (rt *Runtime) importArchive(ctx context.Context, path string) (images.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return images.Image{}, err
	}
	defer fh.Close()

	imported, err := rt.client.Import(ctx, fh)
	if err != nil {
		return images.Image{}, err
	}

	switch {
	case len(imported) == 0:
		return images.Image{}, ErrEmptyArchive
	case len(imported) > 1:
		return images.Image{}, ErrMultipleImages
	}

	return imported[0], nil
}

// Points tag at the source image's target, creating or updating the record.
// The source record is removed when its name differs from the tag.
func (rt *Runtime) tagImage(ctx context.Context, source images.Image, tag string) error {
	if err := putImage(ctx, rt.client.ImageService(), tag, source.Target); err != nil {
		return err
	}

	if source.Name != tag {
		_ = rt.client.ImageService().Delete(ctx, source.Name)
	}

	return nil
}

// Unpacks the image layers for the target platform into the snapshotter.
func (rt *Runtime) unpackImage(ctx context.Context, tag, platform string) error {
	image, err := rt.resolveImage(ctx, tag, platform)
	if err != nil {
		return err
	}

	return image.Unpack(ctx, snapshotter)
}

// Looks up a tagged image and selects the manifest for the given platform.
func (rt *Runtime) resolveImage(ctx context.Context, tag, platform string) (containerd.Image, error) {
	return resolveImage(ctx, rt.client, tag, platform)
}

// Removes an image and all containers created from it.
//
// Each container's task is killed before the container and its snapshot are
// deleted.
func (rt *Runtime) DestroyImage(ctx context.Context, tag string) error {
	ctrs, err := rt.client.Containers(ctx, fmt.Sprintf("image==%s", tag))
	if err != nil {
		return wrap(err)
	}

	for _, ctr := range ctrs {
		if task, taskErr := ctr.Task(ctx, nil); taskErr == nil {
			task.Kill(ctx, syscall.SIGKILL)
			task.Delete(ctx, containerd.WithProcessKill)
		}
		if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
			return wrap(err)
		}
	}

	if err := rt.client.ImageService().Delete(ctx, tag); err != nil && !errdefs.IsNotFound(err) {
		return wrap(err)
	}

	slog.Debug("image destroyed", "tag", tag)
	return nil
}

// Returns a handle for an existing container.
//
// The handle is not verified; the container is resolved lazily.
func (rt *Runtime) Container(id string) *Container {
	return &Container{
		client:   rt.client,
		id:       id,
		platform: defaultPlatform(),
	}
}

// Looks up a tagged image and selects the manifest for the given platform.
//
// Multi-platform images carry manifests for several architectures; selecting
// one makes subsequent operations target the right one.
func resolveImage(ctx context.Context, client *containerd.Client, tag, platform string) (containerd.Image, error) {
	p, err := platforms.Parse(platform)
	if err != nil {
		return nil, err
	}

	img, err := client.ImageService().Get(ctx, tag)
	if err != nil {
		return nil, err
	}

	return containerd.NewImageWithPlatform(client, img, platforms.Only(p)), nil
}

// Produces a containerd image tag from an archive path.
//
// The path is hashed so the tag is a valid reference whatever characters the
// path contains.
func imageTag(path string) string {
	h := sha256.Sum256([]byte(path))
	return fmt.Sprintf("cruxpy/import/%s:latest", hex.EncodeToString(h[:16]))
}

// Returns the default OCI platform for the host architecture.
func defaultPlatform() string {
	return "linux/" + goruntime.GOARCH
}

// Returns the host platform, for callers that build for it by default.
func DefaultPlatform() string {
	return defaultPlatform()
}
