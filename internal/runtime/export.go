package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/core/content"
	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/containerd/v2/core/images/archive"
	"github.com/containerd/containerd/v2/pkg/rootfs"
	"github.com/containerd/errdefs"
	"github.com/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Filename of the OCI archive produced by Export.
const exportFilename = "image.tar"

// Commits the container's filesystem changes and exports the result as an
// OCI archive at output/image.tar named ref, returning the archive path.
//
// The diff between the container's snapshot and its parent becomes a new
// layer and configure may adjust the image config. The stored image record
// is never modified: the mutated manifest, config, and index are written as
// ephemeral blobs protected by a lease until the export finishes.
func (c *Container) Export(ctx context.Context, output, ref string, configure func(*ocispec.ImageConfig)) (string, error) {
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return "", wrap(err)
	}
	defer done(context.Background())

	_, target, err := c.commitTarget(ctx, configure)
	if err != nil {
		return "", wrap(err)
	}

	exportPath := filepath.Join(output, exportFilename)
	if err := c.exportImage(ctx, target, ref, exportPath); err != nil {
		os.Remove(exportPath)
		return "", wrap(err)
	}

	slog.Info("image exported", "ref", ref, "path", exportPath)
	return exportPath, nil
}

// Commits the container's filesystem changes as a new image named tag and
// unpacks it, so that later stages can start containers from it.
func (c *Container) Commit(ctx context.Context, tag string, configure func(*ocispec.ImageConfig)) error {
	ctx, done, err := c.client.WithLease(ctx)
	if err != nil {
		return wrap(err)
	}
	defer done(context.Background())

	_, target, err := c.commitTarget(ctx, configure)
	if err != nil {
		return wrap(err)
	}

	if err := putImage(ctx, c.client.ImageService(), tag, target); err != nil {
		return wrap(err)
	}

	image, err := resolveImage(ctx, c.client, tag, c.platform)
	if err != nil {
		return wrap(err)
	}

	if err := image.Unpack(ctx, snapshotter); err != nil {
		return wrap(err)
	}

	slog.Debug("container committed", "id", c.id, "tag", tag)
	return nil
}

// Computes the container's diff layer and writes a manifest that appends it
// to the container's image, with configure applied to the config.
//
// The caller must hold a content lease.
func (c *Container) commitTarget(ctx context.Context, configure func(*ocispec.ImageConfig)) (containers.Container, ocispec.Descriptor, error) {
	loaded, err := c.client.LoadContainer(ctx, c.id)
	if err != nil {
		return containers.Container{}, ocispec.Descriptor{}, err
	}

	info, err := loaded.Info(ctx)
	if err != nil {
		return containers.Container{}, ocispec.Descriptor{}, err
	}

	layer, diffID, err := c.snapshotDiff(ctx, info)
	if err != nil {
		return containers.Container{}, ocispec.Descriptor{}, err
	}

	target, err := c.buildExportTarget(ctx, info.Image, appendLayer(c.id, layer, diffID, time.Now().UTC(), configure))
	if err != nil {
		return containers.Container{}, ocispec.Descriptor{}, err
	}

	return info, target, nil
}

// Returns a mutation stacking a container's diff layer on its image and
// recording the commit in the history. configure, when set, runs last.
func appendLayer(id string, layer ocispec.Descriptor, diffID digest.Digest, created time.Time, configure func(*ocispec.ImageConfig)) func(*ocispec.Manifest, *ocispec.Image) {
	return func(manifest *ocispec.Manifest, config *ocispec.Image) {
		manifest.Layers = append(manifest.Layers, layer)
		config.RootFS.DiffIDs = append(config.RootFS.DiffIDs, diffID)
		config.Created = &created
		config.History = append(config.History, ocispec.History{
			Created:   &created,
			CreatedBy: "cruxpy commit " + id,
		})
		if configure != nil {
			configure(&config.Config)
		}
	}
}

// Creates or updates an image record pointing at target. A commit reusing a
// stage tag from an earlier build replaces the record.
func putImage(ctx context.Context, is images.Store, tag string, target ocispec.Descriptor) error {
	img := images.Image{Name: tag, Target: target}

	if _, err := is.Create(ctx, img); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return err
		}
		if _, err := is.Update(ctx, img, "target"); err != nil {
			return err
		}
	}
	return nil
}

// Computes the layer holding the container's changes and its diff ID.
func (c *Container) snapshotDiff(ctx context.Context, info containers.Container) (ocispec.Descriptor, digest.Digest, error) {
	layer, err := rootfs.CreateDiff(ctx,
		info.SnapshotKey,
		c.client.SnapshotService(info.Snapshotter),
		c.client.DiffService(),
	)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	diffID, err := images.GetDiffID(ctx, c.client.ContentStore(), layer)
	if err != nil {
		return ocispec.Descriptor{}, "", err
	}

	return layer, diffID, nil
}

// Writes target to an OCI tar archive at path.
//
// The descriptor is exported directly, not looked up by name, so ephemeral
// content can be exported without an image record. Only the container's
// platform is included.
func (c *Container) exportImage(ctx context.Context, target ocispec.Descriptor, imageName, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return err
	}

	return c.client.Export(ctx, f,
		archive.WithManifest(target, imageName),
		archive.WithPlatform(platforms.Only(p)),
	)
}

// Applies mutate to the manifest and config of the named image and returns
// the descriptor of the result.
//
// The new manifest, config, and (for an index root) single-entry index are
// written as blobs; the named image record itself is left untouched.
func (c *Container) buildExportTarget(ctx context.Context, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	is := c.client.ImageService()

	img, err := is.Get(ctx, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	target, index, manifestIdx, err := c.resolveManifestDescriptor(ctx, img.Target, imageName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	newManifestDesc, err := c.mutateManifest(ctx, target, imageName, mutate)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	return c.buildImageTarget(ctx, img.Target, index, manifestIdx, newManifestDesc, imageName)
}

// Resolves the image root descriptor to a platform-specific manifest.
//
// If the root is an OCI Image Index, the index is read and walked to find
// the manifest matching the container's platform. Returns the manifest
// descriptor, the index (nil when the root is already a manifest), and the
// position of the manifest within the index.
//
// Some registries (notably Docker Hub) serve index entries without explicit
// platform metadata. When a descriptor lacks a platform field, the manifest
// and its config are read to extract the platform from the image config, the
// same fallback that containerd's images.Manifest uses internally.
func (c *Container) resolveManifestDescriptor(ctx context.Context, root ocispec.Descriptor, imageName string) (ocispec.Descriptor, *ocispec.Index, int, error) {
	if !images.IsIndexType(root.MediaType) {
		return root, nil, 0, nil
	}

	idx, err := c.readIndex(ctx, root)
	if err != nil {
		return ocispec.Descriptor{}, nil, 0, err
	}

	p, err := platforms.Parse(c.platform)
	if err != nil {
		return ocispec.Descriptor{}, nil, 0, err
	}

	i, ok := c.matchManifest(ctx, idx, platforms.OnlyStrict(p))
	if ok {
		return idx.Manifests[i], &idx, i, nil
	}

	if len(idx.Manifests) == 0 {
		return ocispec.Descriptor{}, nil, 0, fmt.Errorf("%w: %s", ErrEmptyIndex, imageName)
	}
	return idx.Manifests[0], &idx, 0, nil
}

// Searches the index for a manifest matching the given platform.
//
// Descriptors with an explicit platform field are checked first. If none
// match, descriptors without a platform field are probed by reading the
// image config to discover the platform (the "ConfigPlatform" fallback).
// Returns the index position and true when a match is found.
func (c *Container) matchManifest(ctx context.Context, idx ocispec.Index, matcher platforms.MatchComparer) (int, bool) {
	for i, m := range idx.Manifests {
		if m.Platform != nil && matcher.Match(*m.Platform) {
			return i, true
		}
	}
	for i, m := range idx.Manifests {
		if m.Platform != nil || !images.IsManifestType(m.MediaType) {
			continue
		}
		if p, ok := c.configPlatform(ctx, m); ok && matcher.Match(p) {
			return i, true
		}
	}
	return 0, false
}

// Reads the image config referenced by a manifest descriptor and returns the
// platform declared in the config.
//
// Returns false when the config cannot be read.
func (c *Container) configPlatform(ctx context.Context, desc ocispec.Descriptor) (ocispec.Platform, bool) {
	manifest, err := c.readManifest(ctx, desc)
	if err != nil {
		return ocispec.Platform{}, false
	}
	config, err := c.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Platform{}, false
	}
	return ocispec.Platform{
		OS:           config.OS,
		Architecture: config.Architecture,
		Variant:      config.Variant,
	}, true
}

// Reads the manifest and config, applies the mutation, and writes the
// updated blobs back to the content store.
func (c *Container) mutateManifest(ctx context.Context, target ocispec.Descriptor, imageName string, mutate func(*ocispec.Manifest, *ocispec.Image)) (ocispec.Descriptor, error) {
	manifest, err := c.readManifest(ctx, target)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	config, err := c.readConfig(ctx, manifest.Config)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	mutate(&manifest, &config)

	newConfigDesc, err := c.writeBlob(ctx, manifest.Config.MediaType, config, imageName+"-config")
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifest.Config = newConfigDesc

	return c.writeBlob(ctx, target.MediaType, manifest, imageName+"-manifest", content.WithLabels(manifestGCLabels(manifest)))
}

// Produces the final image target descriptor after a manifest update.
//
// When the image was resolved through an index, a new single-entry index is
// written containing only the updated manifest. Entries for other platforms
// are dropped because their layer blobs are typically not present in the
// content store (only the target platform's layers are fetched).
func (c *Container) buildImageTarget(ctx context.Context, root ocispec.Descriptor, index *ocispec.Index, manifestIdx int, newManifest ocispec.Descriptor, imageName string) (ocispec.Descriptor, error) {
	if index == nil {
		return newManifest, nil
	}

	index.Manifests = []ocispec.Descriptor{newManifest}
	return c.writeBlob(ctx, root.MediaType, index, imageName+"-index", content.WithLabels(indexGCLabels(*index)))
}

