// Package runtime manages images and containers backed by containerd.
//
// A [Runtime] connects to a containerd daemon. Base images are fetched from
// their registry by [Pull] into a local archive cache, imported, tagged with
// a deterministic hash of the archive path, unpacked for the target platform,
// and used to create containers on fuse-overlayfs snapshots.
//
// Each [Container] wraps a running containerd task. Commands can be executed
// inside the container, files can be copied in and out as tar streams, and
// the filesystem changes can be committed to a new local image (from which
// later containers start) or exported as an OCI archive. [Finalize] then
// records the Docker healthcheck in the archive's image config, which the
// OCI config cannot express. Containers should be destroyed when no longer
// needed to release their snapshot and task resources.
//
// Example usage:
//
//	rt, err := runtime.New("/run/containerd/containerd.sock", "cruxpy")
//	if err != nil {
//	    return err
//	}
//	defer rt.Close()
//
//	archive, err := runtime.Pull(ctx, "python:3.11-slim", "linux/amd64", paths.Images())
//	if err != nil {
//	    return err
//	}
//
//	ctr, err := rt.StartContainer(ctx, archive, "build-1", "linux/amd64")
//	if err != nil {
//	    return err
//	}
//	defer ctr.Destroy(ctx)
//
//	result, err := ctr.Exec(ctx, runtime.ExecOptions{Shell: "/bin/sh", Command: "pip --version"})
//	if err != nil {
//	    return err
//	}
//
//	path, err := ctr.Export(ctx, "dist", "cruxpy/app:latest", nil)
//	if err != nil {
//	    return err
//	}
package runtime
