package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/platforms"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Fetches a registry image for one platform into an archive under dir and
// returns the archive path.
//
// Archives are keyed by reference and platform. An archive already present in
// dir is reused without contacting the registry. Credentials come from the
// default keychain (docker config, credential helpers).
func Pull(ctx context.Context, ref, platform, dir string) (string, error) {
	if platform == "" {
		platform = defaultPlatform()
	}

	path := filepath.Join(dir, archiveName(ref, platform))
	if _, err := os.Stat(path); err == nil {
		slog.Debug("using cached image", "ref", ref, "path", path)
		return path, nil
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", pullError(ref, err)
	}

	p, err := platforms.Parse(platform)
	if err != nil {
		return "", pullError(ref, err)
	}

	slog.Info("pulling image", "ref", ref, "platform", platform)

	img, err := remote.Image(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
		remote.WithPlatform(v1.Platform{
			OS:           p.OS,
			Architecture: p.Architecture,
			Variant:      p.Variant,
		}),
	)
	if err != nil {
		return "", pullError(ref, err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", pullError(ref, err)
	}

	if err := writeArchive(path, parsed, img); err != nil {
		return "", pullError(ref, err)
	}

	slog.Debug("image pulled", "ref", ref, "path", path)
	return path, nil
}

// Writes img as a tarball at path via a temporary file in the same directory,
// so a reader never sees a partial archive.
func writeArchive(path string, ref name.Reference, img v1.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".pull-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if err := tarball.WriteToFile(tmpPath, ref, img); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Names the cached archive for a reference and platform.
func archiveName(ref, platform string) string {
	h := sha256.Sum256([]byte(ref + "\x00" + platform))
	return hex.EncodeToString(h[:]) + ".tar"
}

func pullError(ref string, err error) error {
	return wrapf("%w: %s: %w", ErrPull, ref, err)
}
