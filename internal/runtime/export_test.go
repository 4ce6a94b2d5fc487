package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/core/images"
	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// In-memory image records. Only the methods putImage uses are implemented.
type fakeImageStore struct {
	images.Store
	records map[string]images.Image
	updates int
}

func newFakeImageStore() *fakeImageStore {
	return &fakeImageStore{records: make(map[string]images.Image)}
}

func (f *fakeImageStore) Create(_ context.Context, img images.Image) (images.Image, error) {
	if _, ok := f.records[img.Name]; ok {
		return images.Image{}, errdefs.ErrAlreadyExists
	}
	f.records[img.Name] = img
	return img, nil
}

func (f *fakeImageStore) Update(_ context.Context, img images.Image, fieldpaths ...string) (images.Image, error) {
	if _, ok := f.records[img.Name]; !ok {
		return images.Image{}, errdefs.ErrNotFound
	}
	f.updates++
	f.records[img.Name] = img
	return img, nil
}

func TestPutImage(t *testing.T) {
	ctx := context.Background()
	store := newFakeImageStore()
	tag := "cruxpy/shop/base-linux-amd64:build1"

	first := ocispec.Descriptor{Digest: digest.FromString("base-1")}
	if err := putImage(ctx, store, tag, first); err != nil {
		t.Fatalf("putImage() create error = %v", err)
	}
	if store.records[tag].Target.Digest != first.Digest {
		t.Fatalf("record target = %s, want %s", store.records[tag].Target.Digest, first.Digest)
	}

	// Rebuilding a stage under the same tag moves the record.
	second := ocispec.Descriptor{Digest: digest.FromString("base-2")}
	if err := putImage(ctx, store, tag, second); err != nil {
		t.Fatalf("putImage() update error = %v", err)
	}
	if store.records[tag].Target.Digest != second.Digest {
		t.Fatalf("record target = %s, want %s", store.records[tag].Target.Digest, second.Digest)
	}
	if store.updates != 1 {
		t.Fatalf("updates = %d, want 1", store.updates)
	}
}

type failingImageStore struct {
	images.Store
}

func (failingImageStore) Create(context.Context, images.Image) (images.Image, error) {
	return images.Image{}, errdefs.ErrUnavailable
}

func TestPutImageCreateError(t *testing.T) {
	err := putImage(context.Background(), failingImageStore{}, "cruxpy/x:y", ocispec.Descriptor{})
	if !errors.Is(err, errdefs.ErrUnavailable) {
		t.Fatalf("putImage() error = %v, want ErrUnavailable", err)
	}
}

func TestAppendLayer(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := ocispec.Descriptor{Digest: digest.FromString("python-slim")}
	layer := ocispec.Descriptor{Digest: digest.FromString("deps-layer")}
	diffID := digest.FromString("deps-diff")

	manifest := ocispec.Manifest{Layers: []ocispec.Descriptor{base}}
	config := ocispec.Image{
		RootFS: ocispec.RootFS{Type: "layers", DiffIDs: []digest.Digest{digest.FromString("python-diff")}},
		Config: ocispec.ImageConfig{WorkingDir: "/app"},
	}

	configured := false
	appendLayer("shop-linux-amd64-stage-deps", layer, diffID, created, func(c *ocispec.ImageConfig) {
		configured = true
		c.User = "1001:1001"
	})(&manifest, &config)

	if diff := cmp.Diff([]ocispec.Descriptor{base, layer}, manifest.Layers); diff != "" {
		t.Errorf("layers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]digest.Digest{digest.FromString("python-diff"), diffID}, config.RootFS.DiffIDs); diff != "" {
		t.Errorf("diff IDs mismatch (-want +got):\n%s", diff)
	}
	if config.Created == nil || !config.Created.Equal(created) {
		t.Errorf("Created = %v, want %v", config.Created, created)
	}
	if len(config.History) != 1 || config.History[0].CreatedBy != "cruxpy commit shop-linux-amd64-stage-deps" {
		t.Errorf("History = %+v", config.History)
	}
	if !configured || config.Config.User != "1001:1001" || config.Config.WorkingDir != "/app" {
		t.Errorf("Config = %+v, configure ran = %v", config.Config, configured)
	}
}

func TestAppendLayerWithoutConfigure(t *testing.T) {
	var manifest ocispec.Manifest
	var config ocispec.Image
	appendLayer("id", ocispec.Descriptor{}, "", time.Now(), nil)(&manifest, &config)
	if len(manifest.Layers) != 1 || len(config.History) != 1 {
		t.Fatalf("layers = %d, history = %d, want 1 and 1", len(manifest.Layers), len(config.History))
	}
}

func TestGCLabels(t *testing.T) {
	manifest := ocispec.Manifest{
		Config: ocispec.Descriptor{Digest: digest.FromString("config")},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("base")},
			{Digest: digest.FromString("deps")},
		},
	}
	index := ocispec.Index{
		Manifests: []ocispec.Descriptor{{Digest: digest.FromString("manifest")}},
	}

	tests := []struct {
		name string
		got  map[string]string
		want map[string]string
	}{
		{
			name: "manifest",
			got:  manifestGCLabels(manifest),
			want: map[string]string{
				"containerd.io/gc.ref.content.config": digest.FromString("config").String(),
				"containerd.io/gc.ref.content.l.0":    digest.FromString("base").String(),
				"containerd.io/gc.ref.content.l.1":    digest.FromString("deps").String(),
			},
		},
		{
			name: "manifest without layers",
			got:  manifestGCLabels(ocispec.Manifest{Config: manifest.Config}),
			want: map[string]string{
				"containerd.io/gc.ref.content.config": digest.FromString("config").String(),
			},
		},
		{
			name: "index",
			got:  indexGCLabels(index),
			want: map[string]string{
				"containerd.io/gc.ref.content.m.0": digest.FromString("manifest").String(),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("labels mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
