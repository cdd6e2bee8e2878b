package runtime

import (
	"fmt"
	"testing"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestManifestGCLabels(t *testing.T) {
	m := ocispec.Manifest{
		Config: ocispec.Descriptor{Digest: digest.FromString("config")},
		Layers: []ocispec.Descriptor{
			{Digest: digest.FromString("debian-slim")},
			{Digest: digest.FromString("artifacts")},
		},
	}

	labels := manifestGCLabels(m)

	if got := labels["containerd.io/gc.ref.content.config"]; got != m.Config.Digest.String() {
		t.Fatalf("config label = %q, want %q", got, m.Config.Digest.String())
	}
	for i, layer := range m.Layers {
		key := fmt.Sprintf("containerd.io/gc.ref.content.l.%d", i)
		if got := labels[key]; got != layer.Digest.String() {
			t.Fatalf("labels[%q] = %q, want %q", key, got, layer.Digest.String())
		}
	}
	if len(labels) != 3 {
		t.Fatalf("len(labels) = %d, want 3", len(labels))
	}
}

func TestIndexGCLabels(t *testing.T) {
	idx := ocispec.Index{
		Manifests: []ocispec.Descriptor{{Digest: digest.FromString("amd64")}},
	}

	labels := indexGCLabels(idx)
	if len(labels) != 1 {
		t.Fatalf("len(labels) = %d, want 1", len(labels))
	}
	if labels["containerd.io/gc.ref.content.m.0"] != idx.Manifests[0].Digest.String() {
		t.Fatal("manifest label mismatch")
	}
}
