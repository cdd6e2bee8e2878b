package runtime

import (
	"strings"
	"testing"
)

func TestImageTag(t *testing.T) {
	tag := imageTag("/toolchains/rust.tar")

	if !strings.HasPrefix(tag, "import/") {
		t.Fatalf("tag %q missing import/ prefix", tag)
	}
	if !strings.HasSuffix(tag, ":latest") {
		t.Fatalf("tag %q missing :latest suffix", tag)
	}
	if imageTag("/toolchains/rust.tar") != tag {
		t.Fatal("imageTag is not deterministic")
	}
	if imageTag("/bases/debian-slim.tar") == tag {
		t.Fatal("different paths produced the same tag")
	}
}

func TestDefaultPlatform(t *testing.T) {
	p := DefaultPlatform()
	os, arch, ok := strings.Cut(p, "/")
	if !ok || os != "linux" || arch == "" || strings.Contains(arch, "/") {
		t.Fatalf("DefaultPlatform() = %q, want linux/<arch>", p)
	}
}

func TestContainerID(t *testing.T) {
	c := &Container{id: "vision_core-deps-1a2b3c4d", platform: "linux/amd64"}
	if c.ID() != "vision_core-deps-1a2b3c4d" {
		t.Fatalf("ID() = %q", c.ID())
	}
}
