package paths

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCacheLayout(t *testing.T) {
	root := Cache()
	if filepath.Base(root) != programName {
		t.Fatalf("Cache() = %q, want %s suffix", root, programName)
	}
	if got := Layers(root); got != filepath.Join(root, "layers") {
		t.Fatalf("Layers() = %q", got)
	}
	if got := Index(root); !strings.HasSuffix(got, "index.db") {
		t.Fatalf("Index() = %q, want index.db suffix", got)
	}
}

func TestScratch(t *testing.T) {
	if !strings.Contains(Scratch(), programName) {
		t.Fatalf("Scratch() = %q, want it to contain %q", Scratch(), programName)
	}
}
