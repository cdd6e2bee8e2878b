package build

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParentDirs(t *testing.T) {
	tests := []struct {
		name string
		want []string
	}{
		{"Cargo.toml", nil},
		{"src/lib.rs", []string{"src"}},
		{"a/b/c.rs", []string{"a", "a/b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parentDirs(tt.name)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestMemArchiveExtract(t *testing.T) {
	mtime := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	archive, err := memArchive([]memFile{
		{name: "Cargo.toml", data: []byte("[package]\n")},
		{name: "src/lib.rs", data: nil},
	}, mtime)
	if err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	if err := extractTar(bytes.NewReader(archive), root); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(root, "Cargo.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "[package]\n" {
		t.Errorf("Cargo.toml = %q", got)
	}

	info, err := os.Stat(filepath.Join(root, "src", "lib.rs"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Errorf("lib.rs size = %d, want 0", info.Size())
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("lib.rs mtime = %v, want %v", info.ModTime(), mtime)
	}
}

func TestWritePathToTarOverridesMtime(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nested"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "mod.rs"), []byte("mod x;"), 0644); err != nil {
		t.Fatal(err)
	}
	old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(src, "nested", "mod.rs"), old, old); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := writePathToTar(tw, src, "src", now); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	if err := extractTar(&buf, root); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(root, "src", "nested", "mod.rs"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(now) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), now)
	}
}

func TestExtractTarStaysInsideRoot(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	data := []byte("escaped")
	if err := tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "../../evil", Mode: 0644, Size: int64(len(data))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	if err := extractTar(&buf, root); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(parent, "evil")); !os.IsNotExist(err) {
		t.Fatalf("entry escaped the extraction root")
	}
	if _, err := os.Stat(filepath.Join(root, "evil")); err != nil {
		t.Fatalf("entry not clamped into root: %v", err)
	}
}
