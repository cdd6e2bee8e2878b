package vcs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func commitFile(t *testing.T, repo *git.Repository, dir, name string) string {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add: %v", err)
	}
	h, err := wt.Commit(name, &git.CommitOptions{Author: &object.Signature{Name: "tester", Email: "t@example.com", When: time.Now()}})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return h.String()
}

func TestRevisionOutsideRepository(t *testing.T) {
	rev, err := Revision(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if rev.Hash != "" {
		t.Errorf("hash = %q, want empty", rev.Hash)
	}
}

func TestRevisionWithoutCommits(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("init: %v", err)
	}

	rev, err := Revision(dir)
	if err != nil {
		t.Fatal(err)
	}
	if rev.Hash != "" {
		t.Errorf("hash = %q, want empty", rev.Hash)
	}
}

func TestRevisionFromSubdirectory(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	hash := commitFile(t, repo, dir, "Cargo.toml")

	sub := filepath.Join(dir, "src")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	rev, err := Revision(sub)
	if err != nil {
		t.Fatal(err)
	}
	if rev.Hash != hash {
		t.Errorf("hash = %q, want %q", rev.Hash, hash)
	}
	if rev.Dirty {
		t.Error("clean tree reported dirty")
	}
	if rev.String() != hash {
		t.Errorf("String() = %q", rev.String())
	}
}

func TestRevisionDirty(t *testing.T) {
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	hash := commitFile(t, repo, dir, "Cargo.toml")

	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte("changed"), 0o600); err != nil {
		t.Fatal(err)
	}

	rev, err := Revision(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !rev.Dirty {
		t.Error("modified tree reported clean")
	}
	if rev.String() != hash+"-dirty" {
		t.Errorf("String() = %q", rev.String())
	}
}
