package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var ErrRevision = errors.New("failed to read revision")

// Source revision of a working tree.
type Rev struct {
	Hash  string // Full commit hash of HEAD. Empty outside a repository.
	Dirty bool   // Whether the working tree has uncommitted changes.
}

// Returns the hash, suffixed with "-dirty" for modified trees.
func (r Rev) String() string {
	if r.Hash == "" || !r.Dirty {
		return r.Hash
	}
	return r.Hash + "-dirty"
}

// Returns the revision of the repository containing dir.
//
// Parent directories are searched for the repository root. A directory
// outside any repository, or a repository without commits, yields a zero
// Rev and no error.
func Revision(dir string) (Rev, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Rev{}, nil
	}
	if err != nil {
		return Rev{}, fmt.Errorf("%w: %w", ErrRevision, err)
	}

	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Rev{}, nil
	}
	if err != nil {
		return Rev{}, fmt.Errorf("%w: %w", ErrRevision, err)
	}

	rev := Rev{Hash: head.Hash().String()}

	wt, err := repo.Worktree()
	if errors.Is(err, git.ErrIsBareRepository) {
		return rev, nil
	}
	if err != nil {
		return Rev{}, fmt.Errorf("%w: %w", ErrRevision, err)
	}

	status, err := wt.Status()
	if err != nil {
		return Rev{}, fmt.Errorf("%w: %w", ErrRevision, err)
	}
	rev.Dirty = !status.IsClean()

	return rev, nil
}
