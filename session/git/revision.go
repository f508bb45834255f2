// Package git stamps batch results with the state of the repository the
// tasks ran against.
package git

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	ErrNotRepository = errors.New("not a git repository")
	ErrNoCommits     = errors.New("repository has no commits")
)

// Revision identifies the checked-out state of a repository.
type Revision struct {
	Root   string `json:"root"`
	Hash   string `json:"hash"`
	Branch string `json:"branch,omitempty"`
	Dirty  bool   `json:"dirty"`
}

// String renders the short hash, suffixed with -dirty for modified trees.
func (r *Revision) String() string {
	if r == nil {
		return ""
	}
	s := r.Hash
	if len(s) > 12 {
		s = s[:12]
	}
	if r.Dirty {
		s += "-dirty"
	}
	return s
}

func open(path string) (*git.Repository, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	return repo, nil
}

// IsGitRepo checks if the given path is within a git repository
func IsGitRepo(path string) bool {
	_, err := open(path)
	return err == nil
}

// FindGitRepoRoot returns the top-level directory of the repository that
// contains path.
func FindGitRepoRoot(path string) (string, error) {
	repo, err := open(path)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	return wt.Filesystem.Root(), nil
}

// HeadRevision reads HEAD of the repository containing path. The tree is
// reported dirty when any tracked or untracked file differs from HEAD.
func HeadRevision(path string) (*Revision, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoCommits
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}

	rev := &Revision{Hash: head.Hash().String()}
	if head.Name().IsBranch() {
		rev.Branch = head.Name().Short()
	}

	wt, err := repo.Worktree()
	if err != nil {
		// bare repositories have no working tree to be dirty
		return rev, nil
	}
	rev.Root = wt.Filesystem.Root()
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree status: %w", err)
	}
	rev.Dirty = !status.IsClean()
	return rev, nil
}
