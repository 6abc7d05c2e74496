// Package gitrepo resolves the build identity of a source repository clone.
package gitrepo

import (
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"
)

// ErrBare is returned for repositories without a working tree.
var ErrBare = errors.New("repository is bare")

// Repository is an opened, non-bare git repository.
type Repository struct {
	path string
	repo *git.Repository
}

// Open opens the repository rooted at path. Parent directories are not
// searched.
func Open(path string) (*Repository, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "repository path %s", path)
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open git repository at %s", path)
	}

	cfg, err := repo.Config()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read git config at %s", path)
	}
	if cfg.Core.IsBare {
		return nil, errors.Wrapf(ErrBare, "%s", path)
	}

	return &Repository{path: path, repo: repo}, nil
}

// Path returns the directory the repository was opened from.
func (r *Repository) Path() string {
	return r.path
}

// CommitHash returns the full hex hash of the commit HEAD points at.
func (r *Repository) CommitHash() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve HEAD in %s", r.path)
	}
	return head.Hash().String(), nil
}
