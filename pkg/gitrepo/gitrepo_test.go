package gitrepo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/pkg/errors"
)

// initRepo creates a repository with a single commit and returns its path
// and the commit hash.
func initRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("git init: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("test\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("README"); err != nil {
		t.Fatalf("git add: %v", err)
	}
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@test.local", When: time.Unix(1700000000, 0)},
	})
	if err != nil {
		t.Fatalf("git commit: %v", err)
	}
	return dir, hash.String()
}

func TestCommitHash(t *testing.T) {
	dir, want := initRepo(t)

	repo, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	got, err := repo.CommitHash()
	if err != nil {
		t.Fatalf("CommitHash() error: %v", err)
	}
	if got != want {
		t.Errorf("CommitHash() = %s, want %s", got, want)
	}
	if len(got) != 40 {
		t.Errorf("CommitHash() should be a full 40 character hash, got %q", got)
	}
	if repo.Path() != dir {
		t.Errorf("Path() = %s, want %s", repo.Path(), dir)
	}
}

func TestOpen_Bare(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, true); err != nil {
		t.Fatalf("git init --bare: %v", err)
	}

	_, err := Open(dir)
	if !errors.Is(err, ErrBare) {
		t.Errorf("Open() error = %v, want ErrBare", err)
	}
}

func TestOpen_Invalid(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Open() should fail for a missing path")
	}
	if _, err := Open(t.TempDir()); err == nil {
		t.Error("Open() should fail for a directory that is not a repository")
	}
}

func TestCommitHash_NoCommits(t *testing.T) {
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("git init: %v", err)
	}
	repo, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := repo.CommitHash(); err == nil {
		t.Error("CommitHash() should fail without commits")
	}
}
