// Package workspace manages the package output directory shared by the check
// and upload stages: the produced package files and the sentinel files that
// carry state from one stage to the next.
package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Sentinel file names.
const (
	CommitHashFile = ".commit-hash"
	CodeHashFile   = ".code-hash"
	FoundFile      = ".found"
)

// Workspace is a package output directory.
type Workspace struct {
	dir string
}

// Open returns the workspace at dir. The directory must exist.
func Open(dir string) (*Workspace, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "package directory %s", dir)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("package directory %s is not a directory", dir)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the directory path.
func (w *Workspace) Dir() string {
	return w.dir
}

// Path joins name onto the directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// WriteCommitHash persists the build identity.
func (w *Workspace) WriteCommitHash(hash string) error {
	return w.write(CommitHashFile, hash)
}

// ReadCommitHash returns the persisted build identity. ok is false when the
// sentinel is absent.
func (w *Workspace) ReadCommitHash() (hash string, ok bool, err error) {
	return w.read(CommitHashFile)
}

// WriteCodeHash persists the content fingerprint.
func (w *Workspace) WriteCodeHash(hash string) error {
	return w.write(CodeHashFile, hash)
}

// ReadCodeHash returns the persisted content fingerprint, if any.
func (w *Workspace) ReadCodeHash() (hash string, ok bool, err error) {
	return w.read(CodeHashFile)
}

// MarkFound writes the skip marker.
func (w *Workspace) MarkFound() error {
	return w.write(FoundFile, "")
}

// Found reports whether the skip marker exists.
func (w *Workspace) Found() (bool, error) {
	_, err := os.Stat(w.Path(FoundFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %s", FoundFile)
}

// ClearStale removes the skip marker and fingerprint left by an earlier run
// in the same directory.
func (w *Workspace) ClearStale() error {
	for _, name := range []string{FoundFile, CodeHashFile} {
		if err := os.Remove(w.Path(name)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "failed to remove stale %s", name)
		}
	}
	return nil
}

// OutputFiles returns the absolute paths of the produced package files:
// non-hidden regular files directly in the directory, or symlinks to one,
// sorted by name.
func (w *Workspace) OutputFiles() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read package directory %s", w.dir)
	}

	var files []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		p := w.Path(e.Name())
		if e.Type()&fs.ModeSymlink != 0 {
			// follow links; dangling ones are not outputs
			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		files = append(files, p)
	}
	sort.Strings(files)
	return files, nil
}

func (w *Workspace) write(name, value string) error {
	if err := os.WriteFile(w.Path(name), []byte(value), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", name)
	}
	return nil
}

func (w *Workspace) read(name string) (string, bool, error) {
	data, err := os.ReadFile(w.Path(name))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read %s", name)
	}
	return strings.TrimSpace(string(data)), true, nil
}
