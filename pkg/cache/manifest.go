package cache

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ManifestVersion is the current manifest schema version.
const ManifestVersion = 1

// Manifest records a complete artifact set.
type Manifest struct {
	Version      int         `json:"version"`
	RunID        string      `json:"run_id"`
	CommitHash   string      `json:"commit_hash"`
	CodeHash     string      `json:"code_hash,omitempty"`
	PromotedFrom string      `json:"promoted_from,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	Files        []FileEntry `json:"files"`
}

// FileEntry is one file of a set.
type FileEntry struct {
	Name        string        `json:"name"`
	Size        int64         `json:"size"`
	PackageHash string        `json:"package_hash,omitempty"`
	Digest      digest.Digest `json:"digest,omitempty"`
}

// NewManifest creates a manifest with a fresh run ID. Files are sorted by
// name.
func NewManifest(commitHash, codeHash string, files []FileEntry, now time.Time) *Manifest {
	sorted := append([]FileEntry(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return &Manifest{
		Version:    ManifestVersion,
		RunID:      uuid.NewString(),
		CommitHash: commitHash,
		CodeHash:   codeHash,
		CreatedAt:  now.UTC(),
		Files:      sorted,
	}
}

// Marshal encodes the manifest.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	return data, nil
}

// ParseManifest decodes and validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest is usable.
func (m *Manifest) Validate() error {
	if m.Version < 1 || m.Version > ManifestVersion {
		return errors.Errorf("unsupported manifest version %d", m.Version)
	}
	if len(m.Files) == 0 {
		return errors.New("manifest lists no files")
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if f.Name == "" || f.Name != Basename(f.Name) {
			return errors.Errorf("invalid file name %q in manifest", f.Name)
		}
		if seen[f.Name] {
			return errors.Errorf("duplicate file %q in manifest", f.Name)
		}
		seen[f.Name] = true
		if f.Digest != "" {
			if err := f.Digest.Validate(); err != nil {
				return errors.Wrapf(err, "invalid digest for %s", f.Name)
			}
		}
	}
	return nil
}
