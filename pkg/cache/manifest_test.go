package cache

import (
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
)

func TestKeys(t *testing.T) {
	if got := ArtifactPrefix("abc123"); got != "artifacts/abc123/" {
		t.Errorf("ArtifactPrefix() = %q", got)
	}
	if got := CachePrefix("d41d8"); got != "cache/d41d8/" {
		t.Errorf("CachePrefix() = %q", got)
	}
	if got := ManifestKey(CachePrefix("d41d8")); got != "cache/d41d8/.manifest.json" {
		t.Errorf("ManifestKey() = %q", got)
	}
	if got := Basename("cache/d41d8/pkg-1.0.whl"); got != "pkg-1.0.whl" {
		t.Errorf("Basename() = %q", got)
	}
}

func TestNewManifest(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	files := []FileEntry{{Name: "b.whl", Size: 2}, {Name: "a.whl", Size: 1}}

	m1 := NewManifest("abc", "fp", files, now)
	m2 := NewManifest("abc", "fp", files, now)

	if m1.RunID == "" || m1.RunID == m2.RunID {
		t.Errorf("run IDs %q and %q should be unique", m1.RunID, m2.RunID)
	}
	if m1.Files[0].Name != "a.whl" {
		t.Errorf("files not sorted: %+v", m1.Files)
	}
	if files[0].Name != "b.whl" {
		t.Error("NewManifest reordered the caller's slice")
	}
	if m1.CreatedAt.Location() != time.UTC {
		t.Errorf("CreatedAt = %v, want UTC", m1.CreatedAt)
	}

	data, err := m1.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseManifest(data)
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	if parsed.RunID != m1.RunID || parsed.CodeHash != "fp" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestManifestValidate(t *testing.T) {
	good := digest.FromString("x")
	tests := []struct {
		name    string
		m       Manifest
		wantErr bool
	}{
		{"valid", Manifest{Version: 1, Files: []FileEntry{{Name: "a.whl", Digest: good}}}, false},
		{"future version", Manifest{Version: 2, Files: []FileEntry{{Name: "a.whl"}}}, true},
		{"no files", Manifest{Version: 1}, true},
		{"nested name", Manifest{Version: 1, Files: []FileEntry{{Name: "dir/a.whl"}}}, true},
		{"duplicate", Manifest{Version: 1, Files: []FileEntry{{Name: "a.whl"}, {Name: "a.whl"}}}, true},
		{"bad digest", Manifest{Version: 1, Files: []FileEntry{{Name: "a.whl", Digest: "sha256:zz"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
