package cache

import (
	"context"
	"testing"
)

func TestLookup(t *testing.T) {
	prefix := ArtifactPrefix("abc123")

	tests := []struct {
		name      string
		setup     func(t *testing.T, f *fixture)
		legacy    bool
		wantFound bool
		wantFiles int
		wantWhy   bool
	}{
		{
			name:  "empty prefix",
			setup: func(t *testing.T, f *fixture) {},
		},
		{
			name: "complete set",
			setup: func(t *testing.T, f *fixture) {
				f.seedSet(t, prefix, map[string]string{"a.whl": "a", "b.whl": "bb"}, nil, true)
			},
			wantFound: true,
			wantFiles: 2,
		},
		{
			name: "no manifest",
			setup: func(t *testing.T, f *fixture) {
				f.seedSet(t, prefix, map[string]string{"a.whl": "a"}, nil, false)
			},
			wantWhy: true,
		},
		{
			name: "manifest names a missing file",
			setup: func(t *testing.T, f *fixture) {
				f.seedSet(t, prefix, map[string]string{"a.whl": "a", "b.whl": "bb"}, nil, true)
				f.client.Delete(testBucket, prefix+"b.whl")
			},
			wantWhy: true,
		},
		{
			name: "size mismatch",
			setup: func(t *testing.T, f *fixture) {
				f.seedSet(t, prefix, map[string]string{"a.whl": "a"}, nil, true)
				f.client.Put(testBucket, prefix+"a.whl", []byte("truncated?"), nil)
			},
			wantWhy: true,
		},
		{
			name: "unreadable manifest",
			setup: func(t *testing.T, f *fixture) {
				f.client.Put(testBucket, prefix+"a.whl", []byte("a"), nil)
				f.client.Put(testBucket, ManifestKey(prefix), []byte("{"), nil)
			},
			wantWhy: true,
		},
		{
			name: "legacy without manifest",
			setup: func(t *testing.T, f *fixture) {
				f.seedSet(t, prefix, map[string]string{"a.whl": "a"}, nil, false)
			},
			legacy:    true,
			wantFound: true,
			wantFiles: 1,
		},
		{
			name: "legacy excludes the manifest from files",
			setup: func(t *testing.T, f *fixture) {
				f.seedSet(t, prefix, map[string]string{"a.whl": "a"}, nil, true)
			},
			legacy:    true,
			wantFound: true,
			wantFiles: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.client.SetPageSize(1)
			tt.setup(t, f)

			hit, err := NewIndex(f.store, WithLegacyPrefixHit(tt.legacy)).Lookup(context.Background(), prefix)
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if hit.Found != tt.wantFound {
				t.Errorf("Found = %v, want %v (reason %q)", hit.Found, tt.wantFound, hit.Reason)
			}
			if len(hit.Files) != tt.wantFiles && tt.wantFound {
				t.Errorf("len(Files) = %d, want %d", len(hit.Files), tt.wantFiles)
			}
			if (hit.Reason != "") != tt.wantWhy {
				t.Errorf("Reason = %q, want reason %v", hit.Reason, tt.wantWhy)
			}
		})
	}
}

func TestListAcrossPages(t *testing.T) {
	f := newFixture(t)
	f.client.SetPageSize(2)
	files := map[string]string{}
	for _, n := range []string{"1", "2", "3", "4", "5"} {
		files["pkg-"+n+".whl"] = n
	}
	f.seedSet(t, CachePrefix("fp"), files, nil, true)

	result, err := NewIndex(f.store).List(context.Background(), CachePrefix("fp"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Count != 6 || len(result.Objects) != 6 {
		t.Errorf("Count = %d, want 6", result.Count)
	}
}
