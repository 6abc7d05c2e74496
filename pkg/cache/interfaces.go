// Package cache implements the two-level build artifact cache: commit-scoped
// artifact sets under artifacts/<commit>/, fingerprint-scoped sets under
// cache/<fingerprint>/, the check-stage state machine that decides whether a
// build is needed, and the upload-stage publisher.
package cache

import (
	"context"

	"github.com/pkgcache/pkgcache/pkg/objectstore"
)

// ObjectStore provides the object operations the cache is built on.
// *objectstore.Store implements it.
type ObjectStore interface {
	// List returns every object under prefix
	List(ctx context.Context, prefix string) ([]objectstore.Object, error)

	// Get reads a small object
	Get(ctx context.Context, key string) ([]byte, error)

	// PutBytes writes data under key
	PutBytes(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error

	// PutFile uploads a local file under key
	PutFile(ctx context.Context, key, path string, metadata map[string]string, checksumSHA256 string) error

	// Copy copies an object server side; nil metadata keeps the source's
	Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) error

	// URI formats key for log output
	URI(key string) string
}

var _ ObjectStore = (*objectstore.Store)(nil)

// Sentinels persists check-stage state for the upload stage.
type Sentinels interface {
	ClearStale() error
	WriteCommitHash(hash string) error
	WriteCodeHash(hash string) error
	MarkFound() error
}

// IdentitySource resolves the commit being built.
type IdentitySource interface {
	CommitHash() (string, error)
}

// Fingerprinter computes the content fingerprint over source patterns.
type Fingerprinter interface {
	Fingerprint(patterns []string) (fingerprint string, ok bool, err error)
}
