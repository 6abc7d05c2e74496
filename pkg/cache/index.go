package cache

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/pkg/objectstore"
)

// QueryResult is the full listing of a prefix.
type QueryResult struct {
	Count   int
	Objects []objectstore.Object
}

// Hit describes the outcome of a prefix lookup.
type Hit struct {
	Prefix string
	Found  bool
	// Files are the objects of the set, without the manifest.
	Files []objectstore.Object
	// Manifest is nil in legacy mode.
	Manifest *Manifest
	// Reason explains a miss on a non-empty prefix.
	Reason string
}

// Index answers whether a prefix holds a complete artifact set.
type Index struct {
	store  ObjectStore
	legacy bool
	logger *slog.Logger
}

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithLegacyPrefixHit treats any object under a prefix as a hit, ignoring
// manifests.
func WithLegacyPrefixHit(legacy bool) IndexOption {
	return func(i *Index) { i.legacy = legacy }
}

// WithIndexLogger sets the logger.
func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) { i.logger = logger }
}

// NewIndex creates an index over store.
func NewIndex(store ObjectStore, opts ...IndexOption) *Index {
	i := &Index{store: store, logger: logging.Discard()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// List returns every object under prefix across all listing pages.
func (i *Index) List(ctx context.Context, prefix string) (QueryResult, error) {
	objects, err := i.store.List(ctx, prefix)
	if err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Count: len(objects), Objects: objects}, nil
}

// Lookup decides whether prefix holds a complete set.
func (i *Index) Lookup(ctx context.Context, prefix string) (Hit, error) {
	result, err := i.List(ctx, prefix)
	if err != nil {
		return Hit{}, err
	}

	hit := Hit{Prefix: prefix}
	var manifestObj *objectstore.Object
	byName := make(map[string]objectstore.Object, result.Count)
	for idx, o := range result.Objects {
		name := o.Key[len(prefix):]
		if name == ManifestName {
			manifestObj = &result.Objects[idx]
			continue
		}
		byName[name] = o
	}

	if i.legacy {
		hit.Found = result.Count > 0
		for _, o := range result.Objects {
			if manifestObj == nil || o.Key != manifestObj.Key {
				hit.Files = append(hit.Files, o)
			}
		}
		return hit, nil
	}

	if manifestObj == nil {
		if result.Count > 0 {
			hit.Reason = "objects present but no manifest; the set is incomplete"
		}
		return hit, nil
	}

	data, err := i.store.Get(ctx, manifestObj.Key)
	if err != nil {
		return Hit{}, errors.Wrapf(err, "failed to read manifest %s", i.store.URI(manifestObj.Key))
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		i.logger.Warn("Ignoring unreadable manifest", "key", manifestObj.Key, "error", err)
		hit.Reason = "manifest is unreadable"
		return hit, nil
	}

	for _, f := range manifest.Files {
		o, ok := byName[f.Name]
		if !ok {
			hit.Reason = "manifest lists missing file " + f.Name
			return hit, nil
		}
		if o.Size != f.Size {
			hit.Reason = "size mismatch for " + f.Name
			return hit, nil
		}
		hit.Files = append(hit.Files, o)
	}

	hit.Found = true
	hit.Manifest = manifest
	return hit, nil
}
