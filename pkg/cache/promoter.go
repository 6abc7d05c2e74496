package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/pkgcache/pkgcache/internal/logging"
)

// Promoter copies a cached artifact set into the commit-scoped location.
type Promoter struct {
	store       ObjectStore
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewPromoter creates a promoter. A concurrency below 1 means sequential.
func NewPromoter(store ObjectStore, concurrency int, logger *slog.Logger) *Promoter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Promoter{store: store, concurrency: concurrency, logger: logger, now: time.Now}
}

// Promote copies every file of hit to artifacts/<commit>/<basename>,
// preserving object metadata, then writes the commit manifest. It returns the
// number of files copied.
func (p *Promoter) Promote(ctx context.Context, hit Hit, commitHash, codeHash string) (int, error) {
	if !hit.Found || len(hit.Files) == 0 {
		return 0, errors.Errorf("nothing to promote from %s", hit.Prefix)
	}
	target := ArtifactPrefix(commitHash)

	err := forEach(ctx, len(hit.Files), p.concurrency, func(ctx context.Context, idx int) error {
		src := hit.Files[idx].Key
		dst := target + Basename(src)
		p.logger.Info("Copying cached artifact", "from", p.store.URI(src), "to", p.store.URI(dst), logging.FileIndexKey, idx)
		return p.store.Copy(ctx, src, dst, nil)
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to promote cached artifacts")
	}

	var files []FileEntry
	if hit.Manifest != nil {
		files = hit.Manifest.Files
	} else {
		for _, o := range hit.Files {
			files = append(files, FileEntry{Name: Basename(o.Key), Size: o.Size})
		}
	}
	manifest := NewManifest(commitHash, codeHash, files, p.now())
	manifest.PromotedFrom = hit.Prefix

	if err := writeManifest(ctx, p.store, target, manifest); err != nil {
		return 0, err
	}
	return len(hit.Files), nil
}

func writeManifest(ctx context.Context, store ObjectStore, prefix string, m *Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	key := ManifestKey(prefix)
	if err := store.PutBytes(ctx, key, data, "application/json", nil); err != nil {
		return errors.Wrapf(err, "failed to write manifest %s", store.URI(key))
	}
	return nil
}
