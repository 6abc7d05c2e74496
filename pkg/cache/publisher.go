package cache

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/pkg/hasher"
)

// Object metadata keys.
const (
	MetaCommitHash  = "commit-hash"
	MetaPackageHash = "package-hash"
	MetaCodeHash    = "code-hash"
)

// PublishInput is one upload run.
type PublishInput struct {
	CommitHash string
	// CodeHash is empty when no fingerprint was computed; nothing is then
	// written under cache/.
	CodeHash string
	Files    []string
}

// PublishResult summarizes an upload run.
type PublishResult struct {
	Uploaded       int
	CommitManifest *Manifest
	CacheManifest  *Manifest
}

// Publisher uploads produced package files.
type Publisher struct {
	store       ObjectStore
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewPublisher creates a publisher. A concurrency below 1 means sequential.
func NewPublisher(store ObjectStore, concurrency int, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{store: store, concurrency: concurrency, logger: logger, now: time.Now}
}

// Publish uploads every file to artifacts/<commit>/ and, with a code hash,
// mirrors it to cache/<code hash>/. Manifests are written only after every
// file is stored.
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (*PublishResult, error) {
	if in.CommitHash == "" {
		return nil, errors.New("commit hash is required")
	}
	if len(in.Files) == 0 {
		return nil, errors.New("no files to publish")
	}

	entries := make([]FileEntry, len(in.Files))
	err := forEach(ctx, len(in.Files), p.concurrency, func(ctx context.Context, idx int) error {
		entry, err := p.publishFile(ctx, in, idx)
		if err != nil {
			return err
		}
		entries[idx] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &PublishResult{Uploaded: len(in.Files)}

	result.CommitManifest = NewManifest(in.CommitHash, in.CodeHash, entries, p.now())
	if err := writeManifest(ctx, p.store, ArtifactPrefix(in.CommitHash), result.CommitManifest); err != nil {
		return nil, err
	}

	if in.CodeHash != "" {
		result.CacheManifest = NewManifest(in.CommitHash, in.CodeHash, entries, p.now())
		if err := writeManifest(ctx, p.store, CachePrefix(in.CodeHash), result.CacheManifest); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (p *Publisher) publishFile(ctx context.Context, in PublishInput, idx int) (FileEntry, error) {
	path := in.Files[idx]
	name := filepath.Base(path)

	sum, err := hasher.HashFile(path)
	if err != nil {
		return FileEntry{}, err
	}
	p.logger.Info("Package hash", "file", name, "package_hash", sum.Base64, logging.FileIndexKey, idx)

	metadata := map[string]string{
		MetaCommitHash:  in.CommitHash,
		MetaPackageHash: sum.Base64,
	}
	if in.CodeHash != "" {
		metadata[MetaCodeHash] = in.CodeHash
	}

	artifactKey := ArtifactPrefix(in.CommitHash) + name
	p.logger.Info("Uploading", "to", p.store.URI(artifactKey), logging.FileIndexKey, idx)
	if err := p.store.PutFile(ctx, artifactKey, path, metadata, sum.Base64); err != nil {
		return FileEntry{}, errors.Wrapf(err, "failed to upload %s", name)
	}

	if in.CodeHash != "" {
		cacheKey := CachePrefix(in.CodeHash) + name
		p.logger.Info("Copying", "to", p.store.URI(cacheKey), logging.FileIndexKey, idx)
		cacheMeta := map[string]string{
			MetaCodeHash:    in.CodeHash,
			MetaCommitHash:  in.CommitHash,
			MetaPackageHash: sum.Base64,
		}
		if err := p.store.Copy(ctx, artifactKey, cacheKey, cacheMeta); err != nil {
			return FileEntry{}, errors.Wrapf(err, "failed to copy %s to the cache", name)
		}
	}

	return FileEntry{
		Name:        name,
		Size:        sum.Size,
		PackageHash: sum.Base64,
		Digest:      sum.Digest,
	}, nil
}
