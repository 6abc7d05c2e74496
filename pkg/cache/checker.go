package cache

import (
	"context"
	"log/slog"

	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/internal/logging"
)

// State is a step of the check stage.
type State string

const (
	StateStart                State = "START"
	StateCheckArtifact        State = "CHECK_ARTIFACT"
	StateCheckCacheConfigured State = "CHECK_CACHE_CONFIGURED"
	StateCheckCache           State = "CHECK_CACHE"
	StatePromote              State = "PROMOTE"

	// Terminal states.
	StateSkip          State = "SKIP"
	StateBuildRequired State = "BUILD_REQUIRED"
)

// Source says where a skipped build's artifacts came from.
type Source string

const (
	SourceArtifact Source = "artifact"
	SourceCache    Source = "cache"
)

// CheckResult is the outcome of a check run.
type CheckResult struct {
	State      State
	Source     Source
	CommitHash string
	CodeHash   string
	// Artifacts is the number of files in the matched set.
	Artifacts int
}

// CheckerConfig wires a Checker.
type CheckerConfig struct {
	Index         *Index
	Promoter      *Promoter
	Sentinels     Sentinels
	Identity      IdentitySource
	Fingerprinter Fingerprinter
	// Patterns are the fingerprint globs; none disables the cache lookup.
	Patterns []string
	Logger   *slog.Logger
}

// Checker runs the check stage.
type Checker struct {
	CheckerConfig
}

// NewChecker creates a checker.
func NewChecker(cfg CheckerConfig) *Checker {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Checker{CheckerConfig: cfg}
}

func (c *Checker) enter(ctx context.Context, s State) {
	c.Logger.DebugContext(ctx, "Entering state", "state", string(s))
}

// Run decides whether a build is required. On a hit the skip marker is
// written and the result state is StateSkip.
func (c *Checker) Run(ctx context.Context) (CheckResult, error) {
	var result CheckResult

	c.enter(ctx, StateStart)
	if err := c.Sentinels.ClearStale(); err != nil {
		return result, err
	}
	commit, err := c.Identity.CommitHash()
	if err != nil {
		return result, failure.New(failure.KindRepository, failure.ExitCheckRepository, "Unable to resolve the commit hash", err)
	}
	result.CommitHash = commit
	c.Logger.InfoContext(ctx, "Commit hash", "commit", commit)
	if err := c.Sentinels.WriteCommitHash(commit); err != nil {
		return result, err
	}

	c.enter(ctx, StateCheckArtifact)
	prefix := ArtifactPrefix(commit)
	c.Logger.InfoContext(ctx, "Checking for artifacts", "location", c.Index.store.URI(prefix))
	hit, err := c.Index.Lookup(ctx, prefix)
	if err != nil {
		return result, err
	}
	if hit.Found {
		if err := c.Sentinels.MarkFound(); err != nil {
			return result, err
		}
		result.State, result.Source, result.Artifacts = StateSkip, SourceArtifact, len(hit.Files)
		logging.Success(ctx, c.Logger, "Artifacts found; no build necessary", "count", len(hit.Files))
		return result, nil
	}
	if hit.Reason != "" {
		c.Logger.WarnContext(ctx, "Ignoring incomplete artifact set", "location", c.Index.store.URI(prefix), "reason", hit.Reason)
	}

	c.enter(ctx, StateCheckCacheConfigured)
	if len(c.Patterns) == 0 {
		c.Logger.InfoContext(ctx, "No packages found and no cache find filter set; new packages will need to be built")
		result.State = StateBuildRequired
		return result, nil
	}
	c.Logger.InfoContext(ctx, "Artifact prefix not found; checking the cache")

	c.enter(ctx, StateCheckCache)
	codeHash, ok, err := c.Fingerprinter.Fingerprint(c.Patterns)
	if err != nil {
		return result, err
	}
	if !ok {
		result.State = StateBuildRequired
		return result, nil
	}
	result.CodeHash = codeHash
	c.Logger.InfoContext(ctx, "Code hash", "code_hash", codeHash)
	if err := c.Sentinels.WriteCodeHash(codeHash); err != nil {
		return result, err
	}

	cachePrefix := CachePrefix(codeHash)
	c.Logger.InfoContext(ctx, "Checking for cached packages", "location", c.Index.store.URI(cachePrefix))
	hit, err = c.Index.Lookup(ctx, cachePrefix)
	if err != nil {
		return result, err
	}
	if !hit.Found {
		if hit.Reason != "" {
			c.Logger.WarnContext(ctx, "Ignoring incomplete cache entry", "location", c.Index.store.URI(cachePrefix), "reason", hit.Reason)
		}
		c.Logger.InfoContext(ctx, "No package found; a new one will need to be built")
		result.State = StateBuildRequired
		return result, nil
	}
	logging.Success(ctx, c.Logger, "Cached artifacts found", "count", len(hit.Files))

	c.enter(ctx, StatePromote)
	copied, err := c.Promoter.Promote(ctx, hit, commit, codeHash)
	if err != nil {
		return result, err
	}
	if err := c.Sentinels.MarkFound(); err != nil {
		return result, err
	}
	result.State, result.Source, result.Artifacts = StateSkip, SourceCache, copied
	logging.Success(ctx, c.Logger, "Artifacts copied from the cache; no build necessary", "count", copied)
	return result, nil
}
