package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pkgcache/pkgcache/internal/config"
	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/internal/workspace"
	"github.com/pkgcache/pkgcache/pkg/cache"
	"github.com/pkgcache/pkgcache/pkg/gitrepo"
	"github.com/pkgcache/pkgcache/pkg/hasher"
)

func newCheckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide whether the package needs to be built",
		Long: `Check looks for artifacts of the current commit under artifacts/<commit>/.
When CODE_HASH_FIND_FILTER is set and none exist, it fingerprints the matching
source files and looks under cache/<fingerprint>/, copying a hit into the
commit location. A .found marker in PACKAGE_DIRECTORY means the build can be
skipped. The command exits 0 whether or not a build is required.`,
		Args: cobra.NoArgs,
		RunE: a.runCheck,
	}
	sourceFlags(cmd)
	cmd.Flags().Bool("legacy-prefix-hit", false, "treat any object under a prefix as a hit, ignoring manifests")
	return cmd
}

func (a *app) runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := a.cfg

	if err := cfg.ValidateCheck(); err != nil {
		return err
	}

	repo, err := gitrepo.Open(cfg.RepoPath)
	if err != nil {
		f := failure.New(failure.KindRepository, failure.ExitCheckRepository, "Unable to load git repo", err)
		if errors.Is(err, gitrepo.ErrBare) {
			f.WithSuggestions("Point " + config.EnvRepoPath + " at a clone with a working tree")
		}
		return f
	}

	ws, err := workspace.Open(cfg.PackageDir)
	if err != nil {
		return failure.New(failure.KindFilesystem, failure.ExitGeneric, "Unable to use the package directory", err)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	checker := cache.NewChecker(cache.CheckerConfig{
		Index: cache.NewIndex(store,
			cache.WithLegacyPrefixHit(cfg.LegacyPrefixHit),
			cache.WithIndexLogger(a.logger),
		),
		Promoter:      cache.NewPromoter(store, cfg.Concurrency, a.logger),
		Sentinels:     ws,
		Identity:      repo,
		Fingerprinter: hasher.NewFingerprinter(repo.Path(), cfg.Algorithm()),
		Patterns:      cfg.Patterns(),
		Logger:        a.logger,
	})

	result, err := checker.Run(ctx)
	if err != nil {
		return err
	}
	a.logger.Debug("Check finished", "state", string(result.State), "source", string(result.Source))
	return nil
}
