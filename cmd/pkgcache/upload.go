package main

import (
	"github.com/spf13/cobra"

	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/internal/workspace"
	"github.com/pkgcache/pkgcache/pkg/cache"
)

func newUploadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload",
		Short: "Upload built packages",
		Long: `Upload publishes every non-hidden file in PACKAGE_DIRECTORY to
artifacts/<commit>/ and, when the check stage computed a fingerprint, to
cache/<fingerprint>/. It does nothing when the check stage found existing
artifacts.`,
		Args: cobra.NoArgs,
		RunE: a.runUpload,
	}
}

func (a *app) runUpload(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := a.cfg

	if err := cfg.RequirePackageDir(failure.ExitUploadPackageDir); err != nil {
		return err
	}
	ws, err := workspace.Open(cfg.PackageDir)
	if err != nil {
		return failure.New(failure.KindFilesystem, failure.ExitGeneric, "Unable to use the package directory", err)
	}

	found, err := ws.Found()
	if err != nil {
		return err
	}
	if found {
		logging.Success(ctx, a.logger, "The artifacts for this commit already exist; skipping this step")
		return nil
	}

	if err := cfg.RequireBucket(failure.ExitUploadBucket); err != nil {
		return err
	}

	files, err := ws.OutputFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return failure.Configuration(failure.ExitUploadNoFiles, "No non-hidden files found in %s", ws.Dir())
	}

	commitHash, ok, err := ws.ReadCommitHash()
	if err != nil {
		return err
	}
	if !ok {
		return failure.Configuration(failure.ExitUploadCommitHash, "Commit hash not found at %s", ws.Path(workspace.CommitHashFile)).
			WithSuggestions("Run pkgcache check with the same PACKAGE_DIRECTORY before uploading")
	}
	a.logger.Info("Commit hash", "commit", commitHash)

	codeHash, ok, err := ws.ReadCodeHash()
	if err != nil {
		return err
	}
	if ok {
		a.logger.Info("Code hash", "code_hash", codeHash)
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	result, err := cache.NewPublisher(store, cfg.Concurrency, a.logger).Publish(ctx, cache.PublishInput{
		CommitHash: commitHash,
		CodeHash:   codeHash,
		Files:      files,
	})
	if err != nil {
		return err
	}
	logging.Success(ctx, a.logger, "Packages uploaded", "count", result.Uploaded)
	return nil
}
