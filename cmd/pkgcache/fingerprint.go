package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkgcache/pkgcache/internal/config"
	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/pkg/hasher"
)

func newFingerprintCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the source fingerprint",
		Long: `Fingerprint prints the content fingerprint the check stage would compute
for GIT_REPO_PATH and CODE_HASH_FIND_FILTER. With --list it also prints the
files each pattern matched, in hashing order.`,
		Args: cobra.NoArgs,
		RunE: a.runFingerprint,
	}
	sourceFlags(cmd)
	cmd.Flags().Bool("list", false, "list the files matched by each pattern")
	return cmd
}

func (a *app) runFingerprint(cmd *cobra.Command, args []string) error {
	cfg := a.cfg
	if err := cfg.RequireRepoPath(failure.ExitGeneric); err != nil {
		return err
	}
	patterns := cfg.Patterns()
	if len(patterns) == 0 {
		return failure.Configuration(failure.ExitGeneric, "No fingerprint patterns configured").
			WithSuggestions("Set " + config.EnvFilter + " or pass --filter")
	}

	fp := hasher.NewFingerprinter(cfg.RepoPath, cfg.Algorithm())

	list, _ := cmd.Flags().GetBool("list")
	if list {
		for _, pattern := range patterns {
			matches, err := fp.Match(pattern)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "# %s\n", pattern)
			for _, m := range matches {
				fmt.Fprintln(a.stdout, m)
			}
		}
	}

	sum, _, err := fp.Fingerprint(patterns)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, sum)
	return nil
}
