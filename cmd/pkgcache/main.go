package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pkgcache/pkgcache/internal/config"
	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/pkg/credentials"
	"github.com/pkgcache/pkgcache/pkg/objectstore"
)

var (
	// Version information (set by build)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// clientFactory builds the S3 client for a stage.
type clientFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (objectstore.Client, error)

// app holds the state shared by the subcommands of one invocation.
type app struct {
	// Global flags
	cfgFile string
	verbose bool

	stdout    io.Writer
	stderr    io.Writer
	newClient clientFactory

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pkgcache",
		Short: "Build artifact cache for CI pipelines",
		Long: `pkgcache decides whether a package needs to be built and publishes the
packages that were.

Run "pkgcache check" before the build: it looks for artifacts of the current
commit, then for artifacts built from identical sources, and writes a .found
marker to PACKAGE_DIRECTORY when the build can be skipped.

Run "pkgcache upload" after the build: it uploads every file in
PACKAGE_DIRECTORY keyed by commit and by source fingerprint.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.setup(cmd)
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./.pkgcache.yaml or $HOME/.pkgcache.yaml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "verbose output")
	flags.String("bucket", "", "bucket holding artifacts ("+config.EnvBucket+")")
	flags.String("package-dir", "", "package output directory ("+config.EnvPackageDir+")")
	flags.String("role", "", "role ARN to assume ("+config.EnvRole+")")
	flags.String("region", "", "object store region")
	flags.String("endpoint", "", "S3-compatible endpoint URL")
	flags.Bool("path-style", false, "use path-style bucket addressing")
	flags.Int("concurrency", 4, "number of parallel transfers")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newCheckCmd(a))
	rootCmd.AddCommand(newUploadCmd(a))
	rootCmd.AddCommand(newFingerprintCmd(a))
	rootCmd.AddCommand(newVersionCmd(a))
	return rootCmd
}

// sourceFlags adds the flags of the commands that read the repository.
func sourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("repo-path", "", "source repository clone ("+config.EnvRepoPath+")")
	cmd.Flags().String("filter", "", "space-separated fingerprint glob patterns ("+config.EnvFilter+")")
	cmd.Flags().String("algorithm", "md5", "fingerprint algorithm (md5, sha256, blake3)")
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "pkgcache version: %s\n", version)
			fmt.Fprintf(a.stdout, "Git commit: %s\n", commit)
			fmt.Fprintf(a.stdout, "Build time: %s\n", buildTime)
		},
	}
}

// setup loads configuration and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.cfgFile, cmd.Flags())
	if err != nil {
		return failure.New(failure.KindConfiguration, failure.ExitGeneric, "Failed to load configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if a.verbose {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(a.stderr, logging.Options{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		return failure.New(failure.KindConfiguration, failure.ExitGeneric, "Invalid logging configuration", err)
	}

	a.cfg = cfg
	a.logger = logger
	if a.verbose {
		logger.Debug("pkgcache", "version", version, "commit", commit, "build_time", buildTime)
	}
	return nil
}

// openStore connects to the configured bucket.
func (a *app) openStore(ctx context.Context) (*objectstore.Store, error) {
	client, err := a.newClient(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	return objectstore.New(client, a.cfg.Bucket,
		objectstore.WithRetry(&a.cfg.Retry),
		objectstore.WithLogger(a.logger),
	), nil
}

// newS3Client resolves credentials and builds the S3 client.
func newS3Client(ctx context.Context, cfg *config.Config, logger *slog.Logger) (objectstore.Client, error) {
	if cfg.Role != "" {
		logger.Info("Getting S3 client using assumed role", "role", cfg.Role)
	} else {
		logger.Info("Getting S3 client using credentials in the environment")
	}

	awsCfg, err := credentials.Resolve(ctx, credentials.Options{
		Region: cfg.Region,
		Role:   cfg.Role,
		Retry:  &cfg.Retry,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	return objectstore.NewS3Client(awsCfg, objectstore.ClientOptions{
		Endpoint:  cfg.Endpoint,
		PathStyle: cfg.PathStyle,
	}), nil
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, newClient clientFactory) int {
	if newClient == nil {
		newClient = newS3Client
	}
	a := &app{stdout: stdout, stderr: stderr, newClient: newClient}

	rootCmd := newRootCmd(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	a.report(ctx, err)
	return failure.ExitCode(err)
}

// report logs a stage failure at CRITICAL.
func (a *app) report(ctx context.Context, err error) {
	logger := a.logger
	if logger == nil {
		logger, _ = logging.New(a.stderr, logging.Options{})
	}

	f := failure.Classify(err)
	if f.Cause != nil {
		logging.Critical(ctx, logger, f.Message, "error", f.Cause.Error())
	} else {
		logging.Critical(ctx, logger, f.Message)
	}
	for _, s := range f.Suggestions {
		logger.Info("Suggestion: " + s)
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, nil)
	cancel()
	os.Exit(code)
}
