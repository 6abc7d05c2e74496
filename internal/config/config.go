// Package config loads pkgcache settings from the pipeline environment, the
// command line and an optional config file.
package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/internal/retry"
	"github.com/pkgcache/pkgcache/pkg/hasher"
)

// Environment variable names set by the pipeline.
const (
	EnvBucket     = "PACKAGE_ASSETS_BUCKET"
	EnvRepoPath   = "GIT_REPO_PATH"
	EnvPackageDir = "PACKAGE_DIRECTORY"
	EnvFilter     = "CODE_HASH_FIND_FILTER"
	EnvRole       = "AWS_ROLE"
)

// EnvPrefix prefixes every other setting.
const EnvPrefix = "PKGCACHE"

// Config represents the application configuration.
type Config struct {
	// Pipeline settings
	Bucket         string `mapstructure:"bucket"`
	RepoPath       string `mapstructure:"repo_path"`
	PackageDir     string `mapstructure:"package_dir"`
	CodeHashFilter string `mapstructure:"code_hash_filter"`

	// Object store settings
	Role      string `mapstructure:"role"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`

	// Cache behavior
	Concurrency          int    `mapstructure:"concurrency"`
	LegacyPrefixHit      bool   `mapstructure:"legacy_prefix_hit"`
	FingerprintAlgorithm string `mapstructure:"fingerprint_algorithm"`

	Retry retry.Config `mapstructure:"retry"`

	// Logging
	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"bucket":            "bucket",
	"repo-path":         "repo_path",
	"package-dir":       "package_dir",
	"filter":            "code_hash_filter",
	"role":              "role",
	"region":            "region",
	"endpoint":          "endpoint",
	"path-style":        "path_style",
	"concurrency":       "concurrency",
	"legacy-prefix-hit": "legacy_prefix_hit",
	"algorithm":         "fingerprint_algorithm",
	"log-format":        "log_format",
	"log-level":         "log_level",
}

// Load loads configuration from file, environment variables and flags.
// Flags that were set win over the environment, which wins over the file.
// An empty environment variable counts as unset.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := retry.DefaultConfig()
	v.SetDefault("concurrency", 4)
	v.SetDefault("legacy_prefix_hit", false)
	v.SetDefault("fingerprint_algorithm", string(hasher.MD5))
	v.SetDefault("path_style", false)
	v.SetDefault("retry.max_retries", defaults.MaxRetries)
	v.SetDefault("retry.initial_delay", defaults.InitialDelay)
	v.SetDefault("retry.max_delay", defaults.MaxDelay)
	v.SetDefault("retry.backoff_multiplier", defaults.BackoffMultiplier)
	v.SetDefault("retry.jitter", defaults.Jitter)
	v.SetDefault("log_format", "text")
	v.SetDefault("log_level", "info")

	// Configure viper for environment variables
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Bind the pipeline's variable names
	bindings := map[string]string{
		"bucket":                EnvBucket,
		"repo_path":             EnvRepoPath,
		"package_dir":           EnvPackageDir,
		"code_hash_filter":      EnvFilter,
		"role":                  EnvRole,
		"region":                EnvPrefix + "_REGION",
		"endpoint":              EnvPrefix + "_ENDPOINT",
		"path_style":            EnvPrefix + "_PATH_STYLE",
		"concurrency":           EnvPrefix + "_CONCURRENCY",
		"legacy_prefix_hit":     EnvPrefix + "_LEGACY_PREFIX_HIT",
		"fingerprint_algorithm": EnvPrefix + "_FINGERPRINT_ALGORITHM",
		"retry.max_retries":     EnvPrefix + "_RETRY_MAX",
		"retry.initial_delay":   EnvPrefix + "_RETRY_INITIAL_DELAY",
		"retry.max_delay":       EnvPrefix + "_RETRY_MAX_DELAY",
		"log_format":            EnvPrefix + "_LOG_FORMAT",
		"log_level":             EnvPrefix + "_LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "failed to bind %s", env)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errors.Wrapf(err, "failed to bind flag --%s", name)
				}
			}
		}
	}

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".pkgcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// Validate checks the settings shared by every stage.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return failure.Configuration(failure.ExitGeneric, "Concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Retry.MaxRetries < 0 {
		return failure.Configuration(failure.ExitGeneric, "Retry count must not be negative, got %d", c.Retry.MaxRetries)
	}
	if _, err := hasher.ParseAlgorithm(c.FingerprintAlgorithm); err != nil {
		return failure.Configuration(failure.ExitGeneric, "%v", err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return failure.Configuration(failure.ExitGeneric, "%v", err)
	}
	return nil
}

// ValidateCheck checks the check stage inputs in the order the pipeline
// reports them.
func (c *Config) ValidateCheck() error {
	if err := c.RequireBucket(failure.ExitCheckBucket); err != nil {
		return err
	}
	if err := c.RequireRepoPath(failure.ExitCheckRepoPath); err != nil {
		return err
	}
	return c.RequirePackageDir(failure.ExitCheckPackageDir)
}

// RequireBucket fails with code when the bucket is unset.
func (c *Config) RequireBucket(code int) error {
	if c.Bucket == "" {
		return missing(code, EnvBucket)
	}
	return nil
}

// RequireRepoPath fails with code when the repository path is unset.
func (c *Config) RequireRepoPath(code int) error {
	if c.RepoPath == "" {
		return missing(code, EnvRepoPath)
	}
	return nil
}

// RequirePackageDir fails with code when the package directory is unset.
func (c *Config) RequirePackageDir(code int) error {
	if c.PackageDir == "" {
		return missing(code, EnvPackageDir)
	}
	return nil
}

// Algorithm returns the parsed fingerprint algorithm.
func (c *Config) Algorithm() hasher.Algorithm {
	a, err := hasher.ParseAlgorithm(c.FingerprintAlgorithm)
	if err != nil {
		return hasher.MD5
	}
	return a
}

// Patterns returns the fingerprint globs.
func (c *Config) Patterns() []string {
	return hasher.ParsePatterns(c.CodeHashFilter)
}

func missing(code int, env string) error {
	return failure.Configuration(code, "Missing environment variable: %s", env).
		WithSuggestions("Set " + env + " in the pipeline step environment")
}
