// Package credentials resolves the AWS configuration used for object store
// access: the ambient SDK credential chain, or short-lived credentials from an
// assumed role that are refreshed as they approach expiry.
package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"

	"github.com/pkgcache/pkgcache/internal/failure"
	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/internal/retry"
)

const (
	// DefaultSessionName is the role session name sent to STS.
	DefaultSessionName = "s3-asset-manager"
	// DefaultDuration is the lifetime requested for assumed-role credentials.
	DefaultDuration = 20 * time.Minute
	// RefreshWindow is how long before expiry credentials are renewed.
	RefreshWindow = 5 * time.Minute
	// DefaultRegion is used when neither options nor the environment name one.
	DefaultRegion = "us-east-1"
)

// STSClient defines the STS operations used by the provider.
type STSClient interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Error is a failed credential exchange.
type Error struct {
	Role string
	Err  error
}

func (e *Error) Error() string {
	return "assume role " + e.Role + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FailureKind implements failure.Classifier.
func (e *Error) FailureKind() failure.Kind {
	return failure.KindCredentials
}

// AssumeRoleProvider implements aws.CredentialsProvider on top of
// sts:AssumeRole. It is safe for concurrent use.
type AssumeRoleProvider struct {
	client      STSClient
	roleARN     string
	sessionName string
	duration    time.Duration
	retry       *retry.Config
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.Mutex
	creds aws.Credentials
	valid bool
}

var _ aws.CredentialsProvider = (*AssumeRoleProvider)(nil)

// ProviderOption configures an AssumeRoleProvider.
type ProviderOption func(*AssumeRoleProvider)

// WithSessionName overrides DefaultSessionName.
func WithSessionName(name string) ProviderOption {
	return func(p *AssumeRoleProvider) { p.sessionName = name }
}

// WithDuration overrides DefaultDuration.
func WithDuration(d time.Duration) ProviderOption {
	return func(p *AssumeRoleProvider) { p.duration = d }
}

// WithRetry sets the retry policy for the exchange.
func WithRetry(cfg *retry.Config) ProviderOption {
	return func(p *AssumeRoleProvider) { p.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *AssumeRoleProvider) { p.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *AssumeRoleProvider) { p.now = now }
}

// NewAssumeRoleProvider creates a provider assuming roleARN through client.
func NewAssumeRoleProvider(client STSClient, roleARN string, opts ...ProviderOption) *AssumeRoleProvider {
	p := &AssumeRoleProvider{
		client:      client,
		roleARN:     roleARN,
		sessionName: DefaultSessionName,
		duration:    DefaultDuration,
		retry:       retry.DefaultConfig(),
		logger:      logging.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Retrieve returns the cached credentials, or exchanges the role again when
// they are within the refresh window of expiry.
func (p *AssumeRoleProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.valid && p.now().Before(p.creds.Expires.Add(-RefreshWindow)) {
		return p.creds, nil
	}

	creds, err := p.assume(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	p.creds = creds
	p.valid = true
	return creds, nil
}

func (p *AssumeRoleProvider) assume(ctx context.Context) (aws.Credentials, error) {
	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(p.roleARN),
		RoleSessionName: aws.String(p.sessionName),
		DurationSeconds: aws.Int32(int32(p.duration.Seconds())),
	}

	var out *sts.AssumeRoleOutput
	err := retry.DoNotify(ctx, p.retry, func() error {
		var err error
		out, err = p.client.AssumeRole(ctx, input)
		return err
	}, func(err error, delay time.Duration) {
		p.logger.Warn("Retrying role exchange", "role", p.roleARN, "delay", delay, "error", err)
	})
	if err != nil {
		return aws.Credentials{}, &Error{Role: p.roleARN, Err: err}
	}
	if out.Credentials == nil {
		return aws.Credentials{}, &Error{Role: p.roleARN, Err: errors.New("response carried no credentials")}
	}

	c := out.Credentials
	expires := p.now().Add(p.duration)
	if c.Expiration != nil {
		expires = *c.Expiration
	}
	p.logger.Debug("Assumed role", "role", p.roleARN, "expires", expires.Format(time.RFC3339))

	return aws.Credentials{
		AccessKeyID:     aws.ToString(c.AccessKeyId),
		SecretAccessKey: aws.ToString(c.SecretAccessKey),
		SessionToken:    aws.ToString(c.SessionToken),
		Source:          "AssumeRoleProvider",
		CanExpire:       true,
		Expires:         expires,
	}, nil
}

// Options configures Resolve.
type Options struct {
	// Region overrides the region from the environment.
	Region string
	// Role switches to assumed-role credentials when set.
	Role string
	// SessionName and Duration tune the role exchange.
	SessionName string
	Duration    time.Duration
	Retry       *retry.Config
	Logger      *slog.Logger

	// LoadOptions are passed through to config.LoadDefaultConfig.
	LoadOptions []func(*config.LoadOptions) error
	// NewSTSClient builds the STS client from the base configuration.
	// Defaults to sts.NewFromConfig.
	NewSTSClient func(aws.Config) STSClient
}

// Resolve loads the AWS configuration. With a role, the first exchange runs
// before Resolve returns so a bad role fails the stage up front.
func Resolve(ctx context.Context, opts Options) (aws.Config, error) {
	loadOpts := append([]func(*config.LoadOptions) error{}, opts.LoadOptions...)
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS configuration")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	if opts.Role == "" {
		return cfg, nil
	}

	newSTS := opts.NewSTSClient
	if newSTS == nil {
		newSTS = func(c aws.Config) STSClient { return sts.NewFromConfig(c) }
	}

	providerOpts := []ProviderOption{WithRetry(opts.Retry)}
	if opts.SessionName != "" {
		providerOpts = append(providerOpts, WithSessionName(opts.SessionName))
	}
	if opts.Duration > 0 {
		providerOpts = append(providerOpts, WithDuration(opts.Duration))
	}
	if opts.Logger != nil {
		providerOpts = append(providerOpts, WithLogger(opts.Logger))
	}

	provider := NewAssumeRoleProvider(newSTS(cfg), opts.Role, providerOpts...)
	if _, err := provider.Retrieve(ctx); err != nil {
		return aws.Config{}, err
	}

	cfg.Credentials = provider
	return cfg, nil
}
