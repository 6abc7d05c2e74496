// Package retry provides bounded retry with jittered exponential backoff for
// calls against the object store and the token service.
package retry

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// Config contains configuration for retry operations.
type Config struct {
	// MaxRetries is the maximum number of retry attempts after the first call
	MaxRetries int `mapstructure:"max_retries"`

	// InitialDelay is the initial delay between retries
	InitialDelay time.Duration `mapstructure:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `mapstructure:"max_delay"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`

	// Jitter adds randomness (±25%) to retry delays
	Jitter bool `mapstructure:"jitter"`
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:        4,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          20 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Error marks an error with an explicit retry decision.
type Error struct {
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Mark wraps err with an explicit retry decision.
func Mark(err error, retryable bool) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, Retryable: retryable}
}

// throttlingCodes are service error codes that signal a transient condition.
var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"SlowDown":                               true,
	"RequestLimitExceeded":                   true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"InternalError":                          true,
	"ServiceUnavailable":                     true,
	"IDPCommunicationError":                  true,
	"PriorRequestNotComplete":                true,
	"EC2ThrottledException":                  true,
	"TransactionInProgressException":         true,
	"ProvisionedThroughputExceededException": true,
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context timeout/cancellation are not retryable (check first)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var retryErr *Error
	if errors.As(err, &retryErr) {
		return retryErr.Retryable
	}

	// Service errors expose a code (smithy.APIError satisfies this)
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && throttlingCodes[coded.ErrorCode()] {
		return true
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && IsHTTPRetryable(status.HTTPStatusCode()) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

// IsHTTPRetryable checks if a response status code is retryable.
func IsHTTPRetryable(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Operation is a call that can be retried.
type Operation func() error

// NotifyFunc is called after a failed attempt, before sleeping for delay.
type NotifyFunc func(err error, delay time.Duration)

// Do executes an operation with exponential backoff retry logic. Errors that
// are not retryable are returned after the first attempt.
func Do(ctx context.Context, config *Config, operation Operation) error {
	return DoNotify(ctx, config, operation, nil)
}

// DoNotify is Do with a callback for every retried failure.
func DoNotify(ctx context.Context, config *Config, operation Operation, notify NotifyFunc) error {
	if config == nil {
		config = DefaultConfig()
	}

	op := func() error {
		err := operation()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotify(op, newBackOff(ctx, config), n)
}

// newBackOff translates a Config into a backoff policy bound to ctx.
func newBackOff(ctx context.Context, config *Config) backoff.BackOff {
	randomization := 0.0
	if config.Jitter {
		randomization = 0.25
	}
	multiplier := config.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}

	exp := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(config.InitialDelay),
		backoff.WithMaxInterval(config.MaxDelay),
		backoff.WithMultiplier(multiplier),
		backoff.WithRandomizationFactor(randomization),
		backoff.WithMaxElapsedTime(0),
	)

	maxRetries := config.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)
}
