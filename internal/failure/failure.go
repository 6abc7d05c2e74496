// Package failure defines the error taxonomy of the pipeline stages and the
// process exit codes attached to it.
package failure

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind categorizes stage failures.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindRepository    Kind = "repository"
	KindNotFound      Kind = "not-found"
	KindAccessDenied  Kind = "access-denied"
	KindThrottled     Kind = "throttled"
	KindNetwork       Kind = "network"
	KindCredentials   Kind = "credentials"
	KindFilesystem    Kind = "filesystem"
	KindUnknown       Kind = "unknown"
)

// ExitGeneric is the exit code for every failure without a stage-specific code.
const ExitGeneric = 1

// Check stage exit codes.
const (
	ExitCheckBucket     = 100
	ExitCheckRepoPath   = 101
	ExitCheckPackageDir = 102
	ExitCheckRepository = 103
)

// Upload stage exit codes.
const (
	ExitUploadPackageDir = 100
	ExitUploadBucket     = 101
	ExitUploadNoFiles    = 102
	ExitUploadCommitHash = 103
)

// Error is a stage failure with a user-facing message and an exit code.
type Error struct {
	Kind        Kind
	Code        int
	Message     string
	Cause       error
	Suggestions []string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a failure with an explicit exit code.
func New(kind Kind, code int, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Configuration reports a missing or invalid input. These are never retried.
func Configuration(code int, format string, args ...interface{}) *Error {
	return New(KindConfiguration, code, fmt.Sprintf(format, args...), nil)
}

// WithSuggestions adds suggestions to resolve the error
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// ExitCode returns the process exit code for err: 0 for nil, the attached
// code for a failure, ExitGeneric otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var f *Error
	if errors.As(err, &f) && f.Code != 0 {
		return f.Code
	}
	return ExitGeneric
}

// Classifier lets lower layers expose their own category without this
// package importing them.
type Classifier interface {
	FailureKind() Kind
}

// Classify converts any error into a failure. Errors that already are
// failures are returned unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var f *Error
	if errors.As(err, &f) {
		return f
	}

	kind := KindUnknown
	var c Classifier
	if errors.As(err, &c) {
		kind = c.FailureKind()
	} else {
		msg := strings.ToLower(err.Error())
		switch {
		case containsAny(msg, "connection refused", "connection reset", "no such host", "i/o timeout", "broken pipe"):
			kind = KindNetwork
		case containsAny(msg, "permission denied", "no such file", "is a directory"):
			kind = KindFilesystem
		}
	}

	out := New(kind, ExitGeneric, messageFor(kind), err)
	return out.WithSuggestions(suggestionsFor(kind)...)
}

func messageFor(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "Object store resource not found"
	case KindAccessDenied:
		return "Access to the object store was denied"
	case KindThrottled:
		return "Object store is throttling requests"
	case KindNetwork:
		return "Network error while talking to the object store"
	case KindCredentials:
		return "Unable to obtain object store credentials"
	case KindFilesystem:
		return "Local filesystem error"
	default:
		return "Unexpected failure"
	}
}

func suggestionsFor(kind Kind) []string {
	switch kind {
	case KindNotFound:
		return []string{
			"Verify PACKAGE_ASSETS_BUCKET names an existing bucket",
			"Check the region and endpoint settings",
		}
	case KindAccessDenied:
		return []string{
			"Check the bucket policy grants list, get, put and copy",
			"If AWS_ROLE is set, verify the role's permissions",
		}
	case KindThrottled:
		return []string{
			"Lower PKGCACHE_CONCURRENCY",
			"Raise PKGCACHE_RETRY_MAX",
		}
	case KindNetwork:
		return []string{"Check network connectivity and the endpoint setting"}
	case KindCredentials:
		return []string{
			"Verify AWS_ROLE is a valid role ARN the ambient identity may assume",
			"Check the ambient AWS credentials are present",
		}
	default:
		return nil
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
