package objectstore

import (
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"

	"github.com/pkgcache/pkgcache/internal/failure"
)

// Error is a failed object store call.
type Error struct {
	Op   string
	Key  string
	Kind failure.Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// FailureKind implements failure.Classifier.
func (e *Error) FailureKind() failure.Kind {
	return e.Kind
}

// IsNotFound reports whether err is a missing bucket or key.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == failure.KindNotFound
}

var errorCodeKinds = map[string]failure.Kind{
	"NoSuchBucket":          failure.KindNotFound,
	"NoSuchKey":             failure.KindNotFound,
	"NotFound":              failure.KindNotFound,
	"AccessDenied":          failure.KindAccessDenied,
	"AllAccessDisabled":     failure.KindAccessDenied,
	"InvalidAccessKeyId":    failure.KindCredentials,
	"SignatureDoesNotMatch": failure.KindCredentials,
	"ExpiredToken":          failure.KindCredentials,
	"InvalidToken":          failure.KindCredentials,
	"SlowDown":              failure.KindThrottled,
	"Throttling":            failure.KindThrottled,
	"RequestLimitExceeded":  failure.KindThrottled,
}

func classify(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Key: key, Kind: kindOf(err), Err: err}
}

func kindOf(err error) failure.Kind {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := errorCodeKinds[apiErr.ErrorCode()]; ok {
			return kind
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return failure.KindNotFound
		case code == http.StatusForbidden:
			return failure.KindAccessDenied
		case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
			return failure.KindThrottled
		}
	}

	return failure.Classify(err).Kind
}
