// Package objectstore is the narrow S3 surface used by the cache: paginated
// listing, small object reads, file uploads and server-side copies. Every
// call is retried on transient errors and failures are classified so callers
// can tell "not found" from "access denied" from "throttled".
package objectstore

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"

	"github.com/pkgcache/pkgcache/internal/logging"
	"github.com/pkgcache/pkgcache/internal/retry"
)

// Client is the subset of *s3.Client the store needs.
type Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

var _ Client = (*s3.Client)(nil)

// Object is one entry of a listing.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store performs object operations against a single bucket.
type Store struct {
	client Client
	bucket string
	retry  *retry.Config
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetry sets the retry policy for every call.
func WithRetry(cfg *retry.Config) Option {
	return func(s *Store) { s.retry = cfg }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a store for bucket.
func New(client Client, bucket string, opts ...Option) *Store {
	s := &Store{
		client: client,
		bucket: bucket,
		retry:  retry.DefaultConfig(),
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// URI formats key as an s3:// URI for log output.
func (s *Store) URI(key string) string {
	return "s3://" + s.bucket + "/" + key
}

func (s *Store) do(ctx context.Context, op, key string, fn func() error) error {
	err := retry.DoNotify(ctx, s.retry, fn, func(err error, delay time.Duration) {
		s.logger.Warn("Retrying object store call", "op", op, "key", key, "delay", delay, "error", err)
	})
	if err != nil {
		return classify(op, key, err)
	}
	return nil
}

// List returns every object whose key starts with prefix, following
// continuation tokens until the listing is exhausted.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.do(ctx, "list", prefix, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				ETag:         aws.ToString(o.ETag),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
	}
	return objects, nil
}

// Get reads a whole object. It is meant for small objects such as
// manifests.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, "get", key, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutBytes uploads data under key.
func (s *Store) PutBytes(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	return s.do(ctx, "put", key, func() error {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			Metadata:      metadata,
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		_, err := s.client.PutObject(ctx, input)
		return err
	})
}

// PutFile uploads the file at path under key. checksumSHA256, when set, is
// the base64 SHA-256 of the file and is verified by the service.
func (s *Store) PutFile(ctx context.Context, key, path string, metadata map[string]string, checksumSHA256 string) error {
	return s.do(ctx, "put", key, func() error {
		f, err := os.Open(path)
		if err != nil {
			return retry.Mark(errors.Wrapf(err, "failed to open %s", path), false)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return retry.Mark(errors.Wrapf(err, "failed to stat %s", path), false)
		}

		input := &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(info.Size()),
			Metadata:      metadata,
		}
		if checksumSHA256 != "" {
			input.ChecksumSHA256 = aws.String(checksumSHA256)
		}
		_, err = s.client.PutObject(ctx, input)
		return err
	})
}

// Copy performs a server-side copy inside the bucket. A nil metadata map
// keeps the source object's metadata; otherwise it is replaced.
func (s *Store) Copy(ctx context.Context, srcKey, dstKey string, metadata map[string]string) error {
	input := &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(dstKey),
		CopySource:        aws.String(CopySource(s.bucket, srcKey)),
		MetadataDirective: types.MetadataDirectiveCopy,
	}
	if metadata != nil {
		input.MetadataDirective = types.MetadataDirectiveReplace
		input.Metadata = metadata
	}

	return s.do(ctx, "copy", dstKey, func() error {
		_, err := s.client.CopyObject(ctx, input)
		return err
	})
}

// CopySource formats the URL-encoded "bucket/key" copy source header value.
func CopySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
