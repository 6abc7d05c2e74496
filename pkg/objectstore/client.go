package objectstore

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ClientOptions tunes the S3 client.
type ClientOptions struct {
	// Endpoint overrides the service endpoint, e.g. for MinIO or LocalStack.
	Endpoint string
	// PathStyle forces path-style addressing.
	PathStyle bool
}

// NewS3Client builds an S3 client from cfg. The SDK's own retryer is
// disabled because Store retries every call itself.
func NewS3Client(cfg aws.Config, opts ClientOptions) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.Retryer = aws.NopRetryer{}
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})
}
