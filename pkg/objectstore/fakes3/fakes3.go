// Package fakes3 is an in-memory implementation of objectstore.Client for
// tests.
package fakes3

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Object is a stored object.
type Object struct {
	Body           []byte
	Metadata       map[string]string
	ContentType    string
	ChecksumSHA256 string
	LastModified   time.Time
}

// Call records one request.
type Call struct {
	Op     string
	Key    string
	Prefix string
}

// FailFunc decides whether a request fails. Returning nil lets it through.
type FailFunc func(op, key string) error

// Client is an in-memory bucket store. The zero value is not usable; call
// New.
type Client struct {
	mu       sync.Mutex
	buckets  map[string]map[string]*Object
	calls    []Call
	fail     FailFunc
	pageSize int
	now      func() time.Time
}

// New creates a client holding the named, empty buckets.
func New(buckets ...string) *Client {
	c := &Client{
		buckets:  make(map[string]map[string]*Object),
		pageSize: 1000,
		now:      time.Now,
	}
	for _, b := range buckets {
		c.buckets[b] = make(map[string]*Object)
	}
	return c
}

// SetPageSize caps the number of keys per listing page regardless of the
// requested MaxKeys.
func (c *Client) SetPageSize(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pageSize = n
}

// FailWith installs a failure hook. The hook runs with the client locked and
// must not call back into it.
func (c *Client) FailWith(fn FailFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = fn
}

// Put stores an object directly, bypassing the call log.
func (c *Client) Put(bucket, key string, body []byte, metadata map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bucket(bucket)[key] = &Object{Body: body, Metadata: metadata, LastModified: c.now()}
}

// Delete removes an object directly.
func (c *Client) Delete(bucket, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.bucket(bucket), key)
}

// Object returns a stored object.
func (c *Client) Object(bucket, key string) (*Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.buckets[bucket][key]
	return o, ok
}

// Keys returns the sorted keys under prefix.
func (c *Client) Keys(bucket, prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys(bucket, prefix)
}

// Calls returns the recorded requests.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// CallsFor returns the recorded requests of one operation.
func (c *Client) CallsFor(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

func (c *Client) bucket(name string) map[string]*Object {
	b, ok := c.buckets[name]
	if !ok {
		b = make(map[string]*Object)
		c.buckets[name] = b
	}
	return b
}

func (c *Client) keys(bucket, prefix string) []string {
	var keys []string
	for k := range c.buckets[bucket] {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *Client) record(call Call) error {
	c.calls = append(c.calls, call)
	if c.fail != nil {
		key := call.Key
		if call.Op == "ListObjectsV2" {
			key = call.Prefix
		}
		return c.fail(call.Op, key)
	}
	return nil
}

func noSuchBucket(name string) error {
	return &types.NoSuchBucket{Message: aws.String("The specified bucket does not exist: " + name)}
}

// ListObjectsV2 implements objectstore.Client.
func (c *Client) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, prefix := aws.ToString(in.Bucket), aws.ToString(in.Prefix)
	if err := c.record(Call{Op: "ListObjectsV2", Prefix: prefix}); err != nil {
		return nil, err
	}
	if _, ok := c.buckets[bucket]; !ok {
		return nil, noSuchBucket(bucket)
	}

	keys := c.keys(bucket, prefix)
	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, &smithy.GenericAPIError{Code: "InvalidArgument", Message: "bad continuation token"}
		}
		start = n
	}

	limit := c.pageSize
	if m := int(aws.ToInt32(in.MaxKeys)); m > 0 && m < limit {
		limit = m
	}
	end := start + limit
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{
		Name:        in.Bucket,
		Prefix:      in.Prefix,
		KeyCount:    aws.Int32(int32(end - start)),
		IsTruncated: aws.Bool(end < len(keys)),
	}
	for _, k := range keys[start:end] {
		o := c.buckets[bucket][k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(o.Body))),
			ETag:         aws.String(`"` + strconv.Itoa(len(o.Body)) + `"`),
			LastModified: aws.Time(o.LastModified),
		})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// GetObject implements objectstore.Client.
func (c *Client) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	if err := c.record(Call{Op: "GetObject", Key: key}); err != nil {
		return nil, err
	}
	b, ok := c.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	o, ok := b[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(o.Body)),
		ContentLength: aws.Int64(int64(len(o.Body))),
		Metadata:      o.Metadata,
	}, nil
}

// PutObject implements objectstore.Client.
func (c *Client) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if in.Body != nil {
		var err error
		if body, err = io.ReadAll(in.Body); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	if err := c.record(Call{Op: "PutObject", Key: key}); err != nil {
		return nil, err
	}
	b, ok := c.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}
	b[key] = &Object{
		Body:           body,
		Metadata:       copyMap(in.Metadata),
		ContentType:    aws.ToString(in.ContentType),
		ChecksumSHA256: aws.ToString(in.ChecksumSHA256),
		LastModified:   c.now(),
	}
	return &s3.PutObjectOutput{ChecksumSHA256: in.ChecksumSHA256}, nil
}

// CopyObject implements objectstore.Client.
func (c *Client) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, key := aws.ToString(in.Bucket), aws.ToString(in.Key)
	if err := c.record(Call{Op: "CopyObject", Key: key}); err != nil {
		return nil, err
	}

	src, err := url.PathUnescape(aws.ToString(in.CopySource))
	if err != nil {
		return nil, err
	}
	srcBucket, srcKey, _ := strings.Cut(src, "/")
	sb, ok := c.buckets[srcBucket]
	if !ok {
		return nil, noSuchBucket(srcBucket)
	}
	o, ok := sb[srcKey]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	db, ok := c.buckets[bucket]
	if !ok {
		return nil, noSuchBucket(bucket)
	}

	metadata := copyMap(o.Metadata)
	if in.MetadataDirective == types.MetadataDirectiveReplace {
		metadata = copyMap(in.Metadata)
	}
	db[key] = &Object{
		Body:           append([]byte(nil), o.Body...),
		Metadata:       metadata,
		ContentType:    o.ContentType,
		ChecksumSHA256: o.ChecksumSHA256,
		LastModified:   c.now(),
	}
	return &s3.CopyObjectOutput{}, nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
