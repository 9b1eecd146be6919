package s3

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// GetClient is the part of the S3 API the source uses. *s3.Client
// satisfies it.
type GetClient interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Source implements random access reads over an S3 object using ranged
// GetObject calls. It satisfies zipstream.ByteSource. Pair it with a
// block cache to coalesce the reader's small metadata reads.
type Source struct {
	client GetClient
	bucket string
	key    string
	size   int64
	ctx    context.Context
}

// NewSource heads bucket/key to learn its size and returns a Source.
func NewSource(ctx context.Context, client GetClient, bucket, key string) (*Source, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 source: head object: %w", err)
	}
	return &Source{
		client: client,
		bucket: bucket,
		key:    key,
		size:   aws.ToInt64(head.ContentLength),
		ctx:    ctx,
	}, nil
}

// NewClient builds an *s3.Client from the default AWS configuration
// chain (environment, shared config, instance metadata).
func NewClient(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Size returns the object's content length.
func (s *Source) Size() int64 {
	return s.size
}

// ReadAt fetches the requested range with one GetObject call.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("s3 source: negative offset %d", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, fmt.Errorf("s3 source: get range %d-%d: %w", off, end, err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}
