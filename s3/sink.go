// Package s3 provides archive backends on Amazon S3 (and S3-compatible
// stores): a multipart-upload byte sink for writing archives and a
// range-request byte source for reading them.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"
)

// Part size and concurrency bounds for multipart uploads.
const (
	MinPartSize     int64 = 5 << 20
	MaxPartSize     int64 = 5 << 30
	DefaultPartSize int64 = 5 << 20

	MaxConcurrentUploads     = 20
	DefaultConcurrentUploads = 4
)

// Retry policy for part uploads: exponential backoff from 100 ms,
// doubling, at most 4 attempts.
const (
	retryBase     = 100 * time.Millisecond
	retryAttempts = 4
)

// UploadClient is the part of the S3 API the sink uses. *s3.Client
// satisfies it.
type UploadClient interface {
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Sink streams an archive to S3 as a multipart upload. It is an
// append-only sink: it deliberately implements no Seek, so an archive
// writer on top of it runs in no-patch mode and readers must use the
// central directory.
//
// Write buffers up to the part size, then uploads full parts
// concurrently under the configured limit, retrying each part with
// exponential backoff. Close uploads the final short part and completes
// the upload; until Close returns, nothing is visible at the key.
type Sink struct {
	client      UploadClient
	bucket      string
	key         string
	uploadID    string
	partSize    int64
	concurrency int

	ctx      context.Context
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	buf      []byte
	partNum  int32
	closed   bool

	mu       sync.Mutex
	parts    []types.CompletedPart
	firstErr error
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithPartSize sets the multipart part size, clamped to the S3 limits
// of 5 MiB to 5 GiB. The default is 5 MiB.
func WithPartSize(n int64) SinkOption {
	return func(s *Sink) {
		if n < MinPartSize {
			n = MinPartSize
		}
		if n > MaxPartSize {
			n = MaxPartSize
		}
		s.partSize = n
	}
}

// WithConcurrentUploads sets how many parts upload at once, between 1
// and 20. The default is 4.
func WithConcurrentUploads(n int) SinkOption {
	return func(s *Sink) {
		if n < 1 {
			n = 1
		}
		if n > MaxConcurrentUploads {
			n = MaxConcurrentUploads
		}
		s.concurrency = n
	}
}

// NewSink starts a multipart upload to bucket/key.
func NewSink(ctx context.Context, client UploadClient, bucket, key string, opts ...SinkOption) (*Sink, error) {
	s := &Sink{
		client:      client,
		bucket:      bucket,
		key:         key,
		partSize:    DefaultPartSize,
		concurrency: DefaultConcurrentUploads,
		ctx:         ctx,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sem = semaphore.NewWeighted(int64(s.concurrency))
	s.buf = make([]byte, 0, s.partSize)

	out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 sink: create multipart upload: %w", err)
	}
	s.uploadID = aws.ToString(out.UploadId)
	return s, nil
}

func (s *Sink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firstErr == nil {
		s.firstErr = err
	}
}

func (s *Sink) getErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// Write buffers p, launching part uploads as the buffer fills.
func (s *Sink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.New("s3 sink: write after close")
	}
	if err := s.getErr(); err != nil {
		return 0, err
	}
	total := len(p)
	for len(p) > 0 {
		room := int(s.partSize) - len(s.buf)
		if room > len(p) {
			room = len(p)
		}
		s.buf = append(s.buf, p[:room]...)
		p = p[room:]
		if int64(len(s.buf)) == s.partSize {
			if err := s.launchPart(); err != nil {
				return total - len(p), err
			}
		}
	}
	return total, nil
}

// launchPart hands the current buffer to an upload goroutine and starts
// a fresh one.
func (s *Sink) launchPart() error {
	if len(s.buf) == 0 {
		return nil
	}
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		return err
	}
	s.partNum++
	num := s.partNum
	data := s.buf
	s.buf = make([]byte, 0, s.partSize)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		if err := s.uploadPart(num, data); err != nil {
			s.setErr(err)
		}
	}()
	return nil
}

// uploadPart uploads one part with retries.
func (s *Sink) uploadPart(num int32, data []byte) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newRetryBackoff(), retryAttempts-1), s.ctx)
	var etag string
	op := func() error {
		out, err := s.client.UploadPart(s.ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.key),
			UploadId:      aws.String(s.uploadID),
			PartNumber:    aws.Int32(num),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return err
		}
		etag = aws.ToString(out.ETag)
		return nil
	}
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("s3 sink: upload part %d: %w", num, err)
	}

	s.mu.Lock()
	s.parts = append(s.parts, types.CompletedPart{
		ETag:       aws.String(etag),
		PartNumber: aws.Int32(num),
	})
	s.mu.Unlock()
	return nil
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = retryBase << retryAttempts
	return b
}

// Flush waits for all in-flight part uploads and reports the first
// upload failure.
func (s *Sink) Flush() error {
	s.wg.Wait()
	return s.getErr()
}

// Close uploads the final part, waits for all uploads, and completes the
// multipart upload. On any failure the upload is aborted so no partial
// object lingers.
func (s *Sink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.launchPart()
	s.wg.Wait()
	if err == nil {
		err = s.getErr()
	}
	if err != nil {
		s.abort()
		return err
	}

	s.mu.Lock()
	parts := s.parts
	s.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	_, err = s.client.CompleteMultipartUpload(s.ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		s.abort()
		return fmt.Errorf("s3 sink: complete multipart upload: %w", err)
	}
	return nil
}

func (s *Sink) abort() {
	_, _ = s.client.AbortMultipartUpload(s.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
}
