package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockUploader scripts the multipart API in memory.
type mockUploader struct {
	mu        sync.Mutex
	parts     map[int32][]byte
	failures  map[int32]int // remaining transient failures per part
	completed bool
	aborted   bool
	partOrder []int32 // part numbers in completion-request order
}

func newMockUploader() *mockUploader {
	return &mockUploader{
		parts:    make(map[int32][]byte),
		failures: make(map[int32]int),
	}
}

func (m *mockUploader) CreateMultipartUpload(_ context.Context, in *awss3.CreateMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.CreateMultipartUploadOutput, error) {
	return &awss3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *mockUploader) UploadPart(_ context.Context, in *awss3.UploadPartInput, _ ...func(*awss3.Options)) (*awss3.UploadPartOutput, error) {
	num := aws.ToInt32(in.PartNumber)
	m.mu.Lock()
	if m.failures[num] > 0 {
		m.failures[num]--
		m.mu.Unlock()
		return nil, fmt.Errorf("throttled part %d", num)
	}
	m.mu.Unlock()

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.parts[num] = data
	m.mu.Unlock()
	return &awss3.UploadPartOutput{ETag: aws.String(fmt.Sprintf(`"etag-%d"`, num))}, nil
}

func (m *mockUploader) CompleteMultipartUpload(_ context.Context, in *awss3.CompleteMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = true
	for _, p := range in.MultipartUpload.Parts {
		m.partOrder = append(m.partOrder, aws.ToInt32(p.PartNumber))
	}
	return &awss3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockUploader) AbortMultipartUpload(_ context.Context, in *awss3.AbortMultipartUploadInput, _ ...func(*awss3.Options)) (*awss3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = true
	return &awss3.AbortMultipartUploadOutput{}, nil
}

// object reassembles the uploaded parts in part-number order.
func (m *mockUploader) object() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []byte
	for i := int32(1); ; i++ {
		data, ok := m.parts[i]
		if !ok {
			return out
		}
		out = append(out, data...)
	}
}

func TestSink_SplitsIntoParts(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	sink, err := NewSink(context.Background(), mock, "bucket", "key")
	require.NoError(t, err)

	// 12.5 MiB at the 5 MiB default part size: two full parts plus a
	// short final part.
	payload := bytes.Repeat([]byte{0xc7}, 12<<20+512<<10)
	written := 0
	for written < len(payload) {
		chunk := 1 << 20
		if written+chunk > len(payload) {
			chunk = len(payload) - written
		}
		n, err := sink.Write(payload[written : written+chunk])
		require.NoError(t, err)
		written += n
	}
	require.NoError(t, sink.Close())

	assert.True(t, mock.completed)
	assert.False(t, mock.aborted)
	require.Len(t, mock.parts, 3)
	assert.Len(t, mock.parts[1], int(DefaultPartSize))
	assert.Len(t, mock.parts[2], int(DefaultPartSize))
	require.True(t, bytes.Equal(payload, mock.object()), "reassembled object differs from input")
	assert.Equal(t, []int32{1, 2, 3}, mock.partOrder, "completion must list parts in order")
}

func TestSink_SingleShortPart(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	sink, err := NewSink(context.Background(), mock, "bucket", "key")
	require.NoError(t, err)

	_, err = sink.Write([]byte("tiny archive"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.True(t, mock.completed)
	assert.Equal(t, []byte("tiny archive"), mock.object())
}

func TestSink_EmptyUpload(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	sink, err := NewSink(context.Background(), mock, "bucket", "key")
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.True(t, mock.completed)
	assert.Empty(t, mock.parts)
}

func TestSink_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	mock.failures[1] = 2 // fail twice, succeed on the third attempt

	sink, err := NewSink(context.Background(), mock, "bucket", "key")
	require.NoError(t, err)

	_, err = sink.Write([]byte("retried content"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	assert.True(t, mock.completed)
	assert.Equal(t, []byte("retried content"), mock.object())
}

func TestSink_AbortsAfterExhaustedRetries(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	mock.failures[1] = 100 // more than the retry budget

	sink, err := NewSink(context.Background(), mock, "bucket", "key")
	require.NoError(t, err)

	_, err = sink.Write([]byte("doomed"))
	require.NoError(t, err)
	err = sink.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload part 1")
	assert.True(t, mock.aborted)
	assert.False(t, mock.completed)
}

func TestSink_WriteAfterClose(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	sink, err := NewSink(context.Background(), mock, "bucket", "key")
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	_, err = sink.Write([]byte("late"))
	assert.Error(t, err)
}

func TestSink_OptionClamping(t *testing.T) {
	t.Parallel()

	mock := newMockUploader()
	sink, err := NewSink(context.Background(), mock, "b", "k",
		WithPartSize(1), WithConcurrentUploads(100))
	require.NoError(t, err)
	assert.Equal(t, MinPartSize, sink.partSize)
	assert.Equal(t, MaxConcurrentUploads, sink.concurrency)

	sink2, err := NewSink(context.Background(), mock, "b", "k",
		WithPartSize(10<<40), WithConcurrentUploads(0))
	require.NoError(t, err)
	assert.Equal(t, MaxPartSize, sink2.partSize)
	assert.Equal(t, 1, sink2.concurrency)
}

func TestSink_IsAppendOnly(t *testing.T) {
	t.Parallel()

	// The sink must not satisfy io.Seeker: archive writers detect seek
	// support by interface assertion and fall back to no-patch mode.
	var sink any = &Sink{}
	_, seekable := sink.(io.Seeker)
	assert.False(t, seekable)
}

// mockGetter serves ranged GetObject calls from a byte slice.
type mockGetter struct {
	data []byte
}

func (m *mockGetter) HeadObject(_ context.Context, _ *awss3.HeadObjectInput, _ ...func(*awss3.Options)) (*awss3.HeadObjectOutput, error) {
	return &awss3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(m.data)))}, nil
}

func (m *mockGetter) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	var start, end int64
	if _, err := fmt.Sscanf(aws.ToString(in.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	if start >= int64(len(m.data)) {
		return nil, errors.New("InvalidRange")
	}
	if end >= int64(len(m.data)) {
		end = int64(len(m.data)) - 1
	}
	return &awss3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(m.data[start : end+1])),
		ContentLength: aws.Int64(end - start + 1),
	}, nil
}

func TestSource_RangedReads(t *testing.T) {
	t.Parallel()

	data := bytes.Repeat([]byte("0123456789"), 1000)
	src, err := NewSource(context.Background(), &mockGetter{data: data}, "bucket", "key")
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), src.Size())

	buf := make([]byte, 100)
	n, err := src.ReadAt(buf, 5000)
	require.NoError(t, err)
	require.Equal(t, 100, n)
	assert.Equal(t, data[5000:5100], buf)

	// Tail read returns the short count with EOF.
	n, err = src.ReadAt(buf, int64(len(data))-30)
	assert.Equal(t, 30, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = src.ReadAt(buf, int64(len(data)))
	assert.ErrorIs(t, err, io.EOF)
}
