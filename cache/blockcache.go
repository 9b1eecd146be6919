// Package cache provides an in-memory LRU block cache for archive byte
// sources. Wrapping a remote source (HTTP ranges, S3) absorbs the
// scattered small reads a ZIP reader issues — central directory walks,
// local header probes — into a bounded set of fixed-size cached blocks.
//
// Block caching pays off for random, non-contiguous access. Large
// sequential reads bypass the cache so streaming an entire entry does not
// evict the hot metadata blocks.
package cache

import (
	"container/list"
	"io"
	"sync"
)

// ByteSource provides random access to data for block caching.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// DefaultBlockSize is the block size used when none is configured.
const DefaultBlockSize int64 = 64 << 10

// DefaultMaxBytes is the cache budget used when none is configured.
const DefaultMaxBytes int64 = 32 << 20

// DefaultMaxBlocksPerRead caps cached blocks per ReadAt; reads spanning
// more blocks go straight to the source.
const DefaultMaxBlocksPerRead = 4

// BlockCache caches fixed-size blocks of wrapped sources with LRU
// eviction under a byte budget. It is safe for concurrent use.
type BlockCache struct {
	blockSize        int64
	maxBytes         int64
	maxBlocksPerRead int

	mu      sync.Mutex
	blocks  map[blockKey]*list.Element
	lru     *list.List // front = most recent
	bytes   int64
	nextID  uint64
	hits    uint64
	misses  uint64
}

type blockKey struct {
	source uint64
	index  int64
}

type block struct {
	key  blockKey
	data []byte
}

// Option configures a BlockCache.
type Option func(*BlockCache)

// WithBlockSize sets the cached block size.
func WithBlockSize(n int64) Option {
	return func(c *BlockCache) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithMaxBytes sets the cache byte budget.
func WithMaxBytes(n int64) Option {
	return func(c *BlockCache) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithMaxBlocksPerRead bypasses caching when a read spans more than n
// blocks. Values <= 0 disable the bypass.
func WithMaxBlocksPerRead(n int) Option {
	return func(c *BlockCache) {
		c.maxBlocksPerRead = n
	}
}

// New creates a BlockCache.
func New(opts ...Option) *BlockCache {
	c := &BlockCache{
		blockSize:        DefaultBlockSize,
		maxBytes:         DefaultMaxBytes,
		maxBlocksPerRead: DefaultMaxBlocksPerRead,
		blocks:           make(map[blockKey]*list.Element),
		lru:              list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SizeBytes returns the current cache size in bytes.
func (c *BlockCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Stats returns cumulative block hit and miss counts.
func (c *BlockCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Wrap returns a ByteSource reading through the cache. Multiple sources
// may share one cache; their blocks compete for the same budget.
func (c *BlockCache) Wrap(src ByteSource) ByteSource {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()
	return &cachedSource{cache: c, src: src, id: id}
}

func (c *BlockCache) get(key blockKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.blocks[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.lru.MoveToFront(el)
	return el.Value.(*block).data, true
}

func (c *BlockCache) put(key blockKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blocks[key]; ok {
		return
	}
	c.blocks[key] = c.lru.PushFront(&block{key: key, data: data})
	c.bytes += int64(len(data))
	for c.bytes > c.maxBytes {
		el := c.lru.Back()
		if el == nil {
			break
		}
		b := c.lru.Remove(el).(*block)
		delete(c.blocks, b.key)
		c.bytes -= int64(len(b.data))
	}
}

// cachedSource serves ReadAt from cached blocks, fetching whole blocks
// from the underlying source on miss.
type cachedSource struct {
	cache *BlockCache
	src   ByteSource
	id    uint64
}

func (s *cachedSource) Size() int64 { return s.src.Size() }

func (s *cachedSource) ReadAt(p []byte, off int64) (int, error) {
	size := s.src.Size()
	if off < 0 || off >= size {
		if off >= size {
			return 0, io.EOF
		}
		return s.src.ReadAt(p, off)
	}

	bs := s.cache.blockSize
	first := off / bs
	last := (off + int64(len(p)) - 1) / bs
	if end := (size - 1) / bs; last > end {
		last = end
	}
	if maxBlocks := s.cache.maxBlocksPerRead; maxBlocks > 0 && last-first+1 > int64(maxBlocks) {
		return s.src.ReadAt(p, off)
	}

	n := 0
	for idx := first; idx <= last && n < len(p); idx++ {
		data, err := s.block(idx, size)
		if err != nil {
			return n, err
		}
		start := off + int64(n) - idx*bs
		if start >= int64(len(data)) {
			return n, io.EOF
		}
		n += copy(p[n:], data[start:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// block returns the idx-th block of the source, fetching and caching it
// on miss. The final block of the source is short.
func (s *cachedSource) block(idx, size int64) ([]byte, error) {
	key := blockKey{source: s.id, index: idx}
	if data, ok := s.cache.get(key); ok {
		return data, nil
	}

	bs := s.cache.blockSize
	start := idx * bs
	length := bs
	if start+length > size {
		length = size - start
	}
	data := make([]byte, length)
	n, err := s.src.ReadAt(data, start)
	if err != nil && !(err == io.EOF && int64(n) == length) {
		return nil, err
	}
	if int64(n) != length {
		return nil, io.ErrUnexpectedEOF
	}
	s.cache.put(key, data)
	return data, nil
}
