// Package assets loads glTF buffers and buffer views for a single analysis run.
package assets

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/Faultbox/modelstats/internal/resource"
	"github.com/Faultbox/modelstats/pkg/gltf"
)

// Loader errors.
var (
	ErrMissingBuffer   = errors.New("missing buffer")
	ErrBufferViewRange = errors.New("bufferView out of range")
	ErrNoFetcherForURI = errors.New("no fetcher configured for external resource")
)

// Source describes where an asset came from.
type Source struct {
	BasePath string            // directory of the asset, with trailing slash
	FileMap  map[string]string // optional override for user-imported files
}

// Loader resolves buffers, buffer views and external resources of one
// document. It is built at the start of an analysis and dropped at its end.
type Loader struct {
	doc     *gltf.Document
	bin     []byte
	src     Source
	fetcher resource.Fetcher
	cache   *Cache
	group   singleflight.Group
}

// NewLoader creates a loader for doc. bin is the GLB binary chunk, if any.
func NewLoader(doc *gltf.Document, bin []byte, src Source, fetcher resource.Fetcher) *Loader {
	return &Loader{
		doc:     doc,
		bin:     bin,
		src:     src,
		fetcher: fetcher,
		cache:   NewCache(),
	}
}

// Buffer returns the bytes of buffer i, fetching it at most once per run.
func (l *Loader) Buffer(ctx context.Context, i int) ([]byte, error) {
	if data, ok := l.cache.Get(i); ok {
		return data, nil
	}

	v, err, _ := l.group.Do(strconv.Itoa(i), func() (any, error) {
		if data, ok := l.cache.peek(i); ok {
			return data, nil
		}
		data, err := l.loadBuffer(ctx, i)
		if err != nil {
			return nil, err
		}
		l.cache.Set(i, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (l *Loader) loadBuffer(ctx context.Context, i int) ([]byte, error) {
	if i < 0 || i >= len(l.doc.Buffers) {
		return nil, fmt.Errorf("%w: buffer %d not defined", ErrMissingBuffer, i)
	}

	def := l.doc.Buffers[i]
	if def.URI == "" {
		if l.bin == nil {
			return nil, fmt.Errorf("%w: buffer %d has no uri and no GLB binary chunk", ErrMissingBuffer, i)
		}
		return l.bin, nil
	}

	data, err := l.Fetch(ctx, def.URI)
	if err != nil {
		return nil, fmt.Errorf("loading buffer %d: %w", i, err)
	}
	return data, nil
}

// BufferView returns the byte range of buffer view i.
func (l *Loader) BufferView(ctx context.Context, i int) ([]byte, error) {
	if i < 0 || i >= len(l.doc.BufferViews) {
		return nil, fmt.Errorf("%w: bufferView %d not defined", ErrBufferViewRange, i)
	}

	view := l.doc.BufferViews[i]
	data, err := l.Buffer(ctx, view.Buffer)
	if err != nil {
		return nil, err
	}

	start, end := view.ByteOffset, view.ByteOffset+view.ByteLength
	if start < 0 || view.ByteLength < 0 || end > len(data) {
		return nil, fmt.Errorf("%w: bufferView %d [%d, %d) exceeds buffer %d of %d bytes",
			ErrBufferViewRange, i, start, end, view.Buffer, len(data))
	}
	return data[start:end], nil
}

// Fetch resolves a document-relative reference and returns its bytes.
func (l *Loader) Fetch(ctx context.Context, ref string) ([]byte, error) {
	location := resource.Resolve(ref, l.src.BasePath, l.src.FileMap)
	if resource.IsDataURI(location) {
		return resource.DecodeDataURI(location)
	}
	if l.fetcher == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcherForURI, location)
	}
	return l.fetcher.Fetch(ctx, location)
}

// CacheStats returns buffer cache hits and misses for this run, and the
// number of distinct buffers loaded.
func (l *Loader) CacheStats() (hits, misses, buffers int) {
	hits, misses = l.cache.Stats()
	return hits, misses, l.cache.Len()
}

// Cache holds the buffers fetched during one run, keyed by buffer index.
type Cache struct {
	data map[int][]byte
	mu   sync.RWMutex

	// Stats
	hits   int
	misses int
}

// NewCache creates a new cache.
func NewCache() *Cache {
	return &Cache{
		data: make(map[int][]byte),
	}
}

// Get retrieves a buffer from cache.
func (c *Cache) Get(index int) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.data[index]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

// peek looks up a buffer without touching the counters.
func (c *Cache) peek(index int) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[index]
	return data, ok
}

// Set stores a buffer in cache.
func (c *Cache) Set(index int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[index] = data
}

// Len returns the number of cached buffers.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Stats returns cache statistics.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
