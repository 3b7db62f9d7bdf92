// Package blob is the key/value object storage shared by room snapshots and
// uploaded assets.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"altar/api/internal/apperr"
)

type Object struct {
	Key         string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// Bucket stores immutable-by-convention objects. Get and Stat return an error
// wrapping apperr.ErrNotFound when the key is absent.
type Bucket interface {
	Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	Ping(ctx context.Context) error
}

// MemoryBucket keeps objects in process memory. It backs development runs and
// tests.
type MemoryBucket struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	contentType string
	data        []byte
}

func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{objects: map[string]memoryObject{}}
}

func (b *MemoryBucket) Put(ctx context.Context, key, contentType string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return apperr.InvalidInput("object %s: declared %d bytes, read %d", key, size, len(data))
	}
	b.mu.Lock()
	b.objects[key] = memoryObject{contentType: contentType, data: data}
	b.mu.Unlock()
	return nil
}

func (b *MemoryBucket) Get(ctx context.Context, key string) (Object, error) {
	b.mu.RLock()
	obj, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return Object{}, apperr.NotFound("object %s", key)
	}
	return Object{
		Key:         key,
		ContentType: obj.contentType,
		Size:        int64(len(obj.data)),
		Body:        io.NopCloser(bytes.NewReader(obj.data)),
	}, nil
}

func (b *MemoryBucket) Stat(ctx context.Context, key string) (Object, error) {
	b.mu.RLock()
	obj, ok := b.objects[key]
	b.mu.RUnlock()
	if !ok {
		return Object{}, apperr.NotFound("object %s", key)
	}
	return Object{Key: key, ContentType: obj.contentType, Size: int64(len(obj.data))}, nil
}

func (b *MemoryBucket) Ping(context.Context) error {
	return nil
}
