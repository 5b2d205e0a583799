// Package memory provides an in-memory blob store for local development and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/docstream/ingestor/internal/ingest"
)

type object struct {
	contentType string
	data        []byte
}

// BlobStore keeps objects in a map. URIs use the mem:// scheme.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore constructs an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject stores data under path and returns its URI. Existing objects are
// overwritten.
func (b *BlobStore) PutObject(_ context.Context, path string, contentType string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	b.objects[path] = object{contentType: contentType, data: cp}
	return "mem://" + path, nil
}

// GetObject returns the stored bytes and content type for path.
func (b *BlobStore) GetObject(_ context.Context, path string) ([]byte, string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	obj, ok := b.objects[path]
	if !ok {
		return nil, "", ingest.ErrNotFound
	}
	cp := make([]byte, len(obj.data))
	copy(cp, obj.data)
	return cp, obj.contentType, nil
}
