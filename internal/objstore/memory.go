package objstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore is an in-memory Store for tests and local runs.
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (m *MemStore) UploadManifest(_ context.Context, body []byte) (Upload, error) {
	hash := DigestHex(body)
	url := fmt.Sprintf("mem://manifests/s3%s", hash)

	m.mu.Lock()
	m.objects[url] = append([]byte(nil), body...)
	m.mu.Unlock()

	return Upload{URL: url, Hash: hash}, nil
}

func (m *MemStore) Download(_ context.Context, url string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[url]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	return append([]byte(nil), body...), nil
}

// Put seeds a document under an arbitrary URL.
func (m *MemStore) Put(url string, body []byte) {
	m.mu.Lock()
	m.objects[url] = append([]byte(nil), body...)
	m.mu.Unlock()
}
