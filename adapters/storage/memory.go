package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/satriahrh/voicechat/domain/repositories"
)

// MemoryPrefix marks references handed out by MemoryStore. They are not
// fetchable by a browser, so clients receive the audio inline.
const MemoryPrefix = "memory://"

type object struct {
	data        []byte
	contentType string
}

// MemoryStore keeps synthesized chunks in process memory, bounded to the
// most recent maxObjects entries
type MemoryStore struct {
	mu         sync.Mutex
	objects    map[string]object
	order      []string
	maxObjects int
}

var _ repositories.ChunkStore = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store holding at most maxObjects chunks.
// A non-positive limit keeps 1024.
func NewMemoryStore(maxObjects int) *MemoryStore {
	if maxObjects <= 0 {
		maxObjects = 1024
	}
	return &MemoryStore{objects: make(map[string]object), maxObjects: maxObjects}
}

// Put implements repositories.ChunkStore
func (m *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if key == "" {
		return "", errors.New("key cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.objects[key]; !exists {
		m.order = append(m.order, key)
	}
	m.objects[key] = object{data: append([]byte(nil), data...), contentType: contentType}

	for len(m.order) > m.maxObjects {
		delete(m.objects, m.order[0])
		m.order = m.order[1:]
	}
	return MemoryPrefix + key, nil
}

// Get returns a stored chunk and its content type
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, exists := m.objects[key]
	if !exists {
		return nil, "", fmt.Errorf("chunk %s: %w", key, repositories.ErrNotFound)
	}
	return obj.data, obj.contentType, nil
}
