package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"vspeech/pkg/domain"
)

// MemoryBackend keeps collections in process memory.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memoryCollection
}

type memoryCollection struct {
	records []Record
	byID    map[string]int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryBackend) EnsureCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		m.collections[collection] = &memoryCollection{byID: make(map[string]int)}
	}
	return nil
}

func (m *MemoryBackend) HasCollection(_ context.Context, collection string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[collection]
	return ok, nil
}

func (m *MemoryBackend) Add(_ context.Context, collection string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrIndexNotReady, collection)
	}
	for _, r := range records {
		r.Embedding = append([]float32(nil), r.Embedding...)
		if i, exists := c.byID[r.ID]; exists {
			c.records[i] = r
			continue
		}
		c.byID[r.ID] = len(c.records)
		c.records = append(c.records, r)
	}
	return nil
}

func (m *MemoryBackend) Search(_ context.Context, collection string, req SearchRequest) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotReady, collection)
	}
	return rank(c.records, req), nil
}

func (m *MemoryBackend) DeleteBySource(_ context.Context, collection, sourceFile string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return 0, nil
	}
	kept := c.records[:0]
	removed := 0
	c.byID = make(map[string]int, len(c.records))
	for _, r := range c.records {
		if r.SourceFile == sourceFile {
			removed++
			continue
		}
		c.byID[r.ID] = len(kept)
		kept = append(kept, r)
	}
	c.records = kept
	return removed, nil
}

func (m *MemoryBackend) DeleteCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collection)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
