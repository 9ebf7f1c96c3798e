package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"vspeech/pkg/domain"
)

// MemoryStore keeps index metadata in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	indexes    map[string]*domain.Index
	orders     []string
	names      map[string]string // name -> index ID
	paths      map[string]string // path -> index ID
	nextFileID int64
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		indexes: make(map[string]*domain.Index),
		names:   make(map[string]string),
		paths:   make(map[string]string),
	}
}

func (m *MemoryStore) CreateIndex(name string, paths []string) (domain.Index, error) {
	paths = dedupe(paths)
	if len(paths) == 0 {
		return domain.Index{}, errNoPaths
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.names[name]; ok {
		return domain.Index{}, ErrDuplicateName
	}
	for _, p := range paths {
		if _, ok := m.paths[p]; ok {
			return domain.Index{}, ErrPathConflict
		}
	}
	idx := &domain.Index{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Status:    domain.StatusProcessing,
	}
	for _, p := range paths {
		idx.Files = append(idx.Files, m.newFileLocked(idx.ID, p))
	}
	m.indexes[idx.ID] = idx
	m.orders = append(m.orders, idx.ID)
	m.names[name] = idx.ID
	return cloneIndex(idx), nil
}

func (m *MemoryStore) newFileLocked(indexID, path string) domain.File {
	m.nextFileID++
	m.paths[path] = indexID
	return domain.File{ID: m.nextFileID, IndexID: indexID, Path: path, Status: domain.StatusWaiting}
}

// ListIndexes returns indexes in creation order.
func (m *MemoryStore) ListIndexes() ([]domain.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Index, 0, len(m.orders))
	for _, id := range m.orders {
		if idx, ok := m.indexes[id]; ok {
			out = append(out, cloneIndex(idx))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetIndex(id string) (domain.Index, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[id]
	if !ok {
		return domain.Index{}, false, nil
	}
	return cloneIndex(idx), true, nil
}

func (m *MemoryStore) SetIndexStatus(id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[id]
	if !ok {
		return ErrIndexNotFound
	}
	idx.Status = status
	return nil
}

func (m *MemoryStore) AddFiles(indexID string, paths []string) ([]domain.File, error) {
	paths = dedupe(paths)
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[indexID]
	if !ok {
		return nil, ErrIndexNotFound
	}
	var fresh []string
	for _, p := range paths {
		owner, exists := m.paths[p]
		if !exists {
			fresh = append(fresh, p)
			continue
		}
		if owner != indexID {
			return nil, ErrPathConflict
		}
	}
	added := make([]domain.File, 0, len(fresh))
	for _, p := range fresh {
		f := m.newFileLocked(indexID, p)
		idx.Files = append(idx.Files, f)
		added = append(added, f)
	}
	if len(added) > 0 {
		idx.Status = domain.StatusProcessing
	}
	return added, nil
}

func (m *MemoryStore) SetFileStatus(indexID, path string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[indexID]
	if !ok {
		return ErrFileNotFound
	}
	for i := range idx.Files {
		if idx.Files[i].Path == path {
			idx.Files[i].Status = status
			return nil
		}
	}
	return ErrFileNotFound
}

func (m *MemoryStore) RemoveFile(indexID, path string) (domain.File, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[indexID]
	if !ok {
		return domain.File{}, false, nil
	}
	for i, f := range idx.Files {
		if f.Path == path {
			idx.Files = append(idx.Files[:i], idx.Files[i+1:]...)
			delete(m.paths, path)
			return f, true, nil
		}
	}
	return domain.File{}, false, nil
}

func (m *MemoryStore) DeleteIndex(id string) (domain.Index, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[id]
	if !ok {
		return domain.Index{}, false, nil
	}
	for _, f := range idx.Files {
		delete(m.paths, f.Path)
	}
	delete(m.names, idx.Name)
	delete(m.indexes, id)
	for i, oid := range m.orders {
		if oid == id {
			m.orders = append(m.orders[:i], m.orders[i+1:]...)
			break
		}
	}
	return cloneIndex(idx), true, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneIndex(idx *domain.Index) domain.Index {
	out := *idx
	out.Files = append([]domain.File(nil), idx.Files...)
	if out.Files == nil {
		out.Files = []domain.File{}
	}
	return out
}
