package usage

import (
	"context"
	"sync"
)

// MemoryStorage implements Storage in memory.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string]*Data
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string]*Data)}
}

func (s *MemoryStorage) Get(_ context.Context, id string) (*Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.data[id]; ok {
		// return copy to avoid race on mutation outside lock
		val := *d
		return &val, nil
	}
	return nil, nil
}

func (s *MemoryStorage) Set(_ context.Context, id string, d *Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := *d
	s.data[id] = &val
	return nil
}
