package registry

import (
	"context"
	"sync"
)

// Store persists fleet records across registry restarts.
type Store interface {
	Save(ctx context.Context, rec Record) error
	LoadAll(ctx context.Context) ([]Record, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Save keeps rec unless a record seen later is already stored.
func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.MachineID]; ok && prev.LastSeenAt.After(rec.LastSeenAt) {
		return nil
	}
	s.records[rec.MachineID] = rec
	return nil
}

func (s *MemoryStore) LoadAll(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}
