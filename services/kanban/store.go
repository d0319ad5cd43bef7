package kanban

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// BoardStore persists boards by id.
type BoardStore interface {
	Get(ctx context.Context, id string) (Board, error)
	Put(ctx context.Context, board Board) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// BaseStore remembers, per board, the last copy agreed with the server.
// Client stores implement it so pushes carry only local edits.
type BaseStore interface {
	GetBase(ctx context.Context, id string) (Board, error)
	PutBase(ctx context.Context, board Board) error
}

// MemoryStore keeps boards in memory.
type MemoryStore struct {
	mu     sync.RWMutex
	boards map[string]Board
	bases  map[string]Board
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boards: make(map[string]Board), bases: make(map[string]Board)}
}

func (s *MemoryStore) Get(_ context.Context, id string) (Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.boards[id]
	if !ok {
		return Board{}, ErrBoardNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) Put(_ context.Context, board Board) error {
	if err := ValidateBoardID(board.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boards[board.ID] = board.Clone()
	return nil
}

func (s *MemoryStore) List(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.boards))
	for id := range s.boards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetBase(_ context.Context, id string) (Board, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bases[id]
	if !ok {
		return Board{}, ErrBoardNotFound
	}
	return b.Clone(), nil
}

func (s *MemoryStore) PutBase(_ context.Context, board Board) error {
	if err := ValidateBoardID(board.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bases[board.ID] = board.Clone()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// loadOrNew returns the stored board or an empty one when absent.
func loadOrNew(ctx context.Context, store BoardStore, id string) (Board, error) {
	b, err := store.Get(ctx, id)
	if err == nil {
		return b, nil
	}
	if errors.Is(err, ErrBoardNotFound) {
		return NewBoard(id), nil
	}
	return Board{}, err
}
