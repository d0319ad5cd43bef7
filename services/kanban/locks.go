package kanban

import "sync"

// boardLocks serialises work per board id while letting different boards
// proceed concurrently.
type boardLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *boardLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
