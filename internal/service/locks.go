package service

import "sync"

// keyedLocks grants exclusive ownership of a message id for the duration of a
// resolution (dispatch, review, cancel). Acquisition never blocks: the loser
// of a race is told immediately so it can surface ErrConflict.
type keyedLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{held: make(map[string]struct{})}
}

func (l *keyedLocks) tryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[id]; taken {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *keyedLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
