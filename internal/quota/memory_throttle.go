package quota

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryThrottle is the single-process fallback used when Redis is disabled,
// and in tests. Counters are keyed by (userId, UTC date) under one mutex, so
// increments for the same key are serialized.
type MemoryThrottle struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
	now    func() time.Time
}

func NewMemoryThrottle(max int) *MemoryThrottle {
	if max <= 0 {
		max = DefaultDailyMax
	}
	return &MemoryThrottle{
		counts: make(map[string]int),
		max:    max,
		now:    time.Now,
	}
}

func (t *MemoryThrottle) TryConsume(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.key(userID)
	if t.counts[key] >= t.max {
		return false, nil
	}
	t.counts[key]++
	return true, nil
}

func (t *MemoryThrottle) Refund(_ context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := t.key(userID)
	if t.counts[key] > 0 {
		t.counts[key]--
	}
	return nil
}

func (t *MemoryThrottle) Remaining(_ context.Context, userID string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	left := t.max - t.counts[t.key(userID)]
	if left < 0 {
		left = 0
	}
	return left, nil
}

func (t *MemoryThrottle) key(userID string) string {
	return fmt.Sprintf("%s:%s", userID, t.now().UTC().Format("2006-01-02"))
}
