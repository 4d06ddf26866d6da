package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryThrottle_CapAndRollover(t *testing.T) {
	t.Parallel()

	th := NewMemoryThrottle(5)
	ctx := context.Background()

	day := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	th.now = func() time.Time { return day }

	for i := 0; i < 5; i++ {
		if ok, _ := th.TryConsume(ctx, "alice"); !ok {
			t.Fatalf("expected TryConsume %d to succeed", i+1)
		}
	}
	if ok, _ := th.TryConsume(ctx, "alice"); ok {
		t.Fatalf("expected denial at the cap")
	}

	left, _ := th.Remaining(ctx, "alice")
	if left != 0 {
		t.Fatalf("expected remaining=0, got %d", left)
	}

	th.now = func() time.Time { return day.Add(24 * time.Hour) }

	if ok, _ := th.TryConsume(ctx, "alice"); !ok {
		t.Fatalf("expected fresh allowance on the next day")
	}
}

func TestMemoryThrottle_ConcurrentConsumesExactlyMax(t *testing.T) {
	t.Parallel()

	th := NewMemoryThrottle(5)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		successes atomic.Int64
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := th.TryConsume(ctx, "bob"); ok {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 5 {
		t.Fatalf("expected exactly 5 successes, got %d", got)
	}
}

func TestMemoryThrottle_DefaultMax(t *testing.T) {
	t.Parallel()

	th := NewMemoryThrottle(0)

	left, _ := th.Remaining(context.Background(), "carol")
	if left != DefaultDailyMax {
		t.Fatalf("expected default max %d, got %d", DefaultDailyMax, left)
	}
}

func TestMemoryThrottle_RefundHandsUnitBack(t *testing.T) {
	t.Parallel()

	th := NewMemoryThrottle(5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if ok, _ := th.TryConsume(ctx, "alice"); !ok {
			t.Fatalf("expected TryConsume %d to succeed", i+1)
		}
	}

	if err := th.Refund(ctx, "alice"); err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if left, _ := th.Remaining(ctx, "alice"); left != 1 {
		t.Fatalf("expected remaining=1 after refund, got %d", left)
	}
	if ok, _ := th.TryConsume(ctx, "alice"); !ok {
		t.Fatalf("expected the refunded unit to be consumable")
	}

	// Refund without a prior consume never drives the count negative.
	if err := th.Refund(ctx, "nobody"); err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if left, _ := th.Remaining(ctx, "nobody"); left != 5 {
		t.Fatalf("expected full allowance, got %d", left)
	}
}
