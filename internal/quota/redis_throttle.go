package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// counterTTL keeps stale day-keys from accumulating. Generously past the UTC
// day boundary; correctness comes from the date in the key, not the TTL.
const counterTTL = 48 * time.Hour

type RedisThrottle struct {
	rdb *redis.Client
	max int
	now func() time.Time
}

func NewRedisThrottle(rdb *redis.Client, max int) *RedisThrottle {
	if max <= 0 {
		max = DefaultDailyMax
	}
	return &RedisThrottle{rdb: rdb, max: max, now: time.Now}
}

func (t *RedisThrottle) TryConsume(ctx context.Context, userID string) (bool, error) {
	key := t.key(userID)

	n, err := t.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := t.rdb.Expire(ctx, key, counterTTL).Err(); err != nil {
			return false, err
		}
	}
	if n > int64(t.max) {
		// Over-increment: hand the unit back so Remaining stays accurate.
		if err := t.rdb.Decr(ctx, key).Err(); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (t *RedisThrottle) Refund(ctx context.Context, userID string) error {
	n, err := t.rdb.Decr(ctx, t.key(userID)).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		// Nothing was consumed today; undo the decrement.
		return t.rdb.Incr(ctx, t.key(userID)).Err()
	}
	return nil
}

func (t *RedisThrottle) Remaining(ctx context.Context, userID string) (int, error) {
	n, err := t.rdb.Get(ctx, t.key(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return t.max, nil
	}
	if err != nil {
		return 0, err
	}
	if n >= t.max {
		return 0, nil
	}
	return t.max - n, nil
}

func (t *RedisThrottle) key(userID string) string {
	return fmt.Sprintf("quota:%s:%s", userID, t.now().UTC().Format("2006-01-02"))
}
