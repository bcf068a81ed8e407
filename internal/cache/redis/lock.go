package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/orderflow/internal/domain"
)

// releaseScript deletes the lock only while it still holds our token, so a
// holder whose lock expired cannot drop the next owner's lock.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

const releaseTimeout = 5 * time.Second

// LockManager hands out token-checked SET NX locks. The archiver uses it so
// only one replica moves bars to cold storage per run.
type LockManager struct {
	rdb redis.UniversalClient
}

// NewLockManager creates a LockManager.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.rdb}
}

func lockKey(key string) string {
	return keyPrefix + "lock:" + key
}

// Acquire takes the lock for ttl. When another owner holds it the error
// wraps domain.ErrLockHeld and says how long that lock has left. The
// returned unlock func may be called more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := lockKey(key)
	token := uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		left, _ := lm.rdb.PTTL(ctx, lk).Result()
		return nil, fmt.Errorf("redis: lock %s (expires in %s): %w", key, left.Round(time.Second), domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Released on a fresh context: the caller's is often done by now.
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()
			_ = releaseScript.Run(rctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
