package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BillLockKey builds redis keys for per-bill critical sections.
func BillLockKey(billID int64) string {
	return fmt.Sprintf("billing:bill:%d:lock", billID)
}

// ErrLockNotAcquired is returned when the lock stays held past the caller's
// context deadline.
var ErrLockNotAcquired = errors.New("bill lock not acquired")

// BillLocker serializes read-modify-write cycles on a single bill. Settlement
// and claim transitions both read then write paid amounts and claim status,
// so every mutating service call holds the bill's lock for its duration.
type BillLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

// NewBillLocker constructs a locker. TTL bounds how long a crashed holder can
// block other writers.
func NewBillLocker(client *redis.Client, ttl time.Duration) *BillLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &BillLocker{client: client, ttl: ttl, retry: 25 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Acquire blocks until the per-bill lock is held or the context expires.
// The returned function releases the lock; it only deletes the key when the
// holder token still matches, so an expired lock never releases a successor.
func (l *BillLocker) Acquire(ctx context.Context, billID int64) (func(), error) {
	if l == nil || l.client == nil {
		return func() {}, nil
	}
	key := BillLockKey(billID)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: bill %d: %v", ErrLockNotAcquired, billID, ctx.Err())
		case <-time.After(l.retry):
		}
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
