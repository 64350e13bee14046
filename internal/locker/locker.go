package locker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wagate:lock:"

// DefaultTTL is sized above the longest legitimate critical section: a full
// pairing attempt cycle with every attempt rate-limited runs just over three
// minutes, so a crashed holder self-expires without ever racing a live one.
const DefaultTTL = 240 * time.Second

// releaseScript deletes the key only while this holder still owns it, so a
// holder whose lock expired and was re-acquired elsewhere cannot drop the new
// holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// extendScript re-arms the TTL only while this holder still owns the key.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// Locker is a per-key mutual-exclusion primitive over Redis. It works across
// process instances, not just within one process. When Redis is unreachable it
// fails closed: Acquire returns an error and the caller must abort.
type Locker struct {
	rdb    redis.UniversalClient
	holder string
	ttl    time.Duration
}

func New(rdb redis.UniversalClient, holder string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{rdb: rdb, holder: holder, ttl: ttl}
}

// Acquire attempts to take the lock without blocking. It returns false when
// the lock is already held by any holder.
func (l *Locker) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, l.holder, l.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "locker: acquire %s", key)
	}
	return ok, nil
}

// Extend re-arms the full TTL while the critical section is still running.
// Callers facing a long pause inside the section renew before pausing. A lock
// that already expired or changed hands is left alone.
func (l *Locker) Extend(ctx context.Context, key string) error {
	err := extendScript.Run(ctx, l.rdb,
		[]string{keyPrefix + key}, l.holder, l.ttl.Milliseconds()).Err()
	if err != nil {
		return errors.Wrapf(err, "locker: extend %s", key)
	}
	return nil
}

// Release drops the lock if this holder still owns it. Releasing a lock that
// expired, changed hands or was never held is not an error.
func (l *Locker) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + key}, l.holder).Err(); err != nil {
		return errors.Wrapf(err, "locker: release %s", key)
	}
	return nil
}
