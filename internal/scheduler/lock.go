package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out named, expiring locks so a sweep never overlaps with
// itself. ok is false when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

var redisUnlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker shares locks across replicas through Redis.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker constructs a RedisLocker. Keys are prefix:name.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "billing:lock"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock sets the key with NX and a TTL; release deletes it only while this
// holder still owns it.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + ":" + name
	token := uuid.NewString()
	acquired, errSet := l.client.SetNX(ctx, key, token, ttl).Result()
	if errSet != nil {
		return nil, false, errSet
	}
	if !acquired {
		return nil, false, nil
	}
	release := func() {
		ctxRelease, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = redisUnlockScript.Run(ctxRelease, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// MemoryLocker keeps locks in process.
type MemoryLocker struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]memoryLock
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{now: time.Now, locks: make(map[string]memoryLock)}
}

// TryLock implements Locker.
func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.locks[name]; ok && now.Before(held.expires) {
		return nil, false, nil
	}
	token := uuid.NewString()
	l.locks[name] = memoryLock{token: token, expires: now.Add(ttl)}
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if held, ok := l.locks[name]; ok && held.token == token {
			delete(l.locks, name)
		}
	}
	return release, true, nil
}
