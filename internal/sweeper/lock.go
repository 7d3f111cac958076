package sweeper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is a best-effort mutual exclusion across processes. TryLock reports false
// when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker holds the sweep lock as a redis key with a TTL, so a crashed holder
// releases it when the TTL lapses.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// NewRedisLocker returns a locker on "<prefix>:sweeper:lock".
func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = "resumevault"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, key: prefix + ":sweeper:lock", ttl: ttl}
}

// TryLock attempts SET NX with the configured TTL.
func (l *RedisLocker) TryLock(ctx context.Context) (func(context.Context) error, bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis set sweep lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("redis release sweep lock: %w", err)
		}
		return nil
	}
	return release, true, nil
}

var _ Locker = (*RedisLocker)(nil)
