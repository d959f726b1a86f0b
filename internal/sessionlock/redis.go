package sessionlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if it is still owned by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock's expiry only if the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX. The TTL bounds how long a
// crashed holder can block a session; a live holder renews it every third of
// the TTL until unlock. Waiters poll, so they are not served in arrival order.
// A holder whose renewal finds the key gone or reassigned logs the loss and
// carries on without exclusivity; the Locker interface has no way to abort the
// turn in progress.
type RedisLocker struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	retryEvery time.Duration
}

// Compile-time check that RedisLocker implements Locker.
var _ Locker = (*RedisLocker)(nil)

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithPrefix sets the key namespace.
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithTTL sets the lock expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryInterval sets how often a blocked Lock call retries.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retryEvery = d
		}
	}
}

func NewRedisLocker(client redis.UniversalClient, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:     client,
		prefix:     "flowpipe:session-lock:",
		ttl:        30 * time.Second,
		retryEvery: 25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire session lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryEvery):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				slog.Warn("RedisLocker.Lock: release failed, lock will expire", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(redisKey, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := l.ttl / 3
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			n, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				slog.Warn("RedisLocker.renew: renewal failed, retrying", "key", key, "error", err)
				continue
			}
			if n == 0 {
				slog.Error("RedisLocker.renew: lock lost before release", "key", key)
				return
			}
		}
	}
}
