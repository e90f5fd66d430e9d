package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared by several bot instances. Each lock carries a TTL
// so a crashed holder cannot wedge an event forever.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// NewRedis creates a Redis-backed locker. ttl bounds how long a holder may
// keep the lock; it must exceed the slowest locked section (store round trips).
func NewRedis(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl, poll: 25 * time.Millisecond, logger: logger}
}

// Lock implements Locker. It polls SET NX with a growing delay capped at 500ms.
func (r *Redis) Lock(ctx context.Context, eventID int64) (func(), error) {
	key := Key(eventID)
	token := uuid.New().String()
	delay := r.poll
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if delay < 500*time.Millisecond {
			delay *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context: the caller's may already be done.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(rctx, r.client, []string{key}, token).Int()
			if err != nil && !errors.Is(err, redis.Nil) {
				r.logger.Warn("release roster lock failed", zap.String("key", key), zap.Error(err))
				return
			}
			if n == 0 {
				r.logger.Warn("roster lock expired before release", zap.String("key", key), zap.Duration("ttl", r.ttl))
			}
		})
	}, nil
}
