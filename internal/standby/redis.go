package standby

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLockProvider implements LockProvider with a single Redis key.
// Acquisition is SET NX with a TTL; refresh and release are ownership-
// checked Lua scripts so a lapsed holder can never clobber the new one.
type RedisLockProvider struct {
	client *redis.Client
}

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// NewRedisLockProvider connects and verifies reachability.
func NewRedisLockProvider(addr string) (*RedisLockProvider, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	slog.Info("Connected to Redis for leader election", "addr", addr)
	return &RedisLockProvider{client: client}, nil
}

func (p *RedisLockProvider) TryAcquire(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	return p.client.SetNX(ctx, key, instanceID, ttl).Result()
}

func (p *RedisLockProvider) Refresh(ctx context.Context, key, instanceID string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, p.client, []string{key}, instanceID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *RedisLockProvider) Release(ctx context.Context, key, instanceID string) error {
	_, err := releaseScript.Run(ctx, p.client, []string{key}, instanceID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func (p *RedisLockProvider) GetHolder(ctx context.Context, key string) (string, error) {
	holder, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return holder, err
}

func (p *RedisLockProvider) IsAvailable(ctx context.Context) bool {
	return p.client.Ping(ctx).Err() == nil
}

func (p *RedisLockProvider) Close() error {
	return p.client.Close()
}

var _ LockProvider = (*RedisLockProvider)(nil)
