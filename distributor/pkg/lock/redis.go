package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLockerConfig struct {
	Logger *slog.Logger
	Client redis.UniversalClient
	Prefix string
}

func (cfg *RedisLockerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("redis client is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "distributor:lock:"
	}
	return nil
}

// RedisLocker shares the lock between every distributor process pointed at the
// same Redis.
type RedisLocker struct {
	log *slog.Logger
	cfg RedisLockerConfig
}

func NewRedisLocker(cfg RedisLockerConfig) (*RedisLocker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RedisLocker{log: cfg.Logger, cfg: cfg}, nil
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	full := l.cfg.Prefix + key
	ok, err := l.cfg.Client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, key)
	}
	l.log.Debug("lock: acquired", "key", full, "ttl", ttl)
	return &redisLease{locker: l, key: key, full: full, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	full   string
	token  string
}

func (r *redisLease) Key() string { return r.key }

func (r *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.locker.cfg.Client, []string{r.full}, r.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", r.key, err)
	}
	if n == 0 {
		r.locker.log.Warn("lock: lease expired before release", "key", r.full)
	}
	return nil
}
