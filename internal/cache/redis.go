// Package cache shares weight snapshots and the weighting pass lock between
// processes through Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/atlas-desktop/signal-consensus/pkg/types"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// DefaultRedisConfig returns a disabled local configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:        "localhost:6379",
		KeyPrefix:   "consensus:",
		DialTimeout: 5 * time.Second,
		LockTTL:     10 * time.Minute,
	}
}

// NewClient opens a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// WeightCache stores the latest published weight table.
type WeightCache struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewWeightCache creates a weight table cache under prefix.
func NewWeightCache(logger *zap.Logger, client *redis.Client, prefix string) *WeightCache {
	return &WeightCache{
		client: client,
		key:    prefix + "weights:current",
		logger: logger.Named("weight-cache"),
	}
}

// Save writes table as JSON without expiry.
func (c *WeightCache) Save(ctx context.Context, table *types.WeightTable) error {
	raw, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("failed to marshal weight table: %w", err)
	}
	if err := c.client.Set(ctx, c.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("failed to store weight table: %w", err)
	}
	c.logger.Debug("Cached weight table", zap.Int64("version", table.Version()))
	return nil
}

// Load returns the cached table, or nil when none has been stored.
func (c *WeightCache) Load(ctx context.Context) (*types.WeightTable, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load weight table: %w", err)
	}

	var table types.WeightTable
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to parse weight table: %w", err)
	}
	return &table, nil
}

// releaseScript deletes the lock only if this holder still owns it.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// PassLock is a SET NX lock with expiry. The TTL bounds how long a crashed
// holder can block other passes.
type PassLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewPassLock creates a lock named name under prefix.
func NewPassLock(client *redis.Client, prefix, name string, ttl time.Duration) *PassLock {
	return &PassLock{
		client: client,
		key:    prefix + "lock:" + name,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// Acquire tries to take the lock without waiting.
func (l *PassLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return ok, nil
}

// Release frees the lock if it is still held by this instance.
func (l *PassLock) Release(ctx context.Context) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}
