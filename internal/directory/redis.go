package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/guided-traffic/s3-bucket-proxy/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisGetter is the part of a redis client the directory needs.
type RedisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis reads bucket records stored as JSON strings under <key_prefix><bucket>.
type Redis struct {
	client    RedisGetter
	closer    func() error
	keyPrefix string
}

// NewRedis connects a redis backed directory.
func NewRedis(cfg config.RedisDirectoryConfig) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{
		client:    client,
		closer:    client.Close,
		keyPrefix: cfg.KeyPrefix,
	}
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client RedisGetter, keyPrefix string) *Redis {
	return &Redis{client: client, keyPrefix: keyPrefix}
}

// Lookup returns the record for name.
func (r *Redis) Lookup(ctx context.Context, name string) ([]byte, error) {
	blob, err := r.client.Get(ctx, r.keyPrefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis lookup failed: %w", err)
	}
	return blob, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}
