package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"liqflow/logger"
)

// RedisOptions configures a direct Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// Redis is a Counter speaking the Redis protocol directly. It keeps the same
// chunking contract as the REST backend.
type Redis struct {
	rdb redis.UniversalClient
	log *logger.Log
}

var _ Counter = (*Redis)(nil)

func NewRedis(opts RedisOptions) (*Redis, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, ErrMissingCredentials
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return NewRedisFromClient(rdb), nil
}

func NewRedisFromClient(rdb redis.UniversalClient) *Redis {
	return &Redis{rdb: rdb, log: logger.GetLogger()}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) IncrByFloat(ctx context.Context, key string, amount float64) error {
	if err := r.rdb.IncrByFloat(ctx, key, amount).Err(); err != nil {
		return fmt.Errorf("store incrbyfloat: %w", err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store expire: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (Value, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	return strValue(v), nil
}

func (r *Redis) MGet(ctx context.Context, keys []string) ([]Value, error) {
	values := make([]Value, len(keys))
	var errs []error
	offset := 0
	for _, chunk := range chunks(keys, MaxKeysPerCall) {
		start := offset
		offset += len(chunk)

		res, err := r.rdb.MGet(ctx, chunk...).Result()
		if err != nil {
			r.log.WithComponent("store").WithError(err).WithFields(logger.Fields{
				"operation":  "mget",
				"chunk_keys": len(chunk),
				"offset":     start,
			}).Warn("mget chunk failed; skipping")
			errs = append(errs, fmt.Errorf("store mget: %w", err))
			continue
		}
		for i, item := range res {
			if s, ok := item.(string); ok {
				values[start+i] = strValue(s)
			}
		}
	}
	return values, errors.Join(errs...)
}

func (r *Redis) Del(ctx context.Context, keys []string) (int64, error) {
	var deleted int64
	var errs []error
	for _, chunk := range chunks(keys, MaxKeysPerCall) {
		n, err := r.rdb.Del(ctx, chunk...).Result()
		if err != nil {
			r.log.WithComponent("store").WithError(err).WithFields(logger.Fields{
				"operation":  "del",
				"chunk_keys": len(chunk),
			}).Warn("del chunk failed; skipping")
			errs = append(errs, fmt.Errorf("store del: %w", err))
			continue
		}
		deleted += n
	}
	return deleted, errors.Join(errs...)
}
