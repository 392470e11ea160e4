package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stagegate/stagegate/internal/api"
)

// updateRetries bounds optimistic WATCH transactions before giving up.
const updateRetries = 16

// RedisStore backs the engine with Redis. Counter fields map onto hash
// fields so HINCRBYFLOAT gives per-counter atomicity without any
// process-wide lock; Update uses WATCH-based optimistic transactions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis connection failed: %v", api.ErrStoreUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis GET %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return data, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("%w: redis SET %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (r *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	wasSet, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: redis SETNX %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return wasSet, nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: redis DEL %s: %v", api.ErrStoreUnavailable, key, err)
	}
	return nil
}

func (r *RedisStore) IncrByFloat(ctx context.Context, key, field string, delta float64) error {
	if err := r.client.HIncrByFloat(ctx, key, field, delta).Err(); err != nil {
		return fmt.Errorf("%w: redis HINCRBYFLOAT %s.%s: %v", api.ErrStoreUnavailable, key, field, err)
	}
	return nil
}

func (r *RedisStore) Fields(ctx context.Context, key string) (map[string]float64, error) {
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis HGETALL %s: %v", api.ErrStoreUnavailable, key, err)
	}

	out := make(map[string]float64, len(raw))
	for field, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric counter %s.%s = %q", key, field, s)
		}
		out[field] = v
	}
	return out, nil
}

func (r *RedisStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			current = nil
		} else if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	for i := 0; i < updateRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue // key changed under us, retry
		}
		if ctx.Err() != nil || isRedisInfra(err) {
			return fmt.Errorf("%w: redis WATCH %s: %v", api.ErrStoreUnavailable, key, err)
		}
		return err // error from fn
	}
	return fmt.Errorf("%w: redis WATCH %s: contention exceeded %d retries", api.ErrStoreUnavailable, key, updateRetries)
}

func isRedisInfra(err error) bool {
	_, isRedis := err.(redis.Error)
	return isRedis
}

func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: redis PING: %v", api.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
