package docdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores each collection as a hash keyed by document id.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisBackend connects to Redis and verifies the connection.
func NewRedisBackend(ctx context.Context, opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "posync"
	}
	return &RedisBackend{client: client, prefix: prefix}, nil
}

func (r *RedisBackend) key(collection string) string {
	return r.prefix + ":doc:" + collection
}

func (r *RedisBackend) Get(ctx context.Context, collection, id string) ([]byte, error) {
	v, err := r.client.HGet(ctx, r.key(collection), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoDocument
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget %s/%s: %w", collection, id, err)
	}
	return v, nil
}

func (r *RedisBackend) All(ctx context.Context, collection string) (map[string][]byte, error) {
	m, err := r.client.HGetAll(ctx, r.key(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", collection, err)
	}
	out := make(map[string][]byte, len(m))
	for id, v := range m {
		out[id] = []byte(v)
	}
	return out, nil
}

// Commit applies ops inside MULTI/EXEC.
func (r *RedisBackend) Commit(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range ops {
			if op.Delete {
				pipe.HDel(ctx, r.key(op.Collection), op.ID)
				continue
			}
			pipe.HSet(ctx, r.key(op.Collection), op.ID, op.Value)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis commit of %d ops: %w", len(ops), err)
	}
	return nil
}

func (r *RedisBackend) NextSequence(ctx context.Context, name string) (int64, error) {
	n, err := r.client.Incr(ctx, r.prefix+":seq:"+name).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", name, err)
	}
	return n, nil
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
