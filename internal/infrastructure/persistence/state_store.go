package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/redis/go-redis/v9"
)

// RedisStateStore implements repository.StateStore on top of Redis. Every key
// is prefixed with the namespace.
type RedisStateStore struct {
	rdb       redis.UniversalClient
	namespace string
}

func NewRedisStateStore(rdb redis.UniversalClient, namespace string) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, namespace: namespace}
}

func (s *RedisStateStore) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + ":" + k
}

func (s *RedisStateStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.key(key), value, ttl).Err()
}

func (s *RedisStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, entity.ErrNotFound
	}
	return val, err
}

func (s *RedisStateStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	scoped := make([]string, len(keys))
	for i, k := range keys {
		scoped[i] = s.key(k)
	}
	return s.rdb.Del(ctx, scoped...).Err()
}

func (s *RedisStateStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	return s.rdb.RPush(ctx, s.key(key), value).Result()
}

func (s *RedisStateStore) SetIndex(ctx context.Context, key string, index int64, value []byte) error {
	return s.rdb.LSet(ctx, s.key(key), index, value).Err()
}

func (s *RedisStateStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStateStore) Len(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, s.key(key)).Result()
}

func (s *RedisStateStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, s.key(key), ttl).Err()
}

func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// RedisJobQueue is a FIFO list of job IDs shared by all workers.
type RedisJobQueue struct {
	rdb redis.UniversalClient
	key string
}

func NewRedisJobQueue(rdb redis.UniversalClient, namespace string) *RedisJobQueue {
	key := "jobs:queue"
	if namespace != "" {
		key = namespace + ":" + key
	}
	return &RedisJobQueue{rdb: rdb, key: key}
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, jobId string) error {
	return q.rdb.LPush(ctx, q.key, jobId).Err()
}

func (q *RedisJobQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.rdb.BRPop(ctx, wait, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", entity.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// BRPOP replies with the list name followed by the element.
	return res[1], nil
}
