package repository

import (
	"context"
	"time"
)

// StateStore is a shared low-latency key/value and list store. Keys are
// scoped by the implementation's namespace.
type StateStore interface {
	// Set stores value under key, expiring after ttl (no expiry when ttl is zero).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns entity.ErrNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	// Append pushes value to the tail of the list and returns the new length.
	Append(ctx context.Context, key string, value []byte) (int64, error)
	// SetIndex overwrites the list element at index.
	SetIndex(ctx context.Context, key string, index int64, value []byte) error
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Len(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// JobQueue hands deferred job IDs to background workers.
type JobQueue interface {
	Enqueue(ctx context.Context, jobId string) error
	// Dequeue blocks up to wait and returns entity.ErrNotFound when nothing arrived.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
}
