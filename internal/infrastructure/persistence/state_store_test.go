package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/molpadia/molparelay/internal/domain/entity"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, srv
}

func TestStateStoreKeyValue(t *testing.T) {
	ctx := context.Background()
	rdb, srv := newTestRedis(t)
	s := NewRedisStateStore(rdb, "relay")

	_, err := s.Get(ctx, "session:1")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	require.NoError(t, s.Set(ctx, "session:1", []byte(`{"a":1}`), time.Minute))
	assert.True(t, srv.Exists("relay:session:1"))

	val, err := s.Get(ctx, "session:1")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(val))

	srv.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "session:1")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestStateStoreList(t *testing.T) {
	ctx := context.Background()
	rdb, srv := newTestRedis(t)
	s := NewRedisStateStore(rdb, "relay")

	for _, v := range []string{"p1", "p2", "p3"} {
		_, err := s.Append(ctx, "session:1:parts", []byte(v))
		require.NoError(t, err)
	}
	n, err := s.Len(ctx, "session:1:parts")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	require.NoError(t, s.SetIndex(ctx, "session:1:parts", 1, []byte("p2b")))
	vals, err := s.Range(ctx, "session:1:parts", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("p1"), []byte("p2b"), []byte("p3")}, vals)

	require.NoError(t, s.Expire(ctx, "session:1:parts", time.Second))
	assert.Equal(t, time.Second, srv.TTL("relay:session:1:parts"))

	require.NoError(t, s.Delete(ctx, "session:1:parts", "missing"))
	assert.Empty(t, srv.Keys())
}

func TestJobQueueFIFO(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	q := NewRedisJobQueue(rdb, "relay")

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "job-2"))

	id, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	id, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-2", id)
}
