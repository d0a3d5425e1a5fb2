package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := s.Set(ctx, "k", []byte("v"), 0)
	require.NoError(t, err)
	assert.True(t, stored, "set must normalize to boolean true")

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	n, err := s.Del(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_IncrFromAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "absent key is equivalent to count 0")

	n, err = s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.Decr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_TTLSentinels(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ttl, err := s.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, TTLAbsent, ttl)

	_, err = s.Set(ctx, "forever", []byte("x"), 0)
	require.NoError(t, err)
	ttl, err = s.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, TTLNone, ttl)

	_, err = s.Set(ctx, "brief", []byte("x"), 10*time.Second)
	require.NoError(t, err)
	ttl, err = s.TTL(ctx, "brief")
	require.NoError(t, err)
	assert.Equal(t, int64(10), ttl)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	_, err := s.Set(ctx, "k", []byte("v"), time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "expired key reads as absent")

	ok, err = s.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "expire returns false when key was lost")
}

func TestMemoryStore_WrongType(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.RPush(ctx, "list", []byte("a"))
	require.NoError(t, err)

	_, err = s.Incr(ctx, "list")
	assert.ErrorIs(t, err, ErrWrongType)

	_, _, err = s.Get(ctx, "list")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestMemoryStore_ListRangeAndTrim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, v := range []string{"a", "b", "c", "d", "e"} {
		_, err := s.RPush(ctx, "l", []byte(v))
		require.NoError(t, err)
	}

	all, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, []byte("a"), all[0])
	assert.Equal(t, []byte("e"), all[4])

	tail, err := s.LRange(ctx, "l", -2, -1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, []byte("d"), tail[0])

	require.NoError(t, s.LTrim(ctx, "l", -3, -1))
	all, err = s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []byte("c"), all[0])
}

func TestMemoryStore_Hash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.HSet(ctx, "h", "f1", []byte("v1")))
	require.NoError(t, s.HSet(ctx, "h", "f2", []byte("v2")))

	v, ok, err := s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.HDel(ctx, "h", "f1", "f2"))
	_, ok, err = s.HGet(ctx, "h", "f1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_PipelineOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := s.Pipeline()
	p.Incr("a")
	p.Incr("b")
	p.Expire("a", time.Minute)
	p.Incr("a")

	results, err := p.Exec(ctx)
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, int64(1), results[0].Int)
	assert.Equal(t, int64(1), results[1].Int)
	assert.True(t, results[2].Bool)
	assert.Equal(t, int64(2), results[3].Int, "results preserve command order")
}

func TestMemoryStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, k := range []string{"rl:user:u1:sec", "rl:user:u1:min", "rl:ip:1.2.3.4:conn"} {
		_, err := s.Incr(ctx, k)
		require.NoError(t, err)
	}

	keys, err := s.Keys(ctx, "rl:user:u1:*")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
