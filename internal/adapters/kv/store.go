// Package kv is a thin capability interface over the shared key-value
// store. All distributed state (rate counters, history rings, presence
// snapshots, the response cache) flows through it.
package kv

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable reports a connection or timeout failure talking to
	// the store.
	ErrUnavailable = errors.New("kv store unavailable")
	// ErrWrongType reports an operation against a key holding a value of
	// another type.
	ErrWrongType = errors.New("kv wrong type at key")
)

// TTL sentinels, in seconds. An absent key reports TTLAbsent; a key with
// no expiry reports TTLNone.
const (
	TTLAbsent int64 = -1
	TTLNone   int64 = -2
)

// Store is the adapter contract. Operations are logically synchronous from
// the caller's view; an absent key is equivalent to count 0 for counters
// and to (nil, false) for reads. Set normalizes the store's reply to a
// boolean true on success rather than a protocol "OK" string.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)

	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) (value []byte, ok bool, err error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	LPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	RPush(ctx context.Context, key string, values ...[]byte) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	// Keys is for admin use only; implementations may realize it as a scan.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Pipeline returns a batch that queues commands and executes them
	// atomically, preserving command order in the returned results.
	Pipeline() Pipeline
}

// Pipeline queues commands for a single atomic round trip.
type Pipeline interface {
	Incr(key string)
	Decr(key string)
	Expire(key string, ttl time.Duration)
	RPush(key string, values ...[]byte)
	LTrim(key string, start, stop int64)
	Exec(ctx context.Context) ([]Result, error)
}

// Result is one command's outcome, in queue order.
type Result struct {
	Int  int64
	Bool bool
	Err  error
}
