package kv

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// translate maps driver errors onto the adapter's failure taxonomy.
func translate(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return &opError{kind: ErrWrongType, err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &opError{kind: ErrUnavailable, err: err}
	}
	if errors.Is(err, redis.ErrClosed) {
		return &opError{kind: ErrUnavailable, err: err}
	}
	return &opError{kind: ErrUnavailable, err: err}
}

type opError struct {
	kind error
	err  error
}

func (e *opError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *opError) Unwrap() error { return e.err }

func (e *opError) Is(target error) bool { return target == e.kind }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	return data, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return false, translate(err)
	}
	return true, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *RedisStore) Decr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (int64, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, translate(err)
	}
	// Redis reports -2 for absent keys and -1 for keys without expiry;
	// the adapter contract is the reverse.
	switch d {
	case time.Duration(-2):
		return TTLAbsent, nil
	case time.Duration(-1):
		return TTLNone, nil
	}
	return int64(d / time.Second), nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, value []byte) error {
	if err := s.client.HSet(ctx, key, field, value).Err(); err != nil {
		return translate(err)
	}
	return nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, translate(err)
	}
	return data, true, nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return translate(err)
	}
	return nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, translate(err)
	}
	out := make(map[string][]byte, len(raw))
	for field, value := range raw {
		out[field] = []byte(value)
	}
	return out, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	n, err := s.client.LPush(ctx, key, byteArgs(values)...).Result()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	n, err := s.client.RPush(ctx, key, byteArgs(values)...).Result()
	if err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	raw, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, translate(err)
	}
	out := make([][]byte, len(raw))
	for i, v := range raw {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := s.client.LTrim(ctx, key, start, stop).Err(); err != nil {
		return translate(err)
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, translate(err)
	}
	return keys, nil
}

func (s *RedisStore) Pipeline() Pipeline {
	return &redisPipeline{pipe: s.client.TxPipeline()}
}

type redisPipeline struct {
	pipe redis.Pipeliner
	cmds []func() Result
}

func (p *redisPipeline) Incr(key string) {
	cmd := p.pipe.Incr(context.Background(), key)
	p.cmds = append(p.cmds, func() Result {
		n, err := cmd.Result()
		return Result{Int: n, Err: translateNilOK(err)}
	})
}

func (p *redisPipeline) Decr(key string) {
	cmd := p.pipe.Decr(context.Background(), key)
	p.cmds = append(p.cmds, func() Result {
		n, err := cmd.Result()
		return Result{Int: n, Err: translateNilOK(err)}
	})
}

func (p *redisPipeline) Expire(key string, ttl time.Duration) {
	cmd := p.pipe.Expire(context.Background(), key, ttl)
	p.cmds = append(p.cmds, func() Result {
		ok, err := cmd.Result()
		return Result{Bool: ok, Err: translateNilOK(err)}
	})
}

func (p *redisPipeline) RPush(key string, values ...[]byte) {
	cmd := p.pipe.RPush(context.Background(), key, byteArgs(values)...)
	p.cmds = append(p.cmds, func() Result {
		n, err := cmd.Result()
		return Result{Int: n, Err: translateNilOK(err)}
	})
}

func (p *redisPipeline) LTrim(key string, start, stop int64) {
	cmd := p.pipe.LTrim(context.Background(), key, start, stop)
	p.cmds = append(p.cmds, func() Result {
		_, err := cmd.Result()
		return Result{Bool: err == nil, Err: translateNilOK(err)}
	})
}

func (p *redisPipeline) Exec(ctx context.Context) ([]Result, error) {
	if _, err := p.pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, translate(err)
	}
	results := make([]Result, len(p.cmds))
	for i, collect := range p.cmds {
		results[i] = collect()
	}
	return results, nil
}

func translateNilOK(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	return translate(err)
}

func byteArgs(values [][]byte) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
