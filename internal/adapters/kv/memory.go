package kv

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used by tests and single-node
// development runs. Expiry is evaluated lazily on access.
type MemoryStore struct {
	mu            sync.Mutex
	entries       map[string]*memEntry
	clock         func() time.Time
	failPipelines bool
}

type memEntry struct {
	str       []byte
	list      [][]byte
	hash      map[string][]byte
	expiresAt time.Time
}

func (e *memEntry) kind() string {
	switch {
	case e.list != nil:
		return "list"
	case e.hash != nil:
		return "hash"
	default:
		return "string"
	}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		clock:   time.Now,
	}
}

// SetClock swaps the time source; tests use it to step expiry forward.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// FailPipelines makes every pipeline execution report ErrUnavailable;
// tests use it to simulate a store outage.
func (s *MemoryStore) FailPipelines(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPipelines = fail
}

// live returns the entry at key, dropping it first when expired.
func (s *MemoryStore) live(key string) *memEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && s.clock().After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, false, nil
	}
	if e.kind() != "string" {
		return nil, false, ErrWrongType
	}
	return append([]byte(nil), e.str...), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := &memEntry{str: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.clock().Add(ttl)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if s.live(key) != nil {
			delete(s.entries, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) incrBy(key string, delta int64) (int64, error) {
	e := s.live(key)
	if e == nil {
		e = &memEntry{}
		s.entries[key] = e
	}
	if e.kind() != "string" {
		return 0, ErrWrongType
	}
	n, err := parseInt(e.str)
	if err != nil {
		return 0, ErrWrongType
	}
	n += delta
	e.str = formatInt(n)
	return n, nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrBy(key, 1)
}

func (s *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrBy(key, -1)
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	e.expiresAt = s.clock().Add(ttl)
	return true, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return TTLAbsent, nil
	}
	if e.expiresAt.IsZero() {
		return TTLNone, nil
	}
	return int64((e.expiresAt.Sub(s.clock()) + time.Second/2) / time.Second), nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &memEntry{hash: make(map[string][]byte)}
		s.entries[key] = e
	}
	if e.kind() != "hash" {
		return ErrWrongType
	}
	e.hash[field] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, false, nil
	}
	if e.kind() != "hash" {
		return nil, false, ErrWrongType
	}
	v, ok := e.hash[field]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) HDel(ctx context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.kind() != "hash" {
		return ErrWrongType
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	if len(e.hash) == 0 {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return map[string][]byte{}, nil
	}
	if e.kind() != "hash" {
		return nil, ErrWrongType
	}
	out := make(map[string][]byte, len(e.hash))
	for f, v := range e.hash {
		out[f] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *MemoryStore) push(key string, values [][]byte, front bool) (int64, error) {
	e := s.live(key)
	if e == nil {
		e = &memEntry{list: [][]byte{}}
		s.entries[key] = e
	}
	if e.kind() != "list" {
		return 0, ErrWrongType
	}
	for _, v := range values {
		v = append([]byte(nil), v...)
		if front {
			e.list = append([][]byte{v}, e.list...)
		} else {
			e.list = append(e.list, v)
		}
	}
	return int64(len(e.list)), nil
}

func (s *MemoryStore) LPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(key, values, true)
}

func (s *MemoryStore) RPush(ctx context.Context, key string, values ...[]byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.push(key, values, false)
}

// clampRange resolves negative indices against length n, inclusive.
func clampRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return [][]byte{}, nil
	}
	if e.kind() != "list" {
		return nil, ErrWrongType
	}
	lo, hi, ok := clampRange(start, stop, int64(len(e.list)))
	if !ok {
		return [][]byte{}, nil
	}
	out := make([][]byte, 0, hi-lo+1)
	for _, v := range e.list[lo : hi+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.kind() != "list" {
		return ErrWrongType
	}
	lo, hi, ok := clampRange(start, stop, int64(len(e.list)))
	if !ok {
		delete(s.entries, key)
		return nil
	}
	e.list = e.list[lo : hi+1]
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.entries {
		if s.live(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: s}
}

// memoryPipeline executes its queue under a single lock, giving the same
// atomicity the Redis transaction pipeline provides.
type memoryPipeline struct {
	store *MemoryStore
	queue []func() Result
}

func (p *memoryPipeline) Incr(key string) {
	p.queue = append(p.queue, func() Result {
		n, err := p.store.incrBy(key, 1)
		return Result{Int: n, Err: err}
	})
}

func (p *memoryPipeline) Decr(key string) {
	p.queue = append(p.queue, func() Result {
		n, err := p.store.incrBy(key, -1)
		return Result{Int: n, Err: err}
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.queue = append(p.queue, func() Result {
		e := p.store.live(key)
		if e == nil {
			return Result{Bool: false}
		}
		e.expiresAt = p.store.clock().Add(ttl)
		return Result{Bool: true}
	})
}

func (p *memoryPipeline) RPush(key string, values ...[]byte) {
	p.queue = append(p.queue, func() Result {
		n, err := p.store.push(key, values, false)
		return Result{Int: n, Err: err}
	})
}

func (p *memoryPipeline) LTrim(key string, start, stop int64) {
	p.queue = append(p.queue, func() Result {
		e := p.store.live(key)
		if e == nil {
			return Result{Bool: true}
		}
		if e.kind() != "list" {
			return Result{Err: ErrWrongType}
		}
		lo, hi, ok := clampRange(start, stop, int64(len(e.list)))
		if !ok {
			delete(p.store.entries, key)
			return Result{Bool: true}
		}
		e.list = e.list[lo : hi+1]
		return Result{Bool: true}
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) ([]Result, error) {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	if p.store.failPipelines {
		return nil, ErrUnavailable
	}
	results := make([]Result, len(p.queue))
	for i, run := range p.queue {
		results[i] = run()
	}
	p.queue = nil
	return results, nil
}

func parseInt(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, ErrWrongType
	}
	return n, nil
}

func formatInt(n int64) []byte {
	return []byte(strconv.FormatInt(n, 10))
}
