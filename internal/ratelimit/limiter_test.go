package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/adapters/metrics"
	"github.com/loomchat/loom/internal/domain"
)

func newLimiter(t *testing.T) (*Limiter, *kv.MemoryStore, *metrics.RecordingSink) {
	t.Helper()
	store := kv.NewMemoryStore()
	sink := metrics.NewRecordingSink()
	return New(store, DefaultConfig(), sink), store, sink
}

func TestAdmitConnection_PerIPLimit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)

	require.NoError(t, l.AdmitConnection(ctx, "u1", "1.2.3.4"))
	require.NoError(t, l.AdmitConnection(ctx, "u2", "1.2.3.4"))

	err := l.AdmitConnection(ctx, "u3", "1.2.3.4")
	require.Error(t, err)
	assert.Equal(t, domain.KindConnectionLimitExceeded, domain.KindOf(err))

	// The rejected attempt must roll back: a disconnect plus reconnect
	// from the same ip succeeds.
	l.ReleaseConnection(ctx, "u1", "1.2.3.4")
	require.NoError(t, l.AdmitConnection(ctx, "u3", "1.2.3.4"))
}

func TestAdmitConnection_PerUserLimit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)

	for i := 0; i < 5; i++ {
		ip := string(rune('a' + i))
		require.NoError(t, l.AdmitConnection(ctx, "u1", ip))
	}
	err := l.AdmitConnection(ctx, "u1", "z")
	require.Error(t, err)
	assert.Equal(t, domain.KindConnectionLimitExceeded, domain.KindOf(err))
}

func TestConnectDisconnectCycleLeavesCountersUnchanged(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)

	before, err := l.Counters(ctx, ScopeIP, "9.9.9.9")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, l.AdmitConnection(ctx, "u1", "9.9.9.9"))
		l.ReleaseConnection(ctx, "u1", "9.9.9.9")
	}

	after, err := l.Counters(ctx, ScopeIP, "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, before["conn"], after["conn"])
}

func TestAdmitMessage_SecondWindowBoundary(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)
	p := domain.Principal{UserID: "u1", Active: true}

	for i := 0; i < 5; i++ {
		require.NoError(t, l.AdmitMessage(ctx, p, false))
	}

	err := l.AdmitMessage(ctx, p, false)
	require.Error(t, err)
	assert.Equal(t, domain.KindRateLimitExceeded, domain.KindOf(err))
}

func TestAdmitMessage_FixedWindowKeepsCounters(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)
	p := domain.Principal{UserID: "u1", Active: true}

	for i := 0; i < 6; i++ {
		_ = l.AdmitMessage(ctx, p, false)
	}

	counters, err := l.Counters(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), counters["sec"], "denied admissions are not rolled back")
}

func TestAdmitMessage_WindowExpiry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Now()
	store.SetClock(func() time.Time { return now })
	l := New(store, DefaultConfig(), metrics.NewRecordingSink())
	p := domain.Principal{UserID: "u1", Active: true}

	for i := 0; i < 6; i++ {
		_ = l.AdmitMessage(ctx, p, false)
	}
	require.Error(t, l.AdmitMessage(ctx, p, false))

	now = now.Add(2 * time.Second)
	assert.NoError(t, l.AdmitMessage(ctx, p, false), "second window rolls over")
}

func TestAdmitMessage_SystemBypass(t *testing.T) {
	ctx := context.Background()
	l, _, sink := newLimiter(t)
	admin := domain.Principal{UserID: "root", Admin: true, Active: true}

	for i := 0; i < 50; i++ {
		require.NoError(t, l.AdmitMessage(ctx, admin, true))
	}
	assert.Equal(t, float64(50), sink.Counter("ratelimit.system_bypass"), "bypass must be auditable")

	counters, err := l.Counters(ctx, ScopeUser, "root")
	require.NoError(t, err)
	assert.Zero(t, counters["sec"], "bypassed envelopes are not counted")
}

func TestAdmitMessage_NonAdminSystemCounted(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)
	p := domain.Principal{UserID: "u1", Active: true}

	require.NoError(t, l.AdmitMessage(ctx, p, true))
	counters, err := l.Counters(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["sec"])
}

// failingStore wraps the memory store and fails pipeline execution, to
// exercise the asymmetric KV outage policy.
type failingStore struct {
	*kv.MemoryStore
}

type failingPipeline struct{}

func (failingPipeline) Incr(string)                   {}
func (failingPipeline) Decr(string)                   {}
func (failingPipeline) Expire(string, time.Duration)  {}
func (failingPipeline) RPush(string, ...[]byte)       {}
func (failingPipeline) LTrim(string, int64, int64)    {}
func (failingPipeline) Exec(context.Context) ([]kv.Result, error) {
	return nil, kv.ErrUnavailable
}

func (s *failingStore) Pipeline() kv.Pipeline { return failingPipeline{} }

func TestKVOutagePolicy(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{kv.NewMemoryStore()}
	sink := metrics.NewRecordingSink()
	l := New(store, DefaultConfig(), sink)
	p := domain.Principal{UserID: "u1", Active: true}

	// Messages fail open.
	require.NoError(t, l.AdmitMessage(ctx, p, false))
	assert.Equal(t, float64(1), sink.Counter("ratelimit.kv_unavailable"))

	// Connections fail closed.
	err := l.AdmitConnection(ctx, "u1", "1.2.3.4")
	require.Error(t, err)
	assert.Equal(t, domain.KindKVUnavailable, domain.KindOf(err))
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newLimiter(t)
	p := domain.Principal{UserID: "u1", Active: true}

	require.NoError(t, l.AdmitConnection(ctx, "u1", "1.2.3.4"))
	require.NoError(t, l.AdmitMessage(ctx, p, false))

	n, err := l.Reset(ctx, "u1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n, "four window counters cleared, conn key kept")

	counters, err := l.Counters(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	assert.Zero(t, counters["sec"])
	assert.Equal(t, int64(1), counters["conn"], "conn key untouched without includeConnections")

	n, err = l.Reset(ctx, "u1", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
