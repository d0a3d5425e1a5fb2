// Package ratelimit enforces connection quotas per ip and per user, and
// message quotas per user across four time windows, backed by the shared KV
// store. No quota is counted per client id. No client-side locking: the
// limiter relies on atomic increments.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/protocol"
)

// Config holds the quota knobs; all overridable via environment.
type Config struct {
	MaxConnectionsPerIP   int
	MaxConnectionsPerUser int
	MessagesPerSecond     int
	MessagesPerMinute     int
	MessagesPerHour       int
	MessagesPerDay        int
	ConnectTimeout        time.Duration
	MessageTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerIP:   2,
		MaxConnectionsPerUser: 5,
		MessagesPerSecond:     5,
		MessagesPerMinute:     60,
		MessagesPerHour:       1000,
		MessagesPerDay:        10000,
		ConnectTimeout:        10 * time.Second,
		MessageTimeout:        30 * time.Second,
	}
}

// Limits is the snapshot advertised in welcome envelopes.
func (c Config) Limits() protocol.Limits {
	return protocol.Limits{
		MaxConnectionsPerIP:   c.MaxConnectionsPerIP,
		MaxConnectionsPerUser: c.MaxConnectionsPerUser,
		MessagesPerSecond:     c.MessagesPerSecond,
		MessagesPerMinute:     c.MessagesPerMinute,
		MessagesPerHour:       c.MessagesPerHour,
		MessagesPerDay:        c.MessagesPerDay,
	}
}

// window pairs a key suffix with its size and per-window quota.
type window struct {
	name string
	size time.Duration
}

var messageWindows = []window{
	{"sec", time.Second},
	{"min", time.Minute},
	{"hour", time.Hour},
	{"day", 24 * time.Hour},
}

// Scope axes the limiter counts along.
const (
	ScopeUser   = "user"
	ScopeIP     = "ip"
	ScopeClient = "client"
)

func key(scope, identifier, window string) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, identifier, window)
}

type Limiter struct {
	store     kv.Store
	cfg       Config
	telemetry ports.TelemetrySink
	log       *slog.Logger
}

func New(store kv.Store, cfg Config, telemetry ports.TelemetrySink) *Limiter {
	return &Limiter{
		store:     store,
		cfg:       cfg,
		telemetry: telemetry,
		log:       slog.Default().With("component", "ratelimit"),
	}
}

func (l *Limiter) Config() Config { return l.cfg }

// AdmitConnection counts a new handshake against the per-ip and per-user
// connection quotas. Fail-closed: a KV outage denies the connection,
// because accepting an extra connection is costlier than dropping one.
func (l *Limiter) AdmitConnection(ctx context.Context, userID, ip string) error {
	ipKey := key(ScopeIP, ip, "conn")
	userKey := key(ScopeUser, userID, "conn")

	p := l.store.Pipeline()
	p.Incr(ipKey)
	p.Incr(userKey)
	results, err := p.Exec(ctx)
	if err != nil {
		l.telemetry.IncCounter("ratelimit.kv_unavailable")
		return domain.Wrap(domain.KindKVUnavailable, "connection admission", err)
	}

	ipCount, userCount := results[0].Int, results[1].Int
	if results[0].Err != nil || results[1].Err != nil {
		l.telemetry.IncCounter("ratelimit.kv_unavailable")
		return domain.E(domain.KindKVUnavailable, "connection admission")
	}

	if int(ipCount) > l.cfg.MaxConnectionsPerIP || int(userCount) > l.cfg.MaxConnectionsPerUser {
		l.rollbackConnection(ctx, ipKey, userKey)
		l.telemetry.IncCounter("ratelimit.connection_denied")
		if int(ipCount) > l.cfg.MaxConnectionsPerIP {
			return domain.E(domain.KindConnectionLimitExceeded, fmt.Sprintf("too many connections from ip (%d)", ipCount))
		}
		return domain.E(domain.KindConnectionLimitExceeded, fmt.Sprintf("too many connections for user (%d)", userCount))
	}

	return nil
}

// rollbackConnection undoes a rejected admission. If the rollback itself
// fails the excess is recorded and the original rejection stands;
// reconciliation relies on the TTL-free conn keys being decremented only
// by disconnect.
func (l *Limiter) rollbackConnection(ctx context.Context, ipKey, userKey string) {
	p := l.store.Pipeline()
	p.Decr(ipKey)
	p.Decr(userKey)
	if _, err := p.Exec(ctx); err != nil {
		l.telemetry.IncCounter("ratelimit.rollback_failed")
		l.log.Warn("connection admission rollback failed", "error", err)
	}
}

// ReleaseConnection decrements the conn counters on disconnect.
func (l *Limiter) ReleaseConnection(ctx context.Context, userID, ip string) {
	p := l.store.Pipeline()
	p.Decr(key(ScopeIP, ip, "conn"))
	p.Decr(key(ScopeUser, userID, "conn"))
	if _, err := p.Exec(ctx); err != nil {
		l.telemetry.IncCounter("ratelimit.release_failed")
		l.log.Warn("connection release failed", "user_id", userID, "ip", ip, "error", err)
	}
}

// AdmitMessage counts a message against all four windows for the user
// scope. Fixed-window semantics: counters stay incremented on denial.
// Fail-open: a KV outage admits the message to avoid a user-visible
// outage. System envelopes from admin principals bypass counting entirely;
// the bypass is audited through the telemetry sink.
func (l *Limiter) AdmitMessage(ctx context.Context, principal domain.Principal, systemEnvelope bool) error {
	if systemEnvelope && principal.Admin {
		l.telemetry.IncCounter("ratelimit.system_bypass")
		return nil
	}

	p := l.store.Pipeline()
	for _, w := range messageWindows {
		p.Incr(key(ScopeUser, principal.UserID, w.name))
	}
	for _, w := range messageWindows {
		p.Expire(key(ScopeUser, principal.UserID, w.name), w.size)
	}
	results, err := p.Exec(ctx)
	if err != nil {
		l.telemetry.IncCounter("ratelimit.kv_unavailable")
		return nil
	}

	limits := []int{l.cfg.MessagesPerSecond, l.cfg.MessagesPerMinute, l.cfg.MessagesPerHour, l.cfg.MessagesPerDay}
	for i, w := range messageWindows {
		res := results[i]
		if res.Err != nil {
			if errors.Is(res.Err, kv.ErrUnavailable) {
				l.telemetry.IncCounter("ratelimit.kv_unavailable")
				return nil
			}
			continue
		}
		if int(res.Int) > limits[i] {
			l.telemetry.IncCounter("ratelimit.message_denied")
			return domain.E(domain.KindRateLimitExceeded, fmt.Sprintf("message quota exceeded for window %s", w.name))
		}
	}
	// Expire failures (results[4:]) are ignored: a lost key is recreated
	// by the next successful incr.
	return nil
}

// Counters reports the live counter values for one identifier, keyed by
// window name. Used by admin listings.
func (l *Limiter) Counters(ctx context.Context, scope, identifier string) (map[string]int64, error) {
	out := make(map[string]int64, len(messageWindows)+1)
	names := []string{"conn"}
	for _, w := range messageWindows {
		names = append(names, w.name)
	}
	for _, name := range names {
		raw, ok, err := l.store.Get(ctx, key(scope, identifier, name))
		if err != nil {
			return nil, domain.Wrap(domain.KindKVUnavailable, "counter query", err)
		}
		if !ok {
			out[name] = 0
			continue
		}
		n, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return nil, domain.Wrap(domain.KindKVTypeError, "counter parse", err)
		}
		out[name] = n
	}
	return out, nil
}

// Reset clears rate counters for one user, or globally when userID is
// empty. Connection-count keys have no TTL and are live-owned by
// disconnect decrements, so clearing them is an explicit operator choice.
func (l *Limiter) Reset(ctx context.Context, userID string, includeConnections bool) (int64, error) {
	pattern := "rl:*"
	if userID != "" {
		pattern = key(ScopeUser, userID, "*")
	}
	keys, err := l.store.Keys(ctx, pattern)
	if err != nil {
		return 0, domain.Wrap(domain.KindKVUnavailable, "reset scan", err)
	}
	targets := keys[:0]
	for _, k := range keys {
		if !includeConnections && strings.HasSuffix(k, ":conn") {
			continue
		}
		targets = append(targets, k)
	}
	if len(targets) == 0 {
		return 0, nil
	}
	n, err := l.store.Del(ctx, targets...)
	if err != nil {
		return 0, domain.Wrap(domain.KindKVUnavailable, "reset delete", err)
	}
	l.telemetry.AddCounter("ratelimit.reset_keys", float64(n))
	return n, nil
}
