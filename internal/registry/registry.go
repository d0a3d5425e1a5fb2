// Package registry is the authoritative in-process map of active
// connections, with secondary indices by user, ip and conversation.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/protocol"
)

// Sender is the bounded outgoing queue of one connection. Enqueue must not
// block; a saturated queue returns domain.ErrQueueFull.
type Sender interface {
	Enqueue(env protocol.Envelope) error
}

// EventKind labels a lifecycle event.
type EventKind string

const (
	EventRegistered   EventKind = "registered"
	EventTransition   EventKind = "transition"
	EventUnresponsive EventKind = "unresponsive"
	EventUnregistered EventKind = "unregistered"
)

// Event describes one lifecycle change; published to the optional observer.
type Event struct {
	Kind         EventKind
	ConnectionID string
	UserID       string
	State        domain.ConnState
}

type entry struct {
	mu     sync.Mutex
	conn   *domain.Connection
	sender Sender
}

type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	byUser map[string]map[string]*entry
	byIP   map[string]map[string]*entry
	byConv map[string]map[string]*entry

	// onRelease runs after an entry is removed; wired to the rate
	// limiter's connection-count decrement.
	onRelease func(userID, ip string)
	observer  func(Event)

	telemetry ports.TelemetrySink
	log       *slog.Logger
}

func New(telemetry ports.TelemetrySink) *Registry {
	return &Registry{
		conns:     make(map[string]*entry),
		byUser:    make(map[string]map[string]*entry),
		byIP:      make(map[string]map[string]*entry),
		byConv:    make(map[string]map[string]*entry),
		telemetry: telemetry,
		log:       slog.Default().With("component", "registry"),
	}
}

// OnRelease installs the disconnect hook. Must be called before Register.
func (r *Registry) OnRelease(fn func(userID, ip string)) {
	r.onRelease = fn
}

// OnEvent installs the lifecycle observer. The observer must not block.
func (r *Registry) OnEvent(fn func(Event)) {
	r.observer = fn
}

func (r *Registry) publish(ev Event) {
	if r.observer != nil {
		r.observer(ev)
	}
}

func index(m map[string]map[string]*entry, key string, e *entry, id string) {
	if m[key] == nil {
		m[key] = make(map[string]*entry)
	}
	m[key][id] = e
}

func unindex(m map[string]map[string]*entry, key, id string) {
	if sub, ok := m[key]; ok {
		delete(sub, id)
		if len(sub) == 0 {
			delete(m, key)
		}
	}
}

// Register inserts a connection and marks it CONNECTING.
func (r *Registry) Register(conn *domain.Connection, sender Sender) error {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID]; exists {
		r.mu.Unlock()
		return domain.ErrDuplicateID
	}

	conn.State = domain.StateConnecting
	e := &entry{conn: conn, sender: sender}
	r.conns[conn.ID] = e
	index(r.byUser, conn.Principal.UserID, e, conn.ID)
	index(r.byIP, conn.RemoteIP, e, conn.ID)
	if conn.ConversationID != "" {
		index(r.byConv, conn.ConversationID, e, conn.ID)
	}
	total := len(r.conns)
	r.mu.Unlock()

	r.telemetry.SetGauge("registry.connections", float64(total))
	r.log.Info("connection registered", "connection_id", conn.ID, "user_id", conn.Principal.UserID, "ip", conn.RemoteIP)
	r.publish(Event{Kind: EventRegistered, ConnectionID: conn.ID, UserID: conn.Principal.UserID, State: domain.StateConnecting})
	return nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, domain.ErrConnectionUnknown
	}
	return e, nil
}

// Transition applies a validated state change.
func (r *Registry) Transition(id string, next domain.ConnState) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if !e.conn.State.CanTransition(next) {
		e.mu.Unlock()
		return domain.ErrInvalidTransition
	}
	prev := e.conn.State
	e.conn.State = next
	userID := e.conn.Principal.UserID
	e.mu.Unlock()

	r.log.Debug("state transition", "connection_id", id, "from", prev.String(), "to", next.String())
	kind := EventTransition
	if next == domain.StateUnresponsive {
		kind = EventUnresponsive
		r.telemetry.IncCounter("registry.unresponsive")
	}
	r.publish(Event{Kind: kind, ConnectionID: id, UserID: userID, State: next})
	return nil
}

// State reports the connection's current lifecycle state.
func (r *Registry) State(id string) (domain.ConnState, error) {
	e, err := r.entry(id)
	if err != nil {
		return domain.StateClosed, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.State, nil
}

// Heartbeat updates last-seen to now.
func (r *Registry) Heartbeat(id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conn.LastSeen = time.Now().UTC()
	e.mu.Unlock()
	return nil
}

// SetTyping updates the typing flag and returns the previous value.
func (r *Registry) SetTyping(id string, typing bool) (bool, error) {
	e, err := r.entry(id)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.conn.Typing
	e.conn.Typing = typing
	return prev, nil
}

// SetLastMessage records the most recent inbound message id.
func (r *Registry) SetLastMessage(id, messageID string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.conn.LastMessageID = messageID
	e.mu.Unlock()
	return nil
}

// JoinConversation binds the connection to a conversation for fan-out.
func (r *Registry) JoinConversation(id, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionUnknown
	}
	e.mu.Lock()
	prev := e.conn.ConversationID
	e.conn.ConversationID = conversationID
	e.mu.Unlock()
	if prev != "" && prev != conversationID {
		unindex(r.byConv, prev, id)
	}
	if conversationID != "" {
		index(r.byConv, conversationID, e, id)
	}
	return nil
}

// Broadcast delivers an envelope to every connection joined to the
// conversation except an optional sender. Delivery is non-blocking per
// recipient: the recipient set is snapshotted first and each delivery goes
// through the connection's bounded queue. A saturated recipient is marked
// UNRESPONSIVE; its own session schedules the disconnect. Errors for one
// recipient do not affect others.
func (r *Registry) Broadcast(conversationID string, env protocol.Envelope, except string) {
	r.mu.RLock()
	targets := make([]*entry, 0, len(r.byConv[conversationID]))
	for id, e := range r.byConv[conversationID] {
		if id != except {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	for _, e := range targets {
		if err := e.sender.Enqueue(env); err != nil {
			e.mu.Lock()
			id := e.conn.ID
			e.mu.Unlock()
			r.log.Warn("broadcast delivery failed", "connection_id", id, "error", err)
			if err == domain.ErrQueueFull {
				// Best effort; the session owns the grace timer.
				_ = r.Transition(id, domain.StateUnresponsive)
			}
		}
	}
	r.telemetry.IncCounter("registry.broadcasts")
}

// CountByUser returns the number of live connections for a user.
func (r *Registry) CountByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// CountByIP returns the number of live connections from an ip.
func (r *Registry) CountByIP(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIP[ip])
}

// Snapshot returns the serializable projection of one connection.
func (r *Registry) Snapshot(id string) (domain.Snapshot, error) {
	e, err := r.entry(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn.Snapshot(), nil
}

// List returns snapshots of all live connections, for admin listings.
func (r *Registry) List() []domain.Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.conn.Snapshot())
		e.mu.Unlock()
	}
	return out
}

// Unregister removes the entry and triggers the rate limiter conn-count
// decrement through the release hook.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	e, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	e.mu.Lock()
	userID := e.conn.Principal.UserID
	ip := e.conn.RemoteIP
	convID := e.conn.ConversationID
	e.conn.State = domain.StateClosed
	e.mu.Unlock()
	unindex(r.byUser, userID, id)
	unindex(r.byIP, ip, id)
	if convID != "" {
		unindex(r.byConv, convID, id)
	}
	r.telemetry.SetGauge("registry.connections", float64(len(r.conns)))
	r.mu.Unlock()

	if r.onRelease != nil {
		r.onRelease(userID, ip)
	}
	r.log.Info("connection unregistered", "connection_id", id, "user_id", userID)
	r.publish(Event{Kind: EventUnregistered, ConnectionID: id, UserID: userID, State: domain.StateClosed})
}
