// Package session drives the per-connection lifecycle: authentication,
// welcome, history replay, steady-state message exchange, teardown. Each
// session is a single logical thread of control; no two events for the
// same connection are ever processed concurrently.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomchat/loom/internal/auth"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/history"
	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/protocol"
	"github.com/loomchat/loom/internal/ratelimit"
	"github.com/loomchat/loom/internal/registry"
)

const (
	writeTimeout = 10 * time.Second
	// More than malformedBurst malformed frames within malformedWindow
	// escalate to teardown.
	malformedBurst  = 5
	malformedWindow = time.Second
	defaultQueue    = 64
)

// Deps are the collaborators one session consumes.
type Deps struct {
	Registry  *registry.Registry
	Limiter   *ratelimit.Limiter
	History   *history.Buffer
	Bridge    *llm.Bridge
	Validator *auth.Validator
	Messages  ports.MessageRepository
	IDs       ports.IDGenerator
	Telemetry ports.TelemetrySink

	// Shutdown, when closed, drains every session with a normal close.
	Shutdown <-chan struct{}
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Session owns exactly one transport connection.
type Session struct {
	id   string
	ws   *websocket.Conn
	conn *domain.Connection
	deps Deps

	queue   *outQueue
	inbound chan inboundFrame

	// streams are the in-flight responses keyed by message id; their
	// envelopes merge into streamOut so the loop stays single-threaded.
	streams   map[string]*llm.Stream
	streamOut chan protocol.Envelope

	lastActivity      time.Time
	unresponsiveSince time.Time
	malformedAt       []time.Time

	registered bool
	closeCode  int
	done       chan struct{}

	log *slog.Logger
}

// New wraps an upgraded transport connection. remoteIP must already be
// resolved by the handler.
func New(ws *websocket.Conn, remoteIP string, deps Deps) *Session {
	id := deps.IDs.ConnectionID()
	return &Session{
		id:        id,
		ws:        ws,
		conn:      domain.NewConnection(id, remoteIP, time.Now().UTC()),
		deps:      deps,
		queue:     newOutQueue(defaultQueue),
		inbound:   make(chan inboundFrame, 8),
		streams:   make(map[string]*llm.Stream),
		streamOut: make(chan protocol.Envelope, defaultQueue),
		done:      make(chan struct{}),
		log:       slog.Default().With("component", "session", "connection_id", id),
	}
}

func (s *Session) ID() string { return s.id }

// Enqueue implements registry.Sender: it is the sole path into the
// connection's ordered outgoing channel.
func (s *Session) Enqueue(env protocol.Envelope) error {
	return s.queue.Enqueue(env)
}

// Run performs the handshake and then services the connection until
// teardown. token comes from the upgrade request's query string;
// conversationID is optional.
func (s *Session) Run(ctx context.Context, token, conversationID string) {
	defer s.teardown()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("session panic", "panic", rec)
			s.closeWith(domain.KindServerError)
		}
	}()

	go s.writePump()

	cfg := s.deps.Limiter.Config()
	s.conn.State = domain.StateConnecting

	// Handshake-to-ready is bounded by connect_timeout.
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	s.conn.State = domain.StateAuthenticating
	principal, err := s.deps.Validator.Authenticate(handshakeCtx, token)
	if err != nil {
		s.deps.Telemetry.IncCounter("session.auth_failed")
		s.rejectHandshake(err)
		return
	}
	s.conn.Principal = *principal
	s.conn.State = domain.StateAuthenticated

	if err := s.deps.Limiter.AdmitConnection(handshakeCtx, principal.UserID, s.conn.RemoteIP); err != nil {
		s.deps.Telemetry.IncCounter("session.connection_denied")
		s.rejectHandshake(err)
		return
	}

	// The registry learns about the connection once admitted, so that the
	// conn-count keys and the registered set rise and fall together. It
	// then replays the full lifecycle walk.
	if err := s.deps.Registry.Register(s.conn, s); err != nil {
		s.deps.Limiter.ReleaseConnection(context.Background(), principal.UserID, s.conn.RemoteIP)
		s.rejectHandshake(domain.Wrap(domain.KindServerError, "register", err))
		return
	}
	s.registered = true
	_ = s.deps.Registry.Transition(s.id, domain.StateAuthenticating)
	_ = s.deps.Registry.Transition(s.id, domain.StateAuthenticated)

	if conversationID != "" {
		_ = s.deps.Registry.JoinConversation(s.id, conversationID)
	}

	if err := s.welcome(handshakeCtx, conversationID, cfg); err != nil {
		s.log.Warn("welcome failed", "error", err)
		s.closeWith(domain.KindServerError)
		return
	}

	_ = s.deps.Registry.Transition(s.id, domain.StateReady)
	s.lastActivity = time.Now()
	s.deps.Telemetry.IncCounter("session.established")
	s.log.Info("session ready", "user_id", principal.UserID, "ip", s.conn.RemoteIP)

	go s.readPump()
	s.loop(ctx, cfg)
}

// welcome sends the greeting and the single history replay envelope.
func (s *Session) welcome(ctx context.Context, conversationID string, cfg ratelimit.Config) error {
	if err := s.Enqueue(protocol.NewWelcome(s.id, time.Now().UTC(), cfg.Limits())); err != nil {
		return err
	}

	var msgs []*protocol.ChatMessage
	if conversationID != "" {
		var err error
		msgs, err = s.deps.History.Snapshot(ctx, conversationID)
		if err != nil {
			// Replay degrades to empty rather than refusing the session.
			s.log.Warn("history replay unavailable", "conversation_id", conversationID, "error", err)
			s.deps.Telemetry.IncCounter("session.history_replay_failed")
			msgs = nil
		}
	}
	return s.Enqueue(protocol.NewHistory(msgs))
}

// rejectHandshake sends the error envelope and terminates with the mapped
// close code; no further frames follow.
func (s *Session) rejectHandshake(err error) {
	kind := domain.KindOf(err)
	s.log.Info("handshake rejected", "kind", string(kind), "error", err)
	_ = s.Enqueue(protocol.NewError(kind, err.Error()))
	s.closeWith(kind)
}

// closeWith records the close code and stops the write side.
func (s *Session) closeWith(kind domain.Kind) {
	if code, ok := protocol.CloseCode(kind); ok {
		s.closeCode = code
	} else {
		s.closeCode = websocket.ClosePolicyViolation
	}
	s.queue.Close()
}

// loop multiplexes the three event sources for a live connection: peer
// frames, bridge chunks for the in-flight message, and broadcast
// deliveries (which enter through the outgoing queue directly).
func (s *Session) loop(ctx context.Context, cfg ratelimit.Config) {
	ticker := time.NewTicker(cfg.MessageTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(domain.KindNormalShutdown)
			return

		case <-s.deps.Shutdown:
			s.shutdown(domain.KindNormalShutdown)
			return

		case fr, open := <-s.inbound:
			if !open || fr.err != nil {
				s.shutdown(domain.KindNormalShutdown)
				return
			}
			s.lastActivity = time.Now()
			if terminal := s.handleFrame(ctx, fr); terminal {
				return
			}

		case env := <-s.streamOut:
			s.lastActivity = time.Now()
			s.forwardStreamEnvelope(env)

		case <-ticker.C:
			if terminal := s.tick(cfg); terminal {
				return
			}
		}
	}
}

// startStream launches the bridge call for an accepted message and merges
// its envelopes into the loop's single stream channel.
func (s *Session) startStream(ctx context.Context, promptHistory []*protocol.ChatMessage, msg *protocol.ChatMessage) {
	if len(s.streams) == 0 {
		_ = s.deps.Registry.Transition(s.id, domain.StateStreaming)
	}
	stream := s.deps.Bridge.Respond(ctx, promptHistory, msg)
	s.streams[stream.ID] = stream

	go func() {
		for env := range stream.Envelopes {
			select {
			case s.streamOut <- env:
			case <-s.done:
				return
			}
		}
	}()
}

// forwardStreamEnvelope relays a bridge envelope to the peer and settles
// the state machine on a terminating chunk.
func (s *Session) forwardStreamEnvelope(env protocol.Envelope) {
	if err := s.Enqueue(env); err != nil {
		s.onQueueFull()
	}
	chunk, ok := env.(*protocol.ChatChunk)
	if !ok || !chunk.Final {
		return
	}
	delete(s.streams, chunk.ID)
	if len(s.streams) == 0 {
		if st, err := s.deps.Registry.State(s.id); err == nil && st == domain.StateStreaming {
			_ = s.deps.Registry.Transition(s.id, domain.StateReady)
		}
	}
}

// tick runs the periodic duties: heartbeat pings on idle, unresponsive
// recovery/teardown, streaming inactivity detection.
func (s *Session) tick(cfg ratelimit.Config) (terminal bool) {
	state, err := s.deps.Registry.State(s.id)
	if err != nil {
		s.shutdown(domain.KindServerError)
		return true
	}

	switch state {
	case domain.StateUnresponsive:
		if s.unresponsiveSince.IsZero() {
			s.unresponsiveSince = time.Now()
		}
		if s.queue.Len() == 0 {
			s.unresponsiveSince = time.Time{}
			next := domain.StateReady
			if len(s.streams) > 0 {
				next = domain.StateStreaming
			}
			_ = s.deps.Registry.Transition(s.id, next)
			return false
		}
		if time.Since(s.unresponsiveSince) > cfg.MessageTimeout {
			s.deps.Telemetry.IncCounter("session.unresponsive_closed")
			s.shutdown(domain.KindServerError)
			return true
		}
		return false

	case domain.StateStreaming:
		if time.Since(s.lastActivity) > cfg.MessageTimeout {
			s.deps.Telemetry.IncCounter("session.stream_idle_closed")
			s.shutdown(domain.KindServerError)
			return true
		}
	}

	if time.Since(s.lastActivity) >= cfg.MessageTimeout/2 {
		if err := s.Enqueue(protocol.NewPing(s.deps.IDs.Nonce())); err != nil {
			s.onQueueFull()
		}
	}
	return false
}

// onQueueFull marks the connection unresponsive; the grace window in tick
// decides between recovery and teardown.
func (s *Session) onQueueFull() {
	s.deps.Telemetry.IncCounter("session.queue_full")
	if st, err := s.deps.Registry.State(s.id); err == nil && st != domain.StateUnresponsive {
		_ = s.deps.Registry.Transition(s.id, domain.StateUnresponsive)
	}
}

// shutdown finishes the session from the event loop.
func (s *Session) shutdown(kind domain.Kind) {
	for id, stream := range s.streams {
		stream.Cancel()
		delete(s.streams, id)
	}
	if s.registered {
		_ = s.deps.Registry.Transition(s.id, domain.StateClosing)
	}
	s.closeWith(kind)
}

// teardown releases all resources; safe to run exactly once at Run exit.
func (s *Session) teardown() {
	s.queue.Close()
	if s.registered {
		s.deps.Registry.Unregister(s.id)
	}
	<-s.done // writePump finished flushing
	_ = s.ws.Close()
}

// readPump moves raw frames from the transport to the event loop.
func (s *Session) readPump() {
	defer close(s.inbound)
	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("read error", "error", err)
			}
			select {
			case s.inbound <- inboundFrame{err: err}:
			case <-s.done:
			}
			return
		}
		select {
		case s.inbound <- inboundFrame{messageType: messageType, data: data}:
		case <-s.done:
			return
		}
	}
}

// writePump is the sole writer to the transport. It drains the ordered
// queue, then delivers the close frame.
func (s *Session) writePump() {
	defer close(s.done)
	for env := range s.queue.ch {
		data, err := protocol.Encode(env)
		if err != nil {
			s.log.Error("encode outbound envelope", "type", string(env.Kind()), "error", err)
			continue
		}
		_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Debug("write failed", "error", err)
			return
		}
	}

	code := s.closeCode
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""))
}
