package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/protocol"
)

// handleFrame dispatches one inbound frame. Returns true when the session
// must terminate.
func (s *Session) handleFrame(ctx context.Context, fr inboundFrame) (terminal bool) {
	if fr.messageType != websocket.TextMessage {
		return s.validationError("binary frames are not supported")
	}

	env, err := protocol.Decode(fr.data)
	if err != nil {
		return s.validationError(err.Error())
	}

	switch env := env.(type) {
	case *protocol.ChatMessage:
		return s.handleChatMessage(ctx, env)
	case *protocol.Cancel:
		s.handleCancel(env)
	case *protocol.Presence:
		s.handlePresence(env)
	case *protocol.System:
		return s.handleSystem(ctx, env)
	case *protocol.Ping:
		_ = s.deps.Registry.Heartbeat(s.id)
		if err := s.Enqueue(protocol.NewPong(env.Nonce)); err != nil {
			s.onQueueFull()
		}
	case *protocol.Pong:
		_ = s.deps.Registry.Heartbeat(s.id)
	default:
		// welcome, history, chunks and errors are server-originated;
		// receiving one from the peer is a validation failure.
		return s.validationError("unexpected envelope type " + string(env.Kind()))
	}
	return false
}

// validationError answers with an invalid_message_format envelope and
// stays in state. Persistent malformed input escalates to teardown.
func (s *Session) validationError(message string) (terminal bool) {
	s.deps.Telemetry.IncCounter("session.malformed")
	if err := s.Enqueue(protocol.NewError(domain.KindInvalidMessageFormat, message)); err != nil {
		s.onQueueFull()
	}

	now := time.Now()
	recent := s.malformedAt[:0]
	for _, at := range s.malformedAt {
		if now.Sub(at) <= malformedWindow {
			recent = append(recent, at)
		}
	}
	s.malformedAt = append(recent, now)

	if len(s.malformedAt) > malformedBurst {
		s.log.Warn("malformed input burst, closing")
		s.deps.Telemetry.IncCounter("session.malformed_burst")
		s.shutdown(domain.KindInvalidMessageFormat)
		return true
	}
	return false
}

// handleChatMessage admits, records, fans out and answers a user message.
func (s *Session) handleChatMessage(ctx context.Context, msg *protocol.ChatMessage) (terminal bool) {
	if msg.Content == "" || (msg.Role != "" && !msg.Role.Valid()) {
		return s.validationError("chat_message requires content and a valid role")
	}

	if err := s.deps.Limiter.AdmitMessage(ctx, s.conn.Principal, false); err != nil {
		s.deps.Telemetry.IncCounter("session.message_denied")
		if enqErr := s.Enqueue(protocol.NewError(domain.KindOf(err), err.Error())); enqErr != nil {
			s.onQueueFull()
		}
		return false
	}

	if msg.ID == "" {
		msg.ID = s.deps.IDs.MessageID()
	}
	if msg.Role == "" {
		msg.Role = protocol.RoleUser
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = s.conn.ConversationID
	}
	if conversationID == "" {
		return s.validationError("chat_message requires a conversation_id")
	}
	msg.ConversationID = conversationID
	if s.conn.ConversationID != conversationID {
		_ = s.deps.Registry.JoinConversation(s.id, conversationID)
	}

	_ = s.deps.Registry.SetLastMessage(s.id, msg.ID)
	_ = s.deps.Registry.Heartbeat(s.id)

	if err := s.deps.History.Append(ctx, conversationID, msg); err != nil {
		s.log.Warn("history append failed", "conversation_id", conversationID, "error", err)
		s.deps.Telemetry.IncCounter("session.history_append_failed")
	}

	s.deps.Registry.Broadcast(conversationID, msg, s.id)

	// Fire-and-forget persistence; failures are logged only.
	go func(m protocol.ChatMessage) {
		persistCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := s.deps.Messages.Persist(persistCtx, &m); err != nil {
			s.log.Warn("message persistence failed", "message_id", m.ID, "error", err)
		}
	}(*msg)

	s.deps.Telemetry.IncCounter("session.messages_accepted")

	// Recent history minus the message itself forms the prompt context.
	promptHistory, err := s.deps.History.Range(ctx, conversationID, 0, -1)
	if err != nil {
		promptHistory = nil
	}
	if n := len(promptHistory); n > 0 && promptHistory[n-1].ID == msg.ID {
		promptHistory = promptHistory[:n-1]
	}

	s.startStream(ctx, promptHistory, msg)
	return false
}

// handleCancel signals the bridge; the synthetic cancelled final chunk
// flows back through the stream channel. Cancels for unknown or already
// settled ids are ignored.
func (s *Session) handleCancel(cancel *protocol.Cancel) {
	stream, ok := s.streams[cancel.ID]
	if !ok {
		s.log.Debug("cancel for unknown stream", "id", cancel.ID)
		return
	}
	s.deps.Telemetry.IncCounter("session.cancelled")
	stream.Cancel()
}

// handlePresence updates the typing flag and fans the notification out to
// the other conversation members.
func (s *Session) handlePresence(p *protocol.Presence) {
	typing := p.State == protocol.PresenceTyping
	if _, err := s.deps.Registry.SetTyping(s.id, typing); err != nil {
		return
	}
	if s.conn.ConversationID == "" {
		return
	}
	out := protocol.NewPresence(s.conn.Principal.UserID, p.State)
	s.deps.Registry.Broadcast(s.conn.ConversationID, out, s.id)
}

// handleSystem relays admin control traffic, bypassing message counting.
// Non-admin peers cannot originate system envelopes.
func (s *Session) handleSystem(ctx context.Context, env *protocol.System) (terminal bool) {
	if !s.conn.Principal.Admin {
		return s.validationError("system envelopes are server-originated")
	}
	if err := s.deps.Limiter.AdmitMessage(ctx, s.conn.Principal, true); err != nil {
		return false
	}
	if env.ID == "" {
		env.ID = s.deps.IDs.MessageID()
	}
	conversationID := env.ConversationID
	if conversationID == "" {
		conversationID = s.conn.ConversationID
	}
	if conversationID != "" {
		s.deps.Registry.Broadcast(conversationID, env, s.id)
	}
	return false
}
