package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomchat/loom/internal/domain"
)

// Envelope is the unit exchanged over the wire. Each variant carries its
// own discriminator so that encoding then decoding yields an equal value.
type Envelope interface {
	Kind() Type
}

// ChatMessage is a complete message in a conversation.
type ChatMessage struct {
	Type           Type           `json:"type"`
	ID             string         `json:"id"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ConversationID string         `json:"conversation_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (m *ChatMessage) Kind() Type { return TypeChatMessage }

func NewChatMessage(id string, role Role, content, conversationID string, at time.Time) *ChatMessage {
	return &ChatMessage{
		Type:           TypeChatMessage,
		ID:             id,
		Role:           role,
		Content:        content,
		ConversationID: conversationID,
		Timestamp:      at,
	}
}

// ChatChunk is one delta of a streaming response. All chunks of one
// response share the inbound message id; sequence numbers start at 0 and
// the stream terminates with exactly one final=true chunk.
type ChatChunk struct {
	Type     Type           `json:"type"`
	ID       string         `json:"id"`
	Sequence int            `json:"sequence"`
	Delta    string         `json:"delta"`
	Final    bool           `json:"final"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (c *ChatChunk) Kind() Type { return TypeChatChunk }

func NewChatChunk(id string, sequence int, delta string, final bool) *ChatChunk {
	return &ChatChunk{Type: TypeChatChunk, ID: id, Sequence: sequence, Delta: delta, Final: final}
}

// Limits is the rate-limit snapshot advertised in the welcome envelope.
type Limits struct {
	MaxConnectionsPerIP   int `json:"max_connections_per_ip"`
	MaxConnectionsPerUser int `json:"max_connections_per_user"`
	MessagesPerSecond     int `json:"messages_per_second"`
	MessagesPerMinute     int `json:"messages_per_minute"`
	MessagesPerHour       int `json:"messages_per_hour"`
	MessagesPerDay        int `json:"messages_per_day"`
}

// Welcome greets a newly admitted connection.
type Welcome struct {
	Type         Type      `json:"type"`
	ServerTime   time.Time `json:"server_time"`
	ConnectionID string    `json:"connection_id"`
	Limits       Limits    `json:"limits"`
}

func (w *Welcome) Kind() Type { return TypeWelcome }

func NewWelcome(connectionID string, at time.Time, limits Limits) *Welcome {
	return &Welcome{Type: TypeWelcome, ServerTime: at, ConnectionID: connectionID, Limits: limits}
}

// History replays recent conversation messages, oldest first.
type History struct {
	Type     Type           `json:"type"`
	Messages []*ChatMessage `json:"messages"`
}

func (h *History) Kind() Type { return TypeHistory }

func NewHistory(messages []*ChatMessage) *History {
	if messages == nil {
		messages = []*ChatMessage{}
	}
	return &History{Type: TypeHistory, Messages: messages}
}

// Presence notifies conversation members of a user's availability.
type Presence struct {
	Type   Type          `json:"type"`
	UserID string        `json:"user_id"`
	State  PresenceState `json:"state"`
}

func (p *Presence) Kind() Type { return TypePresence }

func NewPresence(userID string, state PresenceState) *Presence {
	return &Presence{Type: TypePresence, UserID: userID, State: state}
}

// Ping probes liveness; the peer answers with a pong carrying the nonce.
type Ping struct {
	Type  Type   `json:"type"`
	Nonce string `json:"nonce"`
}

func (p *Ping) Kind() Type { return TypePing }

func NewPing(nonce string) *Ping { return &Ping{Type: TypePing, Nonce: nonce} }

type Pong struct {
	Type  Type   `json:"type"`
	Nonce string `json:"nonce"`
}

func (p *Pong) Kind() Type { return TypePong }

func NewPong(nonce string) *Pong { return &Pong{Type: TypePong, Nonce: nonce} }

// ErrorEnvelope is an in-band, non-terminal error. It terminates the
// transport only when followed by an explicit close.
type ErrorEnvelope struct {
	Type      Type           `json:"type"`
	Code      int            `json:"code"`
	ErrorKind string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *ErrorEnvelope) Kind() Type { return TypeError }

// NewError builds the error envelope for a failure kind using the wire
// code table.
func NewError(kind domain.Kind, message string) *ErrorEnvelope {
	wire := domain.WireKind(kind)
	return &ErrorEnvelope{
		Type:      TypeError,
		Code:      ErrorCode(wire),
		ErrorKind: string(wire),
		Message:   message,
	}
}

// System is reserved for server-originated control traffic. Admin-issued
// system envelopes bypass message rate limits.
type System struct {
	Type           Type           `json:"type"`
	ID             string         `json:"id"`
	Content        string         `json:"content"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (s *System) Kind() Type { return TypeSystem }

// Cancel aborts the in-flight response identified by ID.
type Cancel struct {
	Type Type   `json:"type"`
	ID   string `json:"id"`
}

func (c *Cancel) Kind() Type { return TypeCancel }

func NewCancel(id string) *Cancel { return &Cancel{Type: TypeCancel, ID: id} }

// Encode serializes an envelope to a single JSON text frame.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Kind(), err)
	}
	return data, nil
}

// Decode parses a frame into its typed variant. Unknown discriminators and
// malformed frames are a validation error, not a lookup failure.
func Decode(data []byte) (Envelope, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, domain.Wrap(domain.KindInvalidMessageFormat, "malformed frame", err)
	}

	var env Envelope
	switch probe.Type {
	case TypeChatMessage:
		env = &ChatMessage{}
	case TypeChatChunk:
		env = &ChatChunk{}
	case TypeWelcome:
		env = &Welcome{}
	case TypeHistory:
		env = &History{}
	case TypePresence:
		env = &Presence{}
	case TypePing:
		env = &Ping{}
	case TypePong:
		env = &Pong{}
	case TypeError:
		env = &ErrorEnvelope{}
	case TypeSystem:
		env = &System{}
	case TypeCancel:
		env = &Cancel{}
	default:
		return nil, domain.E(domain.KindInvalidMessageFormat, fmt.Sprintf("unknown envelope type %q", probe.Type))
	}

	if err := json.Unmarshal(data, env); err != nil {
		return nil, domain.Wrap(domain.KindInvalidMessageFormat, fmt.Sprintf("malformed %s envelope", probe.Type), err)
	}
	return env, nil
}
