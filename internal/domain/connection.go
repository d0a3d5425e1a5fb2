package domain

import "time"

// Principal is the authenticated identity bound to a connection for its
// lifetime. Resolved once at handshake; immutable afterwards.
type Principal struct {
	UserID string
	Admin  bool
	Active bool
}

// User is the repository-side view of an account.
type User struct {
	ID     string
	Active bool
	Admin  bool
}

// ConnState is the lifecycle state of a live connection.
type ConnState int

const (
	StateInitial ConnState = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateReady
	StateStreaming
	StateUnresponsive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateUnresponsive:
		return "unresponsive"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions is the permitted state graph. Any state other than closing
// and closed may move to closing, and closing may only move to closed.
var transitions = map[ConnState][]ConnState{
	StateInitial:        {StateConnecting},
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated},
	StateAuthenticated:  {StateReady},
	StateReady:          {StateStreaming, StateUnresponsive},
	StateStreaming:      {StateReady, StateUnresponsive},
	StateUnresponsive:   {StateReady, StateStreaming},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether moving from s to next is permitted.
func (s ConnState) CanTransition(next ConnState) bool {
	if next == StateClosing {
		return s != StateClosing && s != StateClosed
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Connection is one live bidirectional session. Owned exclusively by the
// session that created it; the registry holds a weak reference.
type Connection struct {
	ID             string
	Principal      Principal
	RemoteIP       string
	ConversationID string
	CreatedAt      time.Time
	LastSeen       time.Time
	State          ConnState
	Typing         bool
	LastMessageID  string
}

func NewConnection(id string, remoteIP string, now time.Time) *Connection {
	return &Connection{
		ID:        id,
		RemoteIP:  remoteIP,
		CreatedAt: now,
		LastSeen:  now,
		State:     StateInitial,
	}
}

// Snapshot is the serializable projection of a connection for cross-process
// observability. Never holds transport handles.
type Snapshot struct {
	ID             string    `msgpack:"id" json:"id"`
	UserID         string    `msgpack:"user_id" json:"user_id"`
	Admin          bool      `msgpack:"admin" json:"admin"`
	RemoteIP       string    `msgpack:"remote_ip" json:"remote_ip"`
	ConversationID string    `msgpack:"conversation_id,omitempty" json:"conversation_id,omitempty"`
	CreatedAt      time.Time `msgpack:"created_at" json:"created_at"`
	LastSeen       time.Time `msgpack:"last_seen" json:"last_seen"`
	State          string    `msgpack:"state" json:"state"`
	Typing         bool      `msgpack:"typing" json:"typing"`
	LastMessageID  string    `msgpack:"last_message_id,omitempty" json:"last_message_id,omitempty"`
}

func (c *Connection) Snapshot() Snapshot {
	return Snapshot{
		ID:             c.ID,
		UserID:         c.Principal.UserID,
		Admin:          c.Principal.Admin,
		RemoteIP:       c.RemoteIP,
		ConversationID: c.ConversationID,
		CreatedAt:      c.CreatedAt,
		LastSeen:       c.LastSeen,
		State:          c.State.String(),
		Typing:         c.Typing,
		LastMessageID:  c.LastMessageID,
	}
}
