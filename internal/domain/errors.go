package domain

import "errors"

// Kind classifies a failure for the wire-level mapper. Every error that
// crosses the session boundary carries one.
type Kind string

const (
	KindAuthenticationRequired  Kind = "authentication_required"
	KindInvalidMessageFormat    Kind = "invalid_message_format"
	KindRateLimitExceeded       Kind = "rate_limit_exceeded"
	KindConnectionLimitExceeded Kind = "connection_limit_exceeded"
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindUpstreamThrottled       Kind = "upstream_throttled"
	KindServerError             Kind = "server_error"
	KindNormalShutdown          Kind = "normal_shutdown"

	// Auth validator failure kinds; all fold into authentication_required
	// at the wire boundary.
	KindTokenMalformed        Kind = "token_malformed"
	KindTokenExpired          Kind = "token_expired"
	KindTokenInvalidSignature Kind = "token_invalid_signature"
	KindUserInactive          Kind = "user_inactive"

	// Dependency failure kinds.
	KindKVUnavailable Kind = "kv_unavailable"
	KindKVTypeError   Kind = "kv_type_error"
)

// Common domain errors
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrConnectionUnknown = errors.New("connection not registered")
	ErrDuplicateID       = errors.New("connection id already registered")
	ErrInvalidTransition = errors.New("invalid connection state transition")
	ErrQueueFull         = errors.New("outgoing queue full")
)

// Error wraps a failure with its wire classification.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" && e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors report server_error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindServerError
}

// WireKind folds internal failure kinds into the ones the close-code table
// knows about. Auth validator kinds all surface as authentication_required.
func WireKind(k Kind) Kind {
	switch k {
	case KindTokenMalformed, KindTokenExpired, KindTokenInvalidSignature, KindUserInactive:
		return KindAuthenticationRequired
	case KindKVUnavailable, KindKVTypeError:
		return KindServerError
	default:
		return k
	}
}
