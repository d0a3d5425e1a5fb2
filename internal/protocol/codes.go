package protocol

import (
	"github.com/gorilla/websocket"

	"github.com/loomchat/loom/internal/domain"
)

// Wire-level error envelope codes.
const (
	CodeAuthenticationRequired  = 4401
	CodeInvalidMessageFormat    = 4001
	CodeRateLimitExceeded       = 4002
	CodeConnectionLimitExceeded = 4003
	CodeUpstreamUnavailable     = 5011
	CodeUpstreamThrottled       = 5012
	CodeServerError             = 5000
)

// ErrorCode maps a failure kind to its in-band error envelope code.
func ErrorCode(kind domain.Kind) int {
	switch domain.WireKind(kind) {
	case domain.KindAuthenticationRequired:
		return CodeAuthenticationRequired
	case domain.KindInvalidMessageFormat:
		return CodeInvalidMessageFormat
	case domain.KindRateLimitExceeded:
		return CodeRateLimitExceeded
	case domain.KindConnectionLimitExceeded:
		return CodeConnectionLimitExceeded
	case domain.KindUpstreamUnavailable:
		return CodeUpstreamUnavailable
	case domain.KindUpstreamThrottled:
		return CodeUpstreamThrottled
	default:
		return CodeServerError
	}
}

// CloseCode maps a failure kind to the WebSocket close code that should
// terminate the transport, or ok=false when the kind is in-band only.
func CloseCode(kind domain.Kind) (code int, ok bool) {
	switch domain.WireKind(kind) {
	case domain.KindAuthenticationRequired, domain.KindConnectionLimitExceeded:
		return websocket.ClosePolicyViolation, true // 1008
	case domain.KindServerError:
		return websocket.CloseInternalServerErr, true // 1011
	case domain.KindNormalShutdown:
		return websocket.CloseNormalClosure, true // 1000
	default:
		return 0, false
	}
}
