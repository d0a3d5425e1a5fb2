package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ConnState
		want     bool
	}{
		{StateInitial, StateConnecting, true},
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateAuthenticated, true},
		{StateAuthenticated, StateReady, true},
		{StateReady, StateStreaming, true},
		{StateStreaming, StateReady, true},
		{StateReady, StateUnresponsive, true},
		{StateStreaming, StateUnresponsive, true},
		{StateUnresponsive, StateReady, true},

		{StateInitial, StateReady, false},
		{StateConnecting, StateReady, false},
		{StateReady, StateAuthenticating, false},
		{StateClosed, StateReady, false},

		// Any live state may begin teardown; teardown is one-way.
		{StateInitial, StateClosing, true},
		{StateAuthenticating, StateClosing, true},
		{StateStreaming, StateClosing, true},
		{StateUnresponsive, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateClosing, StateClosing, false},
		{StateClosed, StateClosing, false},
		{StateClosed, StateClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestSnapshotProjection(t *testing.T) {
	now := time.Now().UTC()
	conn := NewConnection("c-1", "10.0.0.1", now)
	conn.Principal = Principal{UserID: "u-1", Admin: true, Active: true}
	conn.ConversationID = "k-1"
	conn.State = StateStreaming
	conn.Typing = true
	conn.LastMessageID = "m-9"

	snap := conn.Snapshot()
	assert.Equal(t, "c-1", snap.ID)
	assert.Equal(t, "u-1", snap.UserID)
	assert.True(t, snap.Admin)
	assert.Equal(t, "10.0.0.1", snap.RemoteIP)
	assert.Equal(t, "k-1", snap.ConversationID)
	assert.Equal(t, "streaming", snap.State)
	assert.True(t, snap.Typing)
	assert.Equal(t, "m-9", snap.LastMessageID)
}

func TestWireKindFoldsAuthFailures(t *testing.T) {
	for _, k := range []Kind{KindTokenMalformed, KindTokenExpired, KindTokenInvalidSignature, KindUserInactive} {
		assert.Equal(t, KindAuthenticationRequired, WireKind(k))
	}
	assert.Equal(t, KindServerError, WireKind(KindKVUnavailable))
	assert.Equal(t, KindRateLimitExceeded, WireKind(KindRateLimitExceeded))
}

func TestKindOf(t *testing.T) {
	err := Wrap(KindRateLimitExceeded, "too fast", assert.AnError)
	assert.Equal(t, KindRateLimitExceeded, KindOf(err))
	assert.Equal(t, KindServerError, KindOf(assert.AnError))
}
