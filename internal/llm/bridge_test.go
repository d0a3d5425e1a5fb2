package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/adapters/metrics"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/protocol"
)

// stubProvider replays scripted deltas, optionally blocking until
// cancellation after a prefix.
type stubProvider struct {
	deltas    []ports.Delta
	err       error
	blockAt   int // -1 to disable
	requests  []ports.ChatRequest
}

func newStubProvider(deltas ...ports.Delta) *stubProvider {
	return &stubProvider{deltas: deltas, blockAt: -1}
}

func (p *stubProvider) Stream(ctx context.Context, req ports.ChatRequest) (<-chan ports.Delta, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	out := make(chan ports.Delta, 1)
	go func() {
		defer close(out)
		for i, d := range p.deltas {
			if p.blockAt >= 0 && i == p.blockAt {
				<-ctx.Done()
				return
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func collect(t *testing.T, s *Stream) []protocol.Envelope {
	t.Helper()
	var envs []protocol.Envelope
	timeout := time.After(5 * time.Second)
	for {
		select {
		case env, open := <-s.Envelopes:
			if !open {
				return envs
			}
			envs = append(envs, env)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func textDeltas(parts ...string) []ports.Delta {
	out := make([]ports.Delta, 0, len(parts)+1)
	for _, p := range parts {
		out = append(out, ports.Delta{Content: p})
	}
	return append(out, ports.Delta{Done: true})
}

func newBridge(provider ports.LLMProvider, store kv.Store, cacheEnabled bool, temperature float64) *Bridge {
	cache := NewResponseCache(store, cacheEnabled, time.Hour)
	return NewBridge(provider, cache, metrics.NewRecordingSink(), "test-model", temperature, 256)
}

func inbound(id, content string) *protocol.ChatMessage {
	return protocol.NewChatMessage(id, protocol.RoleUser, content, "k-1", time.Now().UTC())
}

func TestRespond_ChunkSequence(t *testing.T) {
	provider := newStubProvider(textDeltas("Hel", "lo", "!")...)
	b := newBridge(provider, kv.NewMemoryStore(), false, 0.7)

	s := b.Respond(context.Background(), nil, inbound("m-1", "hi"))
	envs := collect(t, s)

	require.Len(t, envs, 4)
	var finals int
	for i, env := range envs {
		chunk, ok := env.(*protocol.ChatChunk)
		require.True(t, ok)
		assert.Equal(t, "m-1", chunk.ID, "chunks share the inbound message id")
		assert.Equal(t, i, chunk.Sequence, "sequence increases by one from zero")
		if chunk.Final {
			finals++
			assert.Empty(t, chunk.Delta)
		}
	}
	assert.Equal(t, 1, finals, "exactly one terminating chunk")
}

func TestRespond_SystemPromptExtraction(t *testing.T) {
	provider := newStubProvider(textDeltas("ok")...)
	b := newBridge(provider, kv.NewMemoryStore(), false, 0.7)

	history := []*protocol.ChatMessage{
		protocol.NewChatMessage("m-0", protocol.RoleSystem, "be terse", "k-1", time.Now().UTC()),
		protocol.NewChatMessage("m-1", protocol.RoleUser, "first", "k-1", time.Now().UTC()),
	}
	s := b.Respond(context.Background(), history, inbound("m-2", "second"))
	collect(t, s)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, "be terse", req.System)
	require.Len(t, req.Turns, 2)
	assert.Equal(t, "first", req.Turns[0].Content)
	assert.Equal(t, "second", req.Turns[1].Content)
}

func TestRespond_UpstreamError(t *testing.T) {
	provider := newStubProvider()
	provider.err = domain.E(domain.KindUpstreamUnavailable, "connect refused")
	b := newBridge(provider, kv.NewMemoryStore(), false, 0.7)

	s := b.Respond(context.Background(), nil, inbound("m-1", "hi"))
	envs := collect(t, s)

	require.Len(t, envs, 2)
	errEnv, ok := envs[0].(*protocol.ErrorEnvelope)
	require.True(t, ok, "error envelope precedes the final chunk")
	assert.Equal(t, protocol.CodeUpstreamUnavailable, errEnv.Code)

	final, ok := envs[1].(*protocol.ChatChunk)
	require.True(t, ok)
	assert.True(t, final.Final, "final chunk releases the request id")
}

func TestRespond_UpstreamThrottled(t *testing.T) {
	provider := newStubProvider()
	provider.err = domain.E(domain.KindUpstreamThrottled, "429")
	b := newBridge(provider, kv.NewMemoryStore(), false, 0.7)

	s := b.Respond(context.Background(), nil, inbound("m-1", "hi"))
	envs := collect(t, s)

	require.Len(t, envs, 2)
	errEnv := envs[0].(*protocol.ErrorEnvelope)
	assert.Equal(t, protocol.CodeUpstreamThrottled, errEnv.Code)
}

func TestRespond_Cancellation(t *testing.T) {
	provider := newStubProvider(ports.Delta{Content: "par"}, ports.Delta{Content: "tial"}, ports.Delta{Content: "never"})
	provider.blockAt = 2
	b := newBridge(provider, kv.NewMemoryStore(), false, 0.7)

	s := b.Respond(context.Background(), nil, inbound("m-7", "hi"))

	// Read the two partial chunks, then cancel.
	first := <-s.Envelopes
	second := <-s.Envelopes
	assert.Equal(t, 0, first.(*protocol.ChatChunk).Sequence)
	assert.Equal(t, 1, second.(*protocol.ChatChunk).Sequence)
	s.Cancel()

	envs := collect(t, s)
	require.Len(t, envs, 1, "at most one further chunk after cancellation")
	final := envs[0].(*protocol.ChatChunk)
	assert.True(t, final.Final)
	assert.Equal(t, true, final.Metadata["cancelled"])
	assert.GreaterOrEqual(t, final.Sequence, 2)
}

func TestRespond_CacheHitSingleChunk(t *testing.T) {
	store := kv.NewMemoryStore()
	provider := newStubProvider(textDeltas("Hello", " world")...)
	b := newBridge(provider, store, true, 0)

	// Miss populates the cache.
	collect(t, b.Respond(context.Background(), nil, inbound("m-1", "hi")))
	require.Len(t, provider.requests, 1)

	// Hit serves from cache without touching the provider.
	envs := collect(t, b.Respond(context.Background(), nil, inbound("m-2", "hi")))
	require.Len(t, provider.requests, 1, "provider not called on hit")
	require.Len(t, envs, 1)
	chunk := envs[0].(*protocol.ChatChunk)
	assert.Equal(t, "m-2", chunk.ID)
	assert.Equal(t, 0, chunk.Sequence)
	assert.Equal(t, "Hello world", chunk.Delta)
	assert.True(t, chunk.Final)
}

func TestRespond_CacheDisabledForNonZeroTemperature(t *testing.T) {
	store := kv.NewMemoryStore()
	provider := newStubProvider(textDeltas("x")...)
	b := newBridge(provider, store, true, 0.7)

	collect(t, b.Respond(context.Background(), nil, inbound("m-1", "hi")))
	collect(t, b.Respond(context.Background(), nil, inbound("m-2", "hi")))
	assert.Len(t, provider.requests, 2, "non-deterministic params bypass the cache")
}

func TestFingerprintSensitivity(t *testing.T) {
	base := ports.ChatRequest{
		Model:       "m",
		Turns:       []ports.ChatTurn{{Role: "user", Content: "hi"}},
		Temperature: 0,
		MaxTokens:   256,
	}
	same := Fingerprint(base)
	assert.Equal(t, same, Fingerprint(base))

	model := base
	model.Model = "other"
	assert.NotEqual(t, same, Fingerprint(model))

	content := base
	content.Turns = []ports.ChatTurn{{Role: "user", Content: "hi!"}}
	assert.NotEqual(t, same, Fingerprint(content))

	tokens := base
	tokens.MaxTokens = 512
	assert.NotEqual(t, same, Fingerprint(tokens))
}
