package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
	"github.com/loomchat/loom/internal/protocol"
)

// cancelGrace bounds how long a cancelled stream may keep its provider
// handle open.
const cancelGrace = 2 * time.Second

// Bridge converts an inbound user message into a streaming upstream call
// and forwards the deltas back as a framed chunk sequence.
type Bridge struct {
	provider    ports.LLMProvider
	cache       *ResponseCache
	telemetry   ports.TelemetrySink
	model       string
	temperature float64
	maxTokens   int
	log         *slog.Logger
}

func NewBridge(provider ports.LLMProvider, cache *ResponseCache, telemetry ports.TelemetrySink, model string, temperature float64, maxTokens int) *Bridge {
	return &Bridge{
		provider:    provider,
		cache:       cache,
		telemetry:   telemetry,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		log:         slog.Default().With("component", "llm_bridge"),
	}
}

// Stream is one in-flight response. Envelopes carries zero or more
// chat_chunk frames, then, when the upstream fails, one error frame, and
// always terminates with exactly one final=true chunk before closing.
type Stream struct {
	ID        string
	Envelopes <-chan protocol.Envelope
	cancel    context.CancelFunc
}

// Cancel signals cooperative termination. The bridge stops reading
// upstream and emits a final chunk marked cancelled.
func (s *Stream) Cancel() {
	s.cancel()
}

// format transforms conversation messages into the provider's shape,
// extracting an optional system prompt from the first system message.
func (b *Bridge) format(history []*protocol.ChatMessage, inbound *protocol.ChatMessage) ports.ChatRequest {
	req := ports.ChatRequest{
		Model:       b.model,
		Temperature: b.temperature,
		MaxTokens:   b.maxTokens,
	}

	msgs := append(append([]*protocol.ChatMessage{}, history...), inbound)
	for _, msg := range msgs {
		if req.System == "" && msg.Role == protocol.RoleSystem {
			req.System = msg.Content
			continue
		}
		req.Turns = append(req.Turns, ports.ChatTurn{Role: string(msg.Role), Content: msg.Content})
	}
	return req
}

// Respond starts the upstream call for an inbound message. The returned
// stream shares the inbound message id across all of its chunks.
func (b *Bridge) Respond(ctx context.Context, history []*protocol.ChatMessage, inbound *protocol.ChatMessage) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan protocol.Envelope, 16)
	stream := &Stream{ID: inbound.ID, Envelopes: out, cancel: cancel}

	req := b.format(history, inbound)

	go func() {
		defer close(out)
		defer cancel()
		b.run(ctx, req, inbound.ID, out)
	}()

	return stream
}

func (b *Bridge) run(ctx context.Context, req ports.ChatRequest, id string, out chan<- protocol.Envelope) {
	started := time.Now()

	if content, ok := b.cache.Get(ctx, req); ok {
		b.telemetry.IncCounter("llm.cache_hit")
		chunk := protocol.NewChatChunk(id, 0, content, true)
		b.emit(ctx, out, chunk)
		return
	}

	deltas, err := b.provider.Stream(ctx, req)
	if err != nil {
		b.telemetry.IncCounter("llm.upstream_error")
		b.emitFailure(ctx, out, id, 0, err)
		return
	}

	var assembled strings.Builder
	seq := 0
	for {
		select {
		case <-ctx.Done():
			b.drain(deltas)
			b.telemetry.IncCounter("llm.cancelled")
			b.emitCancelled(out, id, seq)
			return

		case delta, open := <-deltas:
			if !open {
				if ctx.Err() != nil {
					b.telemetry.IncCounter("llm.cancelled")
					b.emitCancelled(out, id, seq)
					return
				}
				// Provider closed without a Done marker; terminate the
				// sequence regardless.
				b.finish(ctx, out, req, id, seq, assembled.String(), started)
				return
			}
			if delta.Err != nil {
				if ctx.Err() != nil {
					b.emitCancelled(out, id, seq)
					return
				}
				b.telemetry.IncCounter("llm.upstream_error")
				b.emitFailure(ctx, out, id, seq, delta.Err)
				return
			}
			if delta.Done {
				b.finish(ctx, out, req, id, seq, assembled.String(), started)
				return
			}
			assembled.WriteString(delta.Content)
			b.emit(ctx, out, protocol.NewChatChunk(id, seq, delta.Content, false))
			seq++
		}
	}
}

// finish emits the terminating chunk and stores the assembled response.
func (b *Bridge) finish(ctx context.Context, out chan<- protocol.Envelope, req ports.ChatRequest, id string, seq int, content string, started time.Time) {
	b.emit(ctx, out, protocol.NewChatChunk(id, seq, "", true))
	b.telemetry.Observe("llm.stream_duration_seconds", time.Since(started).Seconds())

	cacheCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()
	b.cache.Put(cacheCtx, req, content)
}

// emitFailure sends the error envelope followed by a final chunk so the
// peer's state machine can release the request id.
func (b *Bridge) emitFailure(ctx context.Context, out chan<- protocol.Envelope, id string, seq int, err error) {
	kind := domain.KindOf(err)
	if kind != domain.KindUpstreamThrottled {
		kind = domain.KindUpstreamUnavailable
	}
	b.log.Warn("upstream stream failed", "message_id", id, "kind", string(kind), "error", err)
	b.emit(ctx, out, protocol.NewError(kind, "upstream request failed"))
	b.emit(ctx, out, protocol.NewChatChunk(id, seq, "", true))
}

// emitCancelled delivers the synthetic cancelled final chunk. The consumer
// may already be tearing down, so delivery is bounded by the grace window.
func (b *Bridge) emitCancelled(out chan<- protocol.Envelope, id string, seq int) {
	final := protocol.NewChatChunk(id, seq, "", true)
	final.Metadata = map[string]any{"cancelled": true}
	select {
	case out <- final:
	case <-time.After(cancelGrace):
	}
}

// emit forwards unless the consumer is gone.
func (b *Bridge) emit(ctx context.Context, out chan<- protocol.Envelope, env protocol.Envelope) {
	select {
	case out <- env:
	case <-ctx.Done():
	}
}

// drain discards remaining deltas so the provider goroutine can observe
// cancellation and close its handle within the grace window.
func (b *Bridge) drain(deltas <-chan ports.Delta) {
	deadline := time.After(cancelGrace)
	for {
		select {
		case _, open := <-deltas:
			if !open {
				return
			}
		case <-deadline:
			return
		}
	}
}
