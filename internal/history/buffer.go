// Package history maintains a length-bounded, ordered record of recent
// chat messages per conversation, shared across processes through the KV
// store and cached locally.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/protocol"
)

const DefaultMaxLength = 100

func ringKey(conversationID string) string {
	return "hist:" + conversationID
}

type Buffer struct {
	store kv.Store
	max   int

	mu    sync.Mutex
	cache map[string][]*protocol.ChatMessage
}

func New(store kv.Store, maxLength int) *Buffer {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Buffer{
		store: store,
		max:   maxLength,
		cache: make(map[string][]*protocol.ChatMessage),
	}
}

func (b *Buffer) MaxLength() int { return b.max }

// Append pushes a message to the right of the ring and trims to the
// configured maximum, as a single pipelined batch. Append order is the
// authoritative order for a conversation.
func (b *Buffer) Append(ctx context.Context, conversationID string, msg *protocol.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history append encode: %w", err)
	}

	p := b.store.Pipeline()
	p.RPush(ringKey(conversationID), data)
	p.LTrim(ringKey(conversationID), int64(-b.max), -1)
	if _, err := p.Exec(ctx); err != nil {
		return domain.Wrap(domain.KindKVUnavailable, "history append", err)
	}

	b.mu.Lock()
	ring := append(b.cache[conversationID], msg)
	if len(ring) > b.max {
		ring = ring[len(ring)-b.max:]
	}
	b.cache[conversationID] = ring
	b.mu.Unlock()
	return nil
}

// Range returns messages from start to stop inclusive, 0-indexed from the
// oldest; negative indices count from the end. Implementations must not
// reorder on read.
func (b *Buffer) Range(ctx context.Context, conversationID string, start, stop int64) ([]*protocol.ChatMessage, error) {
	raw, err := b.store.LRange(ctx, ringKey(conversationID), start, stop)
	if err != nil {
		return nil, domain.Wrap(domain.KindKVUnavailable, "history range", err)
	}
	out := make([]*protocol.ChatMessage, 0, len(raw))
	for _, data := range raw {
		var msg protocol.ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("history range decode: %w", err)
		}
		out = append(out, &msg)
	}
	return out, nil
}

// Get scans the most recent window for a message id. Serves only the
// current ring; anything older is gone from the buffer by definition.
func (b *Buffer) Get(ctx context.Context, conversationID, id string) (*protocol.ChatMessage, error) {
	b.mu.Lock()
	ring, cached := b.cache[conversationID]
	if cached {
		for _, msg := range ring {
			if msg.ID == id {
				b.mu.Unlock()
				return msg, nil
			}
		}
		b.mu.Unlock()
		return nil, nil
	}
	b.mu.Unlock()

	msgs, err := b.Range(ctx, conversationID, 0, -1)
	if err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		if msg.ID == id {
			return msg, nil
		}
	}
	return nil, nil
}

// Snapshot returns the full current ring, used for the history envelope
// sent after welcome.
func (b *Buffer) Snapshot(ctx context.Context, conversationID string) ([]*protocol.ChatMessage, error) {
	return b.Range(ctx, conversationID, 0, -1)
}

// Forget drops the local cache for a conversation.
func (b *Buffer) Forget(conversationID string) {
	b.mu.Lock()
	delete(b.cache, conversationID)
	b.mu.Unlock()
}
