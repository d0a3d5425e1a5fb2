package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loomchat/loom/internal/adapters/kv"
	"github.com/loomchat/loom/internal/ports"
)

// ResponseCache maps a fingerprint of (model, formatted messages,
// parameters) to a full prior response, stored in the KV store. The cache
// is authoritative only for deterministic parameter sets: any temperature
// other than 0 disables both reads and writes.
type ResponseCache struct {
	store   kv.Store
	enabled bool
	ttl     time.Duration
}

type cachedResponse struct {
	Content   string    `msgpack:"content"`
	Model     string    `msgpack:"model"`
	CreatedAt time.Time `msgpack:"created_at"`
}

func NewResponseCache(store kv.Store, enabled bool, ttl time.Duration) *ResponseCache {
	return &ResponseCache{store: store, enabled: enabled, ttl: ttl}
}

func (c *ResponseCache) usable(req ports.ChatRequest) bool {
	return c != nil && c.enabled && req.Temperature == 0
}

// Fingerprint is content-addressed: the hash covers the model id, every
// formatted turn, and the sampling parameters.
func Fingerprint(req ports.ChatRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%g\x00%d\x00", req.Model, req.Temperature, req.MaxTokens)
	fmt.Fprintf(h, "system\x00%s\x00", req.System)
	for _, turn := range req.Turns {
		fmt.Fprintf(h, "%s\x00%s\x00", turn.Role, turn.Content)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cacheKey(fingerprint string) string {
	return "llmcache:" + fingerprint
}

// Get returns the cached full response, or "" on miss. Lookup failures
// degrade to a miss.
func (c *ResponseCache) Get(ctx context.Context, req ports.ChatRequest) (string, bool) {
	if !c.usable(req) {
		return "", false
	}
	data, ok, err := c.store.Get(ctx, cacheKey(Fingerprint(req)))
	if err != nil || !ok {
		return "", false
	}
	var cached cachedResponse
	if err := msgpack.Unmarshal(data, &cached); err != nil {
		return "", false
	}
	return cached.Content, true
}

// Put stores the concatenated deltas of a normally terminated response.
func (c *ResponseCache) Put(ctx context.Context, req ports.ChatRequest, content string) {
	if !c.usable(req) || content == "" {
		return
	}
	data, err := msgpack.Marshal(cachedResponse{
		Content:   content,
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_, _ = c.store.Set(ctx, cacheKey(Fingerprint(req)), data, c.ttl)
}
