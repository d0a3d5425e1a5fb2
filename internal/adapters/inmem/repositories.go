// Package inmem holds repository fallbacks for runs without a relational
// database: single-node development and tests.
package inmem

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/protocol"
)

// UserRepository treats every token subject as an active user. Admin
// subjects are listed explicitly.
type UserRepository struct {
	mu     sync.RWMutex
	admins map[string]bool
}

func NewUserRepository(admins []string) *UserRepository {
	m := make(map[string]bool, len(admins))
	for _, id := range admins {
		m[id] = true
	}
	return &UserRepository{admins: m}
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, domain.ErrUserNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &domain.User{ID: userID, Active: true, Admin: r.admins[userID]}, nil
}

// MessageRepository keeps accepted messages in memory; the zero-dependency
// stand-in for the relational store.
type MessageRepository struct {
	mu       sync.Mutex
	messages []*protocol.ChatMessage
	log      *slog.Logger
}

func NewMessageRepository() *MessageRepository {
	return &MessageRepository{log: slog.Default().With("component", "inmem_messages")}
}

func (r *MessageRepository) Persist(ctx context.Context, msg *protocol.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

// All returns the persisted messages; used by tests.
func (r *MessageRepository) All() []*protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.ChatMessage(nil), r.messages...)
}
