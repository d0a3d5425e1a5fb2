// Package ports declares the collaborator interfaces the realtime core
// consumes. Implementations live under internal/adapters.
package ports

import (
	"context"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/protocol"
)

// UserRepository resolves token subjects to accounts.
type UserRepository interface {
	// FindByID returns domain.ErrUserNotFound when no such user exists.
	FindByID(ctx context.Context, userID string) (*domain.User, error)
}

// MessageRepository persists accepted chat messages. Called fire-and-forget
// after fan-out; failures are logged only.
type MessageRepository interface {
	Persist(ctx context.Context, msg *protocol.ChatMessage) error
}
