package auth

import (
	"context"
	"errors"

	"github.com/loomchat/loom/internal/domain"
	"github.com/loomchat/loom/internal/ports"
)

// Validator resolves a bearer token to a principal. Pure relative to the
// token and the repository; it performs no I/O beyond the single user
// lookup.
type Validator struct {
	verifier ports.TokenVerifier
	users    ports.UserRepository
}

func NewValidator(verifier ports.TokenVerifier, users ports.UserRepository) *Validator {
	return &Validator{verifier: verifier, users: users}
}

func (v *Validator) Authenticate(ctx context.Context, token string) (*domain.Principal, error) {
	if token == "" {
		return nil, domain.E(domain.KindTokenMalformed, "missing bearer token")
	}

	claims, err := v.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	user, err := v.users.FindByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.E(domain.KindUserInactive, "subject does not resolve to an active user")
		}
		return nil, domain.Wrap(domain.KindServerError, "user lookup failed", err)
	}
	if !user.Active {
		return nil, domain.E(domain.KindUserInactive, "user is inactive")
	}

	return &domain.Principal{UserID: user.ID, Admin: user.Admin, Active: true}, nil
}
