// Package identity defines the engine's boundary with the platform's
// authentication subsystem. The engine never authenticates anyone itself; it
// receives the acting principal through this contract.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnauthenticated is returned when no principal can be resolved.
var ErrUnauthenticated = errors.New("identity: no authenticated user")

// User is the resolved acting principal.
type User struct {
	ID          uuid.UUID
	DisplayName string
	Email       string
	Admin       bool
	// PoPVerified reports whether the user passed proof-of-personhood,
	// required by some programs before a claim is accepted.
	PoPVerified bool
}

// Provider resolves the acting principal for a request.
type Provider interface {
	CurrentUser(ctx context.Context) (User, error)
}

// Static always resolves to a fixed user. Used in tests and tooling.
type Static struct {
	User User
}

// CurrentUser implements Provider.
func (s Static) CurrentUser(ctx context.Context) (User, error) {
	if s.User.ID == uuid.Nil {
		return User{}, ErrUnauthenticated
	}
	return s.User, nil
}
