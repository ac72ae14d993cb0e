// Package identity describes the caller on whose behalf an operation runs.
package identity

import (
	"context"

	"github.com/go-faster/errors"
)

var (
	// ErrUnresolved is returned when a request cannot be mapped to a caller.
	ErrUnresolved = errors.New("identity unresolved")
	// ErrForbidden is returned when a resolved caller may not perform an action.
	ErrForbidden = errors.New("forbidden")
	// ErrTokenNotFound is returned by a TokenStore when no active token has
	// the requested hash.
	ErrTokenNotFound = errors.New("token not found")
)

// Identity is a caller resolved by the identity provider. Subject is the
// provider's opaque, stable identifier.
type Identity struct {
	Subject  string
	Email    string
	Username string
	Staff    bool
}

// Validate reports ErrUnresolved when the identity carries no subject.
func (i Identity) Validate() error {
	if i.Subject == "" {
		return ErrUnresolved
	}
	return nil
}

// Token is a stored bearer credential.
type Token struct {
	Hash     string
	Identity Identity
}

// TokenStore looks up active tokens by their HMAC hash. FindByHash returns
// ErrTokenNotFound for unknown or revoked hashes.
type TokenStore interface {
	FindByHash(ctx context.Context, hash string) (*Token, error)
}
