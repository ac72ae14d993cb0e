package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// Resolver maps bearer tokens to identities using HMAC-SHA256 hashes kept
// in a TokenStore.
type Resolver struct {
	tokens TokenStore
	pepper []byte
}

// NewResolver creates a Resolver with the given token store and HMAC pepper.
func NewResolver(tokens TokenStore, pepper []byte) *Resolver {
	return &Resolver{
		tokens: tokens,
		pepper: pepper,
	}
}

// HashToken returns the hex HMAC-SHA256 of token keyed with pepper. Seeding
// tools use it to store tokens the Resolver will accept.
func HashToken(token string, pepper []byte) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Resolve returns the identity bound to token. Unknown tokens yield
// ErrUnresolved. Store failures are returned wrapped so callers can tell an
// outage from bad credentials.
func (r *Resolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnresolved
	}
	mac := hmac.New(sha256.New, r.pepper)
	mac.Write([]byte(token))
	sum := mac.Sum(nil)

	t, err := r.tokens.FindByHash(ctx, hex.EncodeToString(sum))
	if errors.Is(err, ErrTokenNotFound) {
		return Identity{}, ErrUnresolved
	}
	if err != nil {
		return Identity{}, errors.Wrap(err, "find token")
	}

	// The store matched on the hash; compare again in constant time in case
	// it returned a different row.
	stored, err := hex.DecodeString(t.Hash)
	if err != nil || subtle.ConstantTimeCompare(sum, stored) != 1 {
		return Identity{}, ErrUnresolved
	}
	if err := t.Identity.Validate(); err != nil {
		return Identity{}, err
	}
	return t.Identity, nil
}
