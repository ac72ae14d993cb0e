package customer

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/keychain-shop/internal/domain/identity"
)

// ErrNotFound is returned when a customer profile does not exist.
var ErrNotFound = errors.New("customer not found")

// Profile is the local record of a customer known to the identity provider.
type Profile struct {
	ID        int64
	Subject   string
	Email     string
	Username  string
	Phone     string
	Address   string
	CreatedAt time.Time
}

// Repository persists customer profiles.
type Repository interface {
	// GetOrCreate returns the profile for id, creating it on first use.
	// Concurrent calls for the same subject yield the same profile.
	GetOrCreate(ctx context.Context, id identity.Identity) (*Profile, error)
	// GetBySubject returns ErrNotFound when no profile exists yet.
	GetBySubject(ctx context.Context, subject string) (*Profile, error)
}
