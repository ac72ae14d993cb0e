package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/keychain-shop/internal/domain/identity"
)

const (
	getTokenByHashSQL = `SELECT token_hash, subject, email, username, staff
		FROM api_tokens WHERE token_hash = $1 AND active = TRUE`

	upsertTokenSQL = `INSERT INTO api_tokens (token_hash, subject, email, username, staff)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token_hash) DO UPDATE SET
			subject = EXCLUDED.subject,
			email = EXCLUDED.email,
			username = EXCLUDED.username,
			staff = EXCLUDED.staff,
			active = TRUE`
)

var _ identity.TokenStore = (*TokenRepository)(nil)

// TokenRepository provides bearer token lookups backed by PostgreSQL.
type TokenRepository struct {
	db DBTX
}

// NewTokenRepository returns a TokenRepository that uses db.
func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// FindByHash looks up an active token by its HMAC-SHA256 hash.
func (r *TokenRepository) FindByHash(ctx context.Context, hash string) (*identity.Token, error) {
	var t identity.Token
	err := r.db.QueryRow(ctx, getTokenByHashSQL, hash).Scan(
		&t.Hash, &t.Identity.Subject, &t.Identity.Email, &t.Identity.Username, &t.Identity.Staff,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrTokenNotFound
		}
		return nil, fmt.Errorf("finding token by hash: %w", err)
	}
	return &t, nil
}

// Upsert stores or reactivates a token.
func (r *TokenRepository) Upsert(ctx context.Context, t identity.Token) error {
	_, err := r.db.Exec(ctx, upsertTokenSQL,
		t.Hash, t.Identity.Subject, t.Identity.Email, t.Identity.Username, t.Identity.Staff,
	)
	if err != nil {
		return fmt.Errorf("upserting token for %q: %w", t.Identity.Subject, err)
	}
	return nil
}
