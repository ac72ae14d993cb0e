package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/keychain-shop/internal/domain/customer"
	"github.com/xenking/keychain-shop/internal/domain/identity"
)

// The UNIQUE constraint on subject settles concurrent first requests: the
// losing INSERT waits for the winner and then takes the DO UPDATE branch.
const (
	getOrCreateCustomerSQL = `INSERT INTO customers (subject, email, username)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), customers.email),
			username = COALESCE(NULLIF(EXCLUDED.username, ''), customers.username)
		RETURNING id, subject, email, username, phone, address, created_at`

	getCustomerBySubjectSQL = `SELECT id, subject, email, username, phone, address, created_at
		FROM customers WHERE subject = $1`
)

var _ customer.Repository = (*CustomerRepository)(nil)

// CustomerRepository implements customer.Repository backed by PostgreSQL.
type CustomerRepository struct {
	db DBTX
}

// NewCustomerRepository returns a CustomerRepository that uses db.
func NewCustomerRepository(db DBTX) *CustomerRepository {
	return &CustomerRepository{db: db}
}

// GetOrCreate upserts the profile for id.
func (r *CustomerRepository) GetOrCreate(ctx context.Context, id identity.Identity) (*customer.Profile, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, getOrCreateCustomerSQL, id.Subject, id.Email, id.Username)
	if err != nil {
		return nil, fmt.Errorf("upserting customer %q: %w", id.Subject, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanCustomer)
	if err != nil {
		return nil, fmt.Errorf("upserting customer %q: %w", id.Subject, err)
	}
	return &p, nil
}

// GetBySubject returns the profile for subject.
func (r *CustomerRepository) GetBySubject(ctx context.Context, subject string) (*customer.Profile, error) {
	rows, err := r.db.Query(ctx, getCustomerBySubjectSQL, subject)
	if err != nil {
		return nil, fmt.Errorf("getting customer %q: %w", subject, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanCustomer)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, customer.ErrNotFound
		}
		return nil, fmt.Errorf("getting customer %q: %w", subject, err)
	}
	return &p, nil
}

func scanCustomer(row pgx.CollectableRow) (customer.Profile, error) {
	var p customer.Profile
	err := row.Scan(&p.ID, &p.Subject, &p.Email, &p.Username, &p.Phone, &p.Address, &p.CreatedAt)
	return p, err
}
