package identity

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTokenStore struct {
	byHash map[string]*Token
	err    error
}

func (m *mockTokenStore) FindByHash(_ context.Context, hash string) (*Token, error) {
	if m.err != nil {
		return nil, m.err
	}
	t, ok := m.byHash[hash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return t, nil
}

func TestResolver_Resolve(t *testing.T) {
	pepper := []byte("pepper")
	hash := HashToken("secret-token", pepper)
	store := &mockTokenStore{byHash: map[string]*Token{
		hash: {Hash: hash, Identity: Identity{Subject: "uid-1", Email: "ana@example.com", Staff: true}},
	}}
	r := NewResolver(store, pepper)

	id, err := r.Resolve(context.Background(), "secret-token")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", id.Subject)
	assert.True(t, id.Staff)
}

func TestResolver_Failures(t *testing.T) {
	pepper := []byte("pepper")
	hash := HashToken("secret-token", pepper)

	tests := []struct {
		name  string
		store *mockTokenStore
		token string
	}{
		{
			name:  "EmptyToken",
			store: &mockTokenStore{},
			token: "",
		},
		{
			name:  "UnknownToken",
			store: &mockTokenStore{byHash: map[string]*Token{}},
			token: "other",
		},
		{
			name: "MismatchedRow",
			store: &mockTokenStore{byHash: map[string]*Token{
				hash: {Hash: HashToken("something-else", pepper), Identity: Identity{Subject: "uid-2"}},
			}},
			token: "secret-token",
		},
		{
			name: "MissingSubject",
			store: &mockTokenStore{byHash: map[string]*Token{
				hash: {Hash: hash},
			}},
			token: "secret-token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewResolver(tt.store, pepper).Resolve(context.Background(), tt.token)
			require.ErrorIs(t, err, ErrUnresolved)
		})
	}
}

func TestResolver_StoreErrorIsNotUnresolved(t *testing.T) {
	outage := errors.New("connection refused")
	r := NewResolver(&mockTokenStore{err: outage}, []byte("pepper"))

	_, err := r.Resolve(context.Background(), "secret-token")
	require.ErrorIs(t, err, outage)
	assert.NotErrorIs(t, err, ErrUnresolved)
}

func TestResolver_WrappedNotFound(t *testing.T) {
	r := NewResolver(&mockTokenStore{err: errors.Wrap(ErrTokenNotFound, "query")}, []byte("pepper"))

	_, err := r.Resolve(context.Background(), "secret-token")
	require.ErrorIs(t, err, ErrUnresolved)
}

func TestHashToken_DependsOnPepper(t *testing.T) {
	assert.NotEqual(t, HashToken("tok", []byte("a")), HashToken("tok", []byte("b")))
	assert.Len(t, HashToken("tok", nil), 64)
}
