package idempotency

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateKey(t *testing.T) {
	require.NoError(t, ValidateKey("checkout-2026-01-01-abc"))
	require.ErrorIs(t, ValidateKey(""), ErrInvalidKey)
	require.ErrorIs(t, ValidateKey(strings.Repeat("k", MaxKeyLength+1)), ErrInvalidKey)
	require.ErrorIs(t, ValidateKey("has space"), ErrInvalidKey)
	require.ErrorIs(t, ValidateKey("tab\tkey"), ErrInvalidKey)
}

func TestMemory_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	fp := Fingerprint("place-order", "1", "2", "")

	st, _, err := m.Begin(ctx, "uid-1", "k1", fp)
	require.NoError(t, err)
	assert.Equal(t, StateNew, st)

	st, _, err = m.Begin(ctx, "uid-1", "k1", fp)
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, st)

	// Keys are scoped per caller.
	st, _, err = m.Begin(ctx, "uid-2", "k1", fp)
	require.NoError(t, err)
	assert.Equal(t, StateNew, st)

	require.NoError(t, m.Complete(ctx, "uid-1", "k1", fp, "order-1"))
	st, result, err := m.Begin(ctx, "uid-1", "k1", fp)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, "order-1", result)

	require.NoError(t, m.Release(ctx, "uid-2", "k1"))
	st, _, err = m.Begin(ctx, "uid-2", "k1", fp)
	require.NoError(t, err)
	assert.Equal(t, StateNew, st)
}

func TestMemory_FingerprintMismatch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	first := Fingerprint("place-order", "1", "2", "")
	other := Fingerprint("place-order", "1", "3", "")

	_, _, err := m.Begin(ctx, "uid-1", "k1", first)
	require.NoError(t, err)
	_, _, err = m.Begin(ctx, "uid-1", "k1", other)
	require.ErrorIs(t, err, ErrKeyReused)

	require.NoError(t, m.Complete(ctx, "uid-1", "k1", first, "order-1"))
	_, _, err = m.Begin(ctx, "uid-1", "k1", other)
	require.ErrorIs(t, err, ErrKeyReused)

	st, result, err := m.Begin(ctx, "uid-1", "k1", first)
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, "order-1", result)
}

func TestFingerprint(t *testing.T) {
	assert.Len(t, Fingerprint("a"), 64)
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
	assert.NotEqual(t, Fingerprint("a", ""), Fingerprint("a"))
}

func TestParse(t *testing.T) {
	st, _, err := parse("pending:fp", "fp")
	require.NoError(t, err)
	assert.Equal(t, StateInFlight, st)

	st, v, err := parse("done:fp:abc", "fp")
	require.NoError(t, err)
	assert.Equal(t, StateDone, st)
	assert.Equal(t, "abc", v)

	_, _, err = parse("done:fp:abc", "other")
	require.ErrorIs(t, err, ErrKeyReused)

	_, _, err = parse("pending:fp", "other")
	require.ErrorIs(t, err, ErrKeyReused)

	_, _, err = parse("done:abc", "fp")
	require.Error(t, err)

	_, _, err = parse("garbage", "fp")
	require.Error(t, err)
}
