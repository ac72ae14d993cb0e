// Package idempotency remembers which order a client-supplied key produced so
// retried checkout requests do not buy twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// State is the outcome of Begin.
type State int

const (
	// StateNew means the key was reserved for the caller.
	StateNew State = iota
	// StateInFlight means another request holds the key.
	StateInFlight
	// StateDone means the key already produced a result.
	StateDone
)

// Stored values are "pending:<fingerprint>" while a request runs and
// "done:<fingerprint>:<result>" once it succeeded.
const (
	pendingPrefix = "pending:"
	donePrefix    = "done:"
	keyPrefix     = "keychain:idem:"
)

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 128

var (
	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrKeyReused is returned by Begin when key was first used for a request
	// with a different fingerprint.
	ErrKeyReused = errors.New("idempotency key was used for a different request")
)

// Store reserves keys and records their results. Each key is bound to the
// fingerprint of the request that reserved it.
type Store interface {
	// Begin reserves key for a request with the given fingerprint. For
	// StateDone it also returns the recorded result. A key held by a request
	// with another fingerprint fails with ErrKeyReused.
	Begin(ctx context.Context, scope, key, fingerprint string) (State, string, error)
	// Complete records result for a reserved key.
	Complete(ctx context.Context, scope, key, fingerprint, result string) error
	// Release drops a reservation so the key can be retried.
	Release(ctx context.Context, scope, key string) error
}

// ValidateKey checks a client-supplied key.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	for i := range len(key) {
		if key[i] < 0x21 || key[i] > 0x7E {
			return ErrInvalidKey
		}
	}
	return nil
}

// Fingerprint hashes the parts describing a request. Parts are length
// prefixed, so different splits of the same bytes hash differently.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(strconv.Itoa(len(p))))
		h.Write([]byte{':'})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func storageKey(scope, key string) string {
	return keyPrefix + scope + ":" + key
}

var _ Store = (*Redis)(nil)

// Redis keeps keys in Redis with a TTL.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisClient parses url and returns a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return redis.NewClient(opts), nil
}

// NewRedis returns a Redis store whose keys expire after ttl.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Begin(ctx context.Context, scope, key, fingerprint string) (State, string, error) {
	k := storageKey(scope, key)
	ok, err := r.client.SetNX(ctx, k, pendingPrefix+fingerprint, r.ttl).Result()
	if err != nil {
		return 0, "", errors.Wrap(err, "reserve key")
	}
	if ok {
		return StateNew, "", nil
	}

	v, err := r.client.Get(ctx, k).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Expired between SETNX and GET; try once more.
		ok, err := r.client.SetNX(ctx, k, pendingPrefix+fingerprint, r.ttl).Result()
		if err != nil {
			return 0, "", errors.Wrap(err, "reserve key")
		}
		if ok {
			return StateNew, "", nil
		}
		return StateInFlight, "", nil
	case err != nil:
		return 0, "", errors.Wrap(err, "read key")
	}
	return parse(v, fingerprint)
}

func (r *Redis) Complete(ctx context.Context, scope, key, fingerprint, result string) error {
	if err := r.client.Set(ctx, storageKey(scope, key), doneValue(fingerprint, result), r.ttl).Err(); err != nil {
		return errors.Wrap(err, "record result")
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, scope, key string) error {
	if err := r.client.Del(ctx, storageKey(scope, key)).Err(); err != nil {
		return errors.Wrap(err, "release key")
	}
	return nil
}

func doneValue(fingerprint, result string) string {
	return donePrefix + fingerprint + ":" + result
}

// parse decodes a stored value and checks it belongs to fingerprint.
func parse(v, fingerprint string) (State, string, error) {
	if fp, ok := strings.CutPrefix(v, pendingPrefix); ok {
		if fp != fingerprint {
			return 0, "", ErrKeyReused
		}
		return StateInFlight, "", nil
	}
	if rest, ok := strings.CutPrefix(v, donePrefix); ok {
		fp, result, ok := strings.Cut(rest, ":")
		if !ok {
			return 0, "", errors.Errorf("unexpected idempotency value %q", v)
		}
		if fp != fingerprint {
			return 0, "", ErrKeyReused
		}
		return StateDone, result, nil
	}
	return 0, "", errors.Errorf("unexpected idempotency value %q", v)
}

var _ Store = (*Memory)(nil)

// Memory keeps keys in process memory. Entries never expire; it is meant for
// tests and single-instance development.
type Memory struct {
	mu      sync.Mutex
	entries map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]string)}
}

func (m *Memory) Begin(_ context.Context, scope, key, fingerprint string) (State, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := storageKey(scope, key)
	v, ok := m.entries[k]
	if !ok {
		m.entries[k] = pendingPrefix + fingerprint
		return StateNew, "", nil
	}
	return parse(v, fingerprint)
}

func (m *Memory) Complete(_ context.Context, scope, key, fingerprint, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[storageKey(scope, key)] = doneValue(fingerprint, result)
	return nil
}

func (m *Memory) Release(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, storageKey(scope, key))
	return nil
}
