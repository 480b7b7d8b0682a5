package repository

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or logically expired.
	ErrNotFound = errors.New("credential not found")
	// ErrConflict is returned when a conditional write saw a different current value.
	ErrConflict = errors.New("credential changed concurrently")
)

// CredentialStore is the ephemeral, TTL-capable key-value seam behind OTP records
// and reset sessions. Every value written carries its own TTL.
type CredentialStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// CompareAndSwap replaces the value only if it still equals old.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) error
	// CompareAndDelete removes the key only if its value still equals old.
	CompareAndDelete(ctx context.Context, key string, old []byte) error
}

const minTTL = time.Second

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minTTL {
		return minTTL
	}
	return ttl
}
