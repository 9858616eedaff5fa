// Package kvstore provides the persisted key-value capability the offline
// queue and cache are built on.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidKey indicates an empty or oversized key.
	ErrInvalidKey = errors.New("kvstore: invalid key")
	// ErrInvalidLease indicates a lease request without a name, owner, or positive ttl.
	ErrInvalidLease = errors.New("kvstore: invalid lease")
)

const maxKeyLength = 512

// Store persists opaque values under string keys.
type Store interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set overwrites the value stored under key.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key; deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix and reports how many were removed.
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
}

// Leaser grants time-bounded exclusive ownership of a named resource.
// Implementations backed by shared storage exclude other processes as well.
type Leaser interface {
	// AcquireLease returns true when owner holds the lease named name until now+ttl.
	// An owner may renew its own unexpired lease.
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if owner still holds it.
	ReleaseLease(ctx context.Context, name, owner string) error
}

func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > maxKeyLength {
		return errors.Join(ErrInvalidKey, errors.New("key exceeds maximum length"))
	}
	return nil
}

func validateLease(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return ErrInvalidLease
	}
	return nil
}
