// Package metadata defines the MetadataStore interface used to persist
// scavenge run records. The production implementation uses Oxia; MockStore
// serves tests and single-node deployments.
package metadata

import (
	"context"
	"errors"
)

var (
	ErrKeyNotFound     = errors.New("metadata: key not found")
	ErrVersionMismatch = errors.New("metadata: version mismatch")
	ErrStoreClosed     = errors.New("metadata: store closed")
)

// Version is the per-key write counter. Zero means never written.
type Version int64

// KV is one listed entry.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult reports a lookup. A missing key is Exists=false, not an error.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes a Put conditional on the key's current version.
// Zero requires the key to be absent.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion applies opts and returns the condition, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var o putOptions
	for _, apply := range opts {
		apply(&o)
	}
	return o.expectedVersion
}

// MetadataStore is a versioned key-value store with session-bound keys.
type MetadataStore interface {
	Get(ctx context.Context, key string) (GetResult, error)

	// Put returns the version assigned by the write.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns [startKey, endKey) in key order, or every key prefixed by
	// startKey when endKey is empty. limit <= 0 means unbounded.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// PutEphemeral stores a value that is removed automatically when the
	// client session ends (process crash or disconnect). Active-run markers
	// use it so a dead node's marker disappears with it.
	PutEphemeral(ctx context.Context, key string, value []byte) (Version, error)

	// Close makes every later call fail with ErrStoreClosed.
	Close() error
}
