// Package objectstore defines the Store interface over S3-compatible storage
// holding the chunk files of the transaction log.
//
// The scavenger enumerates chunk objects, confirms the newest version of a
// chunk is still present and removes the versions it supersedes:
//
//	metas, err := store.List(ctx, "chunks/")
//	if err != nil {
//	    return err
//	}
//	for _, m := range metas {
//	    if err := store.Delete(ctx, m.Key); err != nil {
//	        return err
//	    }
//	}
package objectstore

import (
	"context"
	"errors"
	"fmt"
)

// Common errors returned by Store implementations.
var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrAccessDenied is returned when the credentials lack permission for the operation.
	ErrAccessDenied = errors.New("access denied")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
)

// ObjectError wraps an error with the object key for context.
type ObjectError struct {
	Op  string // Operation that failed (e.g., "Head", "Delete")
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return fmt.Sprintf("objectstore: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// ObjectMeta contains metadata about an object.
type ObjectMeta struct {
	Key  string
	Size int64
	ETag string

	// LastModified is the Unix timestamp in milliseconds.
	LastModified int64
}

// Store is the interface for object storage operations.
//
// Implementations must be safe for concurrent use; the scavenger deletes
// from several goroutines at once.
type Store interface {
	// Head retrieves object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	// Close releases resources. Later calls return ErrClosed.
	Close() error
}
