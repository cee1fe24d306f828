package server

import (
	"context"
	"errors"

	"github.com/dray-io/scavd/internal/metadata"
	"github.com/dray-io/scavd/internal/objectstore"
)

// MetadataStoreChecker reports whether the metadata store answers reads.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a new MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

// CheckReady reads a key that never exists; ErrKeyNotFound means the store responded.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, "/scavd/v1/health-check")
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// ObjectStoreChecker reports whether the chunk bucket is reachable.
type ObjectStoreChecker struct {
	store  objectstore.Store
	prefix string
}

// NewObjectStoreChecker creates a checker that lists under prefix.
func NewObjectStoreChecker(store objectstore.Store, prefix string) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store, prefix: prefix + "scavd-health-check/"}
}

func (c *ObjectStoreChecker) Name() string {
	return "object_store"
}

// CheckReady lists an empty prefix. A missing bucket or denied access fails.
func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, c.prefix)
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		return err
	}
	return nil
}

// FuncChecker wraps a function as a ReadinessChecker.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string {
	return c.name
}

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
