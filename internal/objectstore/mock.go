package objectstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockStore is an in-memory Store for tests.
type MockStore struct {
	mu        sync.RWMutex
	objects   map[string]mockObject
	deleteErr map[string]error
	onDelete  func(ctx context.Context, key string) error
	onHead    func(key string)
	deletes   []string
	closed    bool
}

type mockObject struct {
	meta ObjectMeta
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		objects:   make(map[string]mockObject),
		deleteErr: make(map[string]error),
	}
}

// PutBytes stores data under key, replacing any existing object.
func (s *MockStore) PutBytes(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = mockObject{
		meta: ObjectMeta{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         "mock-etag",
			LastModified: time.Now().UnixMilli(),
		},
	}
}

func (s *MockStore) Head(_ context.Context, key string) (ObjectMeta, error) {
	s.mu.RLock()
	hook := s.onHead
	s.mu.RUnlock()
	if hook != nil {
		hook(key)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ObjectMeta{}, ErrClosed
	}
	obj, exists := s.objects[key]
	if !exists {
		return ObjectMeta{}, &ObjectError{Op: "Head", Key: key, Err: ErrNotFound}
	}
	return obj.meta, nil
}

func (s *MockStore) Delete(ctx context.Context, key string) error {
	s.mu.RLock()
	hook := s.onDelete
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, key); err != nil {
			return &ObjectError{Op: "Delete", Key: key, Err: err}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err, ok := s.deleteErr[key]; ok {
		return &ObjectError{Op: "Delete", Key: key, Err: err}
	}
	delete(s.objects, key)
	s.deletes = append(s.deletes, key)
	return nil
}

func (s *MockStore) List(_ context.Context, prefix string) ([]ObjectMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var result []ObjectMeta
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			result = append(result, obj.meta)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

func (s *MockStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FailDelete makes Delete of key fail with err.
func (s *MockStore) FailDelete(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteErr[key] = err
}

// OnDelete installs a hook run before every Delete. A non-nil return fails
// the delete. Tests use it to block deletes until cancellation.
func (s *MockStore) OnDelete(fn func(ctx context.Context, key string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDelete = fn
}

// OnHead installs a hook run before every Head. Tests use it to remove an
// object between List and Head.
func (s *MockStore) OnHead(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHead = fn
}

// Remove drops key without recording a delete.
func (s *MockStore) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
}

// Deleted returns the keys removed so far, in order.
func (s *MockStore) Deleted() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.deletes...)
}

// Keys returns all stored keys in order.
func (s *MockStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Store = (*MockStore)(nil)
