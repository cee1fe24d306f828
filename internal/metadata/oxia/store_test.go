package oxia

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dray-io/scavd/internal/metadata"
)

// Oxia rejects session timeouts below 5 seconds.
const minSessionTimeout = 5 * time.Second

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"empty service address", Config{Namespace: "test"}, "service address is required"},
		{"empty namespace", Config{ServiceAddress: "localhost:6648"}, "namespace is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"abc", "abd"},
		{"a\xff", "b"},
		{"\xff\xff", ""},
	}
	for _, tt := range tests {
		if got := prefixEnd(tt.in); got != tt.want {
			t.Errorf("prefixEnd(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVersionConversion(t *testing.T) {
	if v := oxiaToMetadataVersion(0); v != 1 {
		t.Errorf("oxiaToMetadataVersion(0) = %d, want 1", v)
	}
	if v := metadataToOxiaVersion(1); v != 0 {
		t.Errorf("metadataToOxiaVersion(1) = %d, want 0", v)
	}
}

func newTestStore(t *testing.T) (*Store, Config) {
	t.Helper()
	server := StartTestServer(t)
	cfg := Config{
		ServiceAddress: server.Addr(),
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: minSessionTimeout,
	}
	store, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, cfg
}

func TestStore_PutGetDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	key := "/scavd/v1/scavenges/runs/a"

	v1, err := store.Put(ctx, key, []byte("one"), metadata.WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if v1 < 1 {
		t.Errorf("expected version >= 1, got %d", v1)
	}

	if _, err := store.Put(ctx, key, []byte("dup"), metadata.WithExpectedVersion(0)); !errors.Is(err, metadata.ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch on duplicate create, got %v", err)
	}

	v2, err := store.Put(ctx, key, []byte("two"), metadata.WithExpectedVersion(v1))
	if err != nil {
		t.Fatalf("CAS update failed: %v", err)
	}

	res, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.Exists || string(res.Value) != "two" || res.Version != v2 {
		t.Errorf("unexpected result %+v", res)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
	res, err = store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Exists {
		t.Error("key should be gone")
	}
}

func TestStore_ListDirectChildren(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{
		"/scavd/v1/scavenges/runs/b",
		"/scavd/v1/scavenges/runs/a",
		"/scavd/v1/scavenges/runs/c",
		"/scavd/v1/scavenges/active/a",
	} {
		if _, err := store.Put(ctx, k, []byte(k)); err != nil {
			t.Fatalf("Put %s failed: %v", k, err)
		}
	}

	kvs, err := store.List(ctx, "/scavd/v1/scavenges/runs/", "", 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(kvs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(kvs))
	}
	if kvs[0].Key != "/scavd/v1/scavenges/runs/a" {
		t.Errorf("unexpected first key %s", kvs[0].Key)
	}

	kvs, err = store.List(ctx, "/scavd/v1/scavenges/runs/", "", 1)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(kvs) != 1 {
		t.Errorf("expected limit 1, got %d", len(kvs))
	}
}

func TestStore_EphemeralRemovedAfterSessionEnds(t *testing.T) {
	store, cfg := newTestStore(t)
	ctx := context.Background()
	key := "/scavd/v1/scavenges/active/run-1"

	if _, err := store.PutEphemeral(ctx, key, []byte("node-a")); err != nil {
		t.Fatalf("PutEphemeral failed: %v", err)
	}
	res, err := store.Get(ctx, key)
	if err != nil || !res.Exists {
		t.Fatalf("ephemeral key should exist, res=%+v err=%v", res, err)
	}

	store.Close()

	other, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to create second store: %v", err)
	}
	defer other.Close()

	time.Sleep(minSessionTimeout + 2*time.Second)

	res, err = other.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Exists {
		t.Error("ephemeral key should be deleted after session ends")
	}
}

func TestStore_Closed(t *testing.T) {
	store, _ := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := store.Get(context.Background(), "/k"); !errors.Is(err, metadata.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}
