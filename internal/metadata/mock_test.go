package metadata

import (
	"context"
	"errors"
	"testing"
)

func TestMockStore_PutGet(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	v, err := store.Put(ctx, "/a", []byte("1"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := store.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !res.Exists || string(res.Value) != "1" || res.Version != v {
		t.Errorf("unexpected result %+v", res)
	}

	res, err = store.Get(ctx, "/missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Exists {
		t.Error("expected missing key")
	}
}

func TestMockStore_CAS(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	v, err := store.Put(ctx, "/a", []byte("1"), WithExpectedVersion(0))
	if err != nil {
		t.Fatalf("create with version 0 failed: %v", err)
	}
	if _, err := store.Put(ctx, "/a", []byte("2"), WithExpectedVersion(0)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
	if _, err := store.Put(ctx, "/a", []byte("2"), WithExpectedVersion(v)); err != nil {
		t.Errorf("CAS update failed: %v", err)
	}
	if _, err := store.Put(ctx, "/a", []byte("3"), WithExpectedVersion(v)); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch on stale update, got %v", err)
	}
}

func TestMockStore_ListPrefixAndLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	for _, k := range []string{"/r/3", "/r/1", "/r/2", "/other"} {
		if _, err := store.Put(ctx, k, nil); err != nil {
			t.Fatal(err)
		}
	}

	kvs, err := store.List(ctx, "/r/", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 3 || kvs[0].Key != "/r/1" || kvs[2].Key != "/r/3" {
		t.Errorf("unexpected list %+v", kvs)
	}

	kvs, err = store.List(ctx, "/r/", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(kvs) != 2 {
		t.Errorf("expected limit 2, got %d", len(kvs))
	}
}

func TestMockStore_ExpireSession(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	if _, err := store.PutEphemeral(ctx, "/eph", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Put(ctx, "/durable", []byte("y")); err != nil {
		t.Fatal(err)
	}

	store.ExpireSession()

	res, _ := store.Get(ctx, "/eph")
	if res.Exists {
		t.Error("ephemeral key survived session expiry")
	}
	res, _ = store.Get(ctx, "/durable")
	if !res.Exists {
		t.Error("durable key removed by session expiry")
	}
}

func TestMockStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "/a"); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.Put(ctx, "/a", nil); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestMockStore_PutError(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	boom := errors.New("boom")
	store.SetPutError(boom)

	if _, err := store.Put(ctx, "/a", nil); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	store.SetPutError(nil)
	if _, err := store.Put(ctx, "/a", nil); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}
