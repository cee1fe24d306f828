package objectstore

import (
	"context"
	"errors"
	"testing"
)

func TestObjectError_Unwrap(t *testing.T) {
	err := &ObjectError{Op: "Delete", Key: "chunks/chunk-000001.000000", Err: ErrAccessDenied}
	if !errors.Is(err, ErrAccessDenied) {
		t.Error("ObjectError should unwrap to its cause")
	}
	want := `objectstore: Delete "chunks/chunk-000001.000000": access denied`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestMockStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()

	data := []byte("chunk body")
	store.PutBytes("chunks/a", data)

	meta, err := store.Head(ctx, "chunks/a")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if meta.Size != int64(len(data)) {
		t.Errorf("Size = %d", meta.Size)
	}

	if _, err := store.Head(ctx, "chunks/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	store.OnHead(func(key string) { store.Remove(key) })
	if _, err := store.Head(ctx, "chunks/a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after hook removed the object, got %v", err)
	}
	if deleted := store.Deleted(); len(deleted) != 0 {
		t.Errorf("Remove should not record deletes, got %v", deleted)
	}
}

func TestMockStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	store.PutBytes("chunks/b", []byte("b"))
	store.PutBytes("chunks/a", []byte("a"))
	store.PutBytes("other/c", []byte("c"))

	metas, err := store.List(ctx, "chunks/")
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 || metas[0].Key != "chunks/a" {
		t.Errorf("unexpected list %+v", metas)
	}

	if err := store.Delete(ctx, "chunks/a"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "chunks/missing"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
	if keys := store.Keys(); len(keys) != 2 {
		t.Errorf("Keys() = %v", keys)
	}
	if deleted := store.Deleted(); len(deleted) != 2 || deleted[0] != "chunks/a" {
		t.Errorf("Deleted() = %v", deleted)
	}
}

func TestMockStore_FailDeleteAndHook(t *testing.T) {
	ctx := context.Background()
	store := NewMockStore()
	store.PutBytes("k", nil)

	boom := errors.New("boom")
	store.FailDelete("k", boom)
	if err := store.Delete(ctx, "k"); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}

	var seen []string
	store.OnDelete(func(_ context.Context, key string) error {
		seen = append(seen, key)
		return nil
	})
	_ = store.Delete(ctx, "other")
	if len(seen) != 1 || seen[0] != "other" {
		t.Errorf("hook saw %v", seen)
	}
}

func TestMockStore_Closed(t *testing.T) {
	store := NewMockStore()
	_ = store.Close()
	if _, err := store.List(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

type opRecorder struct {
	ops     []string
	success []bool
}

func (r *opRecorder) RecordOperation(op string, _ float64, success bool) {
	r.ops = append(r.ops, op)
	r.success = append(r.success, success)
}

func TestInstrumentedStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMockStore()
	rec := &opRecorder{}
	store := NewInstrumentedStore(inner, rec)

	inner.PutBytes("k", []byte("v"))
	_, _ = store.Head(ctx, "k")
	_, _ = store.Head(ctx, "missing")
	_, _ = store.List(ctx, "")
	_ = store.Delete(ctx, "k")

	wantOps := []string{OpHead, OpHead, OpList, OpDelete}
	wantOK := []bool{true, false, true, true}
	if len(rec.ops) != len(wantOps) {
		t.Fatalf("recorded %v", rec.ops)
	}
	for i := range wantOps {
		if rec.ops[i] != wantOps[i] || rec.success[i] != wantOK[i] {
			t.Errorf("op %d = %s/%v, want %s/%v", i, rec.ops[i], rec.success[i], wantOps[i], wantOK[i])
		}
	}
}
