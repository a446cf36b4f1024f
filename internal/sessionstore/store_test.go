package sessionstore

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "session.sqlite")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "message-storage"); err != nil || ok {
		t.Fatalf("Load empty: ok=%v err=%v", ok, err)
	}

	payload := []byte(`[{"id":"m1","kind":"input","role":"user"}]`)
	if err := s.Save(ctx, "message-storage", payload); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := s.Load(ctx, "message-storage")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok || string(got) != string(payload) {
		t.Fatalf("Load=%q ok=%v, want %q", got, ok, payload)
	}
}

func TestStoreSaveOverwrites(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "session.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.Save(ctx, "ns", []byte("old")); err != nil {
		t.Fatalf("Save old: %v", err)
	}
	if err := s.Save(ctx, "ns", []byte("new")); err != nil {
		t.Fatalf("Save new: %v", err)
	}
	got, ok, err := s.Load(ctx, "ns")
	if err != nil || !ok {
		t.Fatalf("Load: ok=%v err=%v", ok, err)
	}
	if string(got) != "new" {
		t.Fatalf("Load=%q, want new", got)
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "session.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.Save(ctx, "ns", []byte("payload")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, "ns"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, err := s.Load(ctx, "ns"); err != nil || ok {
		t.Fatalf("row survived delete: ok=%v err=%v", ok, err)
	}

	// Deleting an absent row is a no-op.
	if err := s.Delete(ctx, "ns"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestStoreNamespacesAreIndependent(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "session.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	if err := s.Save(ctx, "a", []byte("for-a")); err != nil {
		t.Fatalf("Save a: %v", err)
	}
	if err := s.Save(ctx, "b", []byte("for-b")); err != nil {
		t.Fatalf("Save b: %v", err)
	}
	got, ok, err := s.Load(ctx, "a")
	if err != nil || !ok || string(got) != "for-a" {
		t.Fatalf("Load a=%q ok=%v err=%v", got, ok, err)
	}
}
