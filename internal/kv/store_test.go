package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Set(ctx, "a/1", []byte("one")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "a/1", []byte("uno")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if err := s.Set(ctx, "a/2", []byte("two")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "b/1", []byte("other")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, "a/1")
	if err != nil || string(got) != "uno" {
		t.Fatalf("Get a/1 = %q, %v", got, err)
	}
	keys, err := s.Keys(ctx, "a/")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a/1" || keys[1] != "a/2" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if err := s.Delete(ctx, "a/1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "a/1"); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
	if _, err := s.Get(ctx, "a/1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemStore(t *testing.T) {
	exerciseStore(t, NewMemStore())
}

func TestSQLiteStore(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "kv.db")
	s, err := Open(context.Background(), "sqlite", dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	type cursor struct{ ID string }
	if err := SetJSON(ctx, s, "c", cursor{ID: "x"}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var got cursor
	if err := GetJSON(ctx, s, "c", &got); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got.ID != "x" {
		t.Fatalf("unexpected cursor %+v", got)
	}
	if err := s.Set(ctx, "bad", []byte("{")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := GetJSON(ctx, s, "bad", &got); err == nil {
		t.Fatal("expected decode error")
	}
}
