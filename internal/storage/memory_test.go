package storage

import (
	"context"
	"sort"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "session/current", []byte(`{"userId":"u1"}`)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	got, err := s.Get(ctx, "session/current")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got) != `{"userId":"u1"}` {
		t.Errorf("Get() = %s", got)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "absent"); err != ErrNotFound {
		t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := s.Get(ctx, "k"); err != ErrNotFound {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(absent) error = %v", err)
	}
}

func TestMemoryStoreKeys(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"vault/u1/openai", "vault/u1/google", "vault/u2/openai", "session/current"} {
		if err := s.Set(ctx, k, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.Keys(ctx, "vault/u1/")
	if err != nil {
		t.Fatalf("Keys() error: %v", err)
	}
	sort.Strings(keys)
	want := []string{"vault/u1/google", "vault/u1/openai"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	value := []byte("original")
	if err := s.Set(ctx, "k", value); err != nil {
		t.Fatal(err)
	}
	value[0] = 'X'

	got, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("stored value was mutated through the caller's slice: %s", got)
	}

	// Mutating the returned slice must not change the stored copy either.
	got[0] = 'Y'
	again, _ := s.Get(ctx, "k")
	if string(again) != "original" {
		t.Errorf("stored value was mutated through the returned slice: %s", again)
	}
}
