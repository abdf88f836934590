package credentials

import (
	"testing"
	"time"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	store := NewMemoryStore(0, time.Hour)

	store.Put("sid-1", "secret-1")
	store.Put("sid-2", "secret-2")

	got, ok := store.Get("sid-1")
	if !ok || got != "secret-1" {
		t.Fatalf("Get(sid-1) = %q, %t", got, ok)
	}
	if store.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", store.Len())
	}

	store.Delete("sid-1")
	if _, ok := store.Get("sid-1"); ok {
		t.Fatalf("sid-1 still present after Delete")
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore(8, 20*time.Millisecond)
	store.Put("sid", "secret")

	time.Sleep(60 * time.Millisecond)

	if _, ok := store.Get("sid"); ok {
		t.Fatalf("entry survived its TTL")
	}
}

func TestMemoryStoreEvictsOldest(t *testing.T) {
	store := NewMemoryStore(2, time.Hour)
	store.Put("a", "1")
	store.Put("b", "2")
	store.Put("c", "3")

	if _, ok := store.Get("a"); ok {
		t.Fatalf("oldest entry was not evicted")
	}
	if got, ok := store.Get("c"); !ok || got != "3" {
		t.Fatalf("Get(c) = %q, %t", got, ok)
	}
}
