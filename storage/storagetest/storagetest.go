// Package storagetest is a conformance suite for storage.Storage
// implementations. Every backend runs it from its own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/ggoodman/bunkergate/storage"
)

// Factory creates a fresh, empty Storage for one subtest.
type Factory func(t *testing.T) storage.Storage

// Run runs the complete Storage test suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, factory(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, factory(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory(t)) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, factory(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, factory(t)) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, factory(t)) })
	t.Run("ReturnedDataIsACopy", func(t *testing.T) { testReturnedDataIsACopy(t, factory(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, factory(t)) })
	t.Run("GetOrSet", func(t *testing.T) { testGetOrSet(t, factory(t)) })
	t.Run("GetOrSetConcurrent", func(t *testing.T) { testGetOrSetConcurrent(t, factory(t)) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "test-key"
	data := []byte("test data")

	if err := s.Set(ctx, key, data); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != string(data) {
		t.Errorf("Expected data %s, got %s", data, item.Data)
	}
	if item.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should not be zero")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ns := storage.WithNamespace(storage.SessionSpace)

	if err := s.Set(ctx, "current", []byte("first"), ns); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	if err := s.Set(ctx, "current", []byte("second"), ns); err != nil {
		t.Fatalf("Failed to overwrite data: %v", err)
	}
	item, err := s.Get(ctx, "current", ns)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil || string(item.Data) != "second" {
		t.Errorf("Expected last write to win, got %v", item)
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "namespace-key"

	if err := s.Set(ctx, key, []byte("global data")); err != nil {
		t.Fatalf("Failed to set global data: %v", err)
	}
	if err := s.Set(ctx, key, []byte("policy data"), storage.WithNamespace(storage.PolicySpace)); err != nil {
		t.Fatalf("Failed to set policy data: %v", err)
	}
	if err := s.Set(ctx, key, []byte("session data"), storage.WithNamespace(storage.SessionSpace)); err != nil {
		t.Fatalf("Failed to set session data: %v", err)
	}

	for ns, want := range map[storage.Namespace]string{
		storage.Global:       "global data",
		storage.PolicySpace:  "policy data",
		storage.SessionSpace: "session data",
	} {
		item, err := s.Get(ctx, key, storage.WithNamespace(ns))
		if err != nil {
			t.Fatalf("Failed to get data in %q: %v", ns, err)
		}
		if item == nil || string(item.Data) != want {
			t.Errorf("Expected %q in namespace %q, got %v", want, ns, item)
		}
	}

	item, err := s.Get(ctx, key, storage.WithNamespace(storage.KeySpace))
	if err != nil {
		t.Fatalf("Failed to get data for empty namespace: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for a namespace never written, got item")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "delete-key"

	if err := s.Set(ctx, key, []byte("delete data")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	if err := s.Set(ctx, "other-key", []byte("keep")); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	if err := s.Delete(ctx, storage.WithKey(key)); err != nil {
		t.Fatalf("Failed to delete key: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data after deletion: %v", err)
	}
	if item != nil {
		t.Error("Expected nil after deletion, got item")
	}

	item, err = s.Get(ctx, "other-key")
	if err != nil {
		t.Fatalf("Failed to get sibling key: %v", err)
	}
	if item == nil {
		t.Error("Deleting one key must not remove its siblings")
	}

	// Deleting a missing key is not an error.
	if err := s.Delete(ctx, storage.WithKey("never-written")); err != nil {
		t.Fatalf("Deleting a missing key failed: %v", err)
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ns := storage.WithNamespace(storage.KeySpace)

	keys := []string{"key1", "key2", "key3"}
	for _, key := range keys {
		if err := s.Set(ctx, key, []byte("data for "+key), ns); err != nil {
			t.Fatalf("Failed to set data for key %s: %v", key, err)
		}
	}
	if err := s.Set(ctx, "key1", []byte("survivor"), storage.WithNamespace(storage.PolicySpace)); err != nil {
		t.Fatalf("Failed to set data in sibling namespace: %v", err)
	}

	if err := s.Delete(ctx, ns); err != nil {
		t.Fatalf("Failed to delete namespace: %v", err)
	}

	for _, key := range keys {
		item, err := s.Get(ctx, key, ns)
		if err != nil {
			t.Fatalf("Failed to get data for key %s after deletion: %v", key, err)
		}
		if item != nil {
			t.Errorf("Expected nil after namespace deletion for key %s, got item", key)
		}
	}

	item, err := s.Get(ctx, "key1", storage.WithNamespace(storage.PolicySpace))
	if err != nil {
		t.Fatalf("Failed to get sibling namespace data: %v", err)
	}
	if item == nil || string(item.Data) != "survivor" {
		t.Error("Deleting a namespace must not touch other namespaces")
	}
}

func testReturnedDataIsACopy(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	data := []byte("immutable")
	if err := s.Set(ctx, "copy", data); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}
	data[0] = 'X'

	item, err := s.Get(ctx, "copy")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil || string(item.Data) != "immutable" {
		t.Fatalf("Stored data changed with caller's buffer: %v", item)
	}
	item.Data[0] = 'Y'

	again, err := s.Get(ctx, "copy")
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if string(again.Data) != "immutable" {
		t.Errorf("Stored data changed through returned item: %s", again.Data)
	}
}

func testConcurrentWriters(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			if err := s.Set(ctx, key, []byte(key), storage.WithNamespace(storage.PolicySpace)); err != nil {
				t.Errorf("concurrent set %s: %v", key, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		key := string(rune('a' + i))
		item, err := s.Get(ctx, key, storage.WithNamespace(storage.PolicySpace))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if item == nil || string(item.Data) != key {
			t.Errorf("lost concurrent write for %s", key)
		}
	}
}

func testGetOrSet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ns := storage.WithNamespace(storage.KeySpace)

	item, created, err := s.GetOrSet(ctx, "secret", []byte("first"), ns)
	if err != nil {
		t.Fatalf("GetOrSet on empty key failed: %v", err)
	}
	if !created {
		t.Error("Expected first GetOrSet to create the key")
	}
	if item == nil || string(item.Data) != "first" {
		t.Fatalf("Expected created item with data first, got %v", item)
	}

	item, created, err = s.GetOrSet(ctx, "secret", []byte("second"), ns)
	if err != nil {
		t.Fatalf("GetOrSet on existing key failed: %v", err)
	}
	if created {
		t.Error("Expected GetOrSet not to replace an existing key")
	}
	if item == nil || string(item.Data) != "first" {
		t.Fatalf("Expected stored data first, got %v", item)
	}

	got, err := s.Get(ctx, "secret", ns)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if got == nil || string(got.Data) != "first" {
		t.Errorf("Existing key was overwritten: %v", got)
	}
}

func testGetOrSetConcurrent(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	ns := storage.WithNamespace(storage.KeySpace)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		seen    = map[string]bool{}
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, created, err := s.GetOrSet(ctx, "contended", []byte{byte('a' + i)}, ns)
			if err != nil {
				t.Errorf("concurrent GetOrSet: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if created {
				winners++
			}
			seen[string(item.Data)] = true
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("Expected exactly one creator, got %d", winners)
	}
	if len(seen) != 1 {
		t.Errorf("Expected all callers to agree on one value, got %v", seen)
	}
}
