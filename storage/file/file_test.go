package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/bunkergate/storage"
	"github.com/ggoodman/bunkergate/storage/storagetest"
)

func TestFileStorage(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := New(filepath.Join(t.TempDir(), "state.json"))
		if err != nil {
			t.Fatalf("Failed to create file storage: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFileStorage_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	ctx := context.Background()

	s, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Set(ctx, "current", []byte("session"), storage.WithNamespace(storage.SessionSpace)); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != fileMode {
		t.Errorf("expected mode %o, got %o", fileMode, perm)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	item, err := reopened.Get(ctx, "current", storage.WithNamespace(storage.SessionSpace))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item == nil || string(item.Data) != "session" {
		t.Fatalf("expected persisted session, got %v", item)
	}
}

func TestFileStorage_SeesForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	daemon, err := New(path)
	if err != nil {
		t.Fatalf("open daemon view: %v", err)
	}
	defer daemon.Close()
	if daemon.watcher == nil {
		t.Skip("fsnotify unavailable on this platform")
	}

	cli, err := New(path)
	if err != nil {
		t.Fatalf("open cli view: %v", err)
	}
	defer cli.Close()

	if err := cli.Set(ctx, "domain_policies", []byte("v1"), storage.WithNamespace(storage.PolicySpace)); err != nil {
		t.Fatalf("cli set: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		item, err := daemon.Get(ctx, "domain_policies", storage.WithNamespace(storage.PolicySpace))
		if err != nil {
			t.Fatalf("daemon get: %v", err)
		}
		if item != nil && string(item.Data) == "v1" {
			return
		}
		select {
		case <-daemon.reloaded:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("daemon never observed the foreign write")
		}
	}
}

func TestFileStorage_CorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), fileMode); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(path); err == nil {
		t.Fatal("expected decode error for a corrupt document")
	}
}

func TestFileStorage_RequiresPath(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func withoutWatch() Option {
	return func(s *Storage) { s.noWatch = true }
}

func TestFileStorage_ReadsDiskWithoutWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	daemon, err := New(path, withoutWatch())
	if err != nil {
		t.Fatalf("open daemon view: %v", err)
	}
	defer daemon.Close()
	if daemon.watcher != nil {
		t.Fatal("expected no watcher")
	}

	cli, err := New(path, withoutWatch())
	if err != nil {
		t.Fatalf("open cli view: %v", err)
	}
	defer cli.Close()

	if err := cli.Set(ctx, "current", []byte("session"), storage.WithNamespace(storage.SessionSpace)); err != nil {
		t.Fatalf("cli set: %v", err)
	}
	item, err := daemon.Get(ctx, "current", storage.WithNamespace(storage.SessionSpace))
	if err != nil {
		t.Fatalf("daemon get: %v", err)
	}
	if item == nil || string(item.Data) != "session" {
		t.Fatalf("expected foreign write to be visible, got %v", item)
	}

	if err := cli.Delete(ctx, storage.WithKey("current"), storage.WithNamespace(storage.SessionSpace)); err != nil {
		t.Fatalf("cli delete: %v", err)
	}
	item, err = daemon.Get(ctx, "current", storage.WithNamespace(storage.SessionSpace))
	if err != nil {
		t.Fatalf("daemon get: %v", err)
	}
	if item != nil {
		t.Fatalf("expected foreign delete to be visible, got %v", item)
	}
}

func TestFileStorage_GetOrSetRechecksDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	ns := storage.WithNamespace(storage.KeySpace)

	a, err := New(path, withoutWatch())
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := New(path, withoutWatch())
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if _, created, err := a.GetOrSet(ctx, "client_secret", []byte("from-a"), ns); err != nil || !created {
		t.Fatalf("a GetOrSet: created=%v err=%v", created, err)
	}
	item, created, err := b.GetOrSet(ctx, "client_secret", []byte("from-b"), ns)
	if err != nil {
		t.Fatalf("b GetOrSet: %v", err)
	}
	if created || string(item.Data) != "from-a" {
		t.Fatalf("expected b to see a's key, got created=%v data=%s", created, item.Data)
	}
}
