// Package file provides a storage.Storage kept in a single JSON document on
// disk. It is the default backend for a single-user daemon: the CLI and a
// running daemon may share one file, and an fsnotify watcher reloads the
// in-memory view whenever another process rewrites it.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/bunkergate/storage"
)

const (
	dirMode  = 0o700
	fileMode = 0o600
)

type document struct {
	Version int                   `json:"version"`
	Items   map[string]storedItem `json:"items"`
}

type storedItem struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Storage implements storage.Storage over a JSON file.
type Storage struct {
	path string
	log  *slog.Logger

	mu     sync.RWMutex
	items  map[string]storedItem
	closed bool

	watcher *fsnotify.Watcher
	noWatch bool
	done    chan struct{}
	wg      sync.WaitGroup

	// reloaded is signalled after each watcher-driven reload; tests use it.
	reloaded chan struct{}
}

// Option configures the file storage.
type Option func(*Storage)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Storage) {
		if l != nil {
			s.log = l
		}
	}
}

// New opens (or creates on first write) the document at path and starts
// watching it for external changes.
func New(path string, opts ...Option) (*Storage, error) {
	if path == "" {
		return nil, errors.New("file storage: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("file storage: resolve path: %w", err)
	}

	s := &Storage{
		path:     abs,
		log:      slog.New(slog.DiscardHandler),
		done:     make(chan struct{}),
		reloaded: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(abs), dirMode); err != nil {
		return nil, fmt.Errorf("file storage: create directory: %w", err)
	}
	items, err := s.readDisk()
	if err != nil {
		return nil, err
	}
	s.items = items

	if s.noWatch {
		return s, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("storage.file.watch.unavailable", slog.String("err", err.Error()))
		return s, nil
	}
	// Watch the directory: atomic renames replace the file's inode.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		s.log.Warn("storage.file.watch.add.fail", slog.String("err", err.Error()))
		return s, nil
	}
	s.watcher = w
	s.wg.Add(1)
	go s.watch()

	return s, nil
}

// Path returns the absolute path of the backing document.
func (s *Storage) Path() string { return s.path }

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := storage.Apply(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	items := s.items
	if s.watcher == nil {
		// Without a watcher the cache never sees foreign writes.
		fresh, err := s.readDisk()
		if err != nil {
			return nil, err
		}
		items = fresh
	}
	item, ok := items[storage.FlatKey(options.Namespace, key)]
	if !ok {
		return nil, nil
	}
	return &storage.Item{Data: append([]byte(nil), item.Data...), UpdatedAt: item.UpdatedAt}, nil
}

// GetOrSet decides against a fresh read of the document, so a key written
// by another process is returned rather than overwritten.
func (s *Storage) GetOrSet(ctx context.Context, key string, data []byte, opts ...storage.Option) (*storage.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	k := storage.FlatKey(storage.Apply(opts...).Namespace, key)

	var (
		won     storedItem
		created bool
	)
	err := s.mutate(func(items map[string]storedItem) bool {
		if cur, ok := items[k]; ok {
			won = cur
			return false
		}
		won = storedItem{Data: append([]byte(nil), data...), UpdatedAt: time.Now()}
		items[k] = won
		created = true
		return true
	})
	if err != nil {
		return nil, false, err
	}
	return &storage.Item{Data: append([]byte(nil), won.Data...), UpdatedAt: won.UpdatedAt}, created, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options := storage.Apply(opts...)

	return s.mutate(func(items map[string]storedItem) bool {
		items[storage.FlatKey(options.Namespace, key)] = storedItem{
			Data:      append([]byte(nil), data...),
			UpdatedAt: time.Now(),
		}
		return true
	})
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	options := storage.Apply(opts...)

	return s.mutate(func(items map[string]storedItem) bool {
		if options.Key != nil {
			delete(items, storage.FlatKey(options.Namespace, *options.Key))
			return true
		}
		prefix := storage.FlatPrefix(options.Namespace)
		for k := range items {
			if strings.HasPrefix(k, prefix) {
				delete(items, k)
			}
		}
		return true
	})
}

// Close stops the watcher. The document stays on disk.
func (s *Storage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}

// mutate re-reads the document, applies fn and writes it back unless fn
// reports no change. Reading first narrows the window in which a concurrent
// writer in another process is lost.
func (s *Storage) mutate(fn func(map[string]storedItem) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	items, err := s.readDisk()
	if err != nil {
		return err
	}
	if !fn(items) {
		s.items = items
		return nil
	}
	if err := s.writeDisk(items); err != nil {
		return err
	}
	s.items = items
	return nil
}

func (s *Storage) readDisk() (map[string]storedItem, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]storedItem), nil
		}
		return nil, fmt.Errorf("file storage: read %s: %w", s.path, err)
	}
	if len(raw) == 0 {
		return make(map[string]storedItem), nil
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("file storage: decode %s: %w", s.path, err)
	}
	if doc.Items == nil {
		doc.Items = make(map[string]storedItem)
	}
	return doc.Items, nil
}

func (s *Storage) writeDisk(items map[string]storedItem) error {
	raw, err := json.MarshalIndent(document{Version: 1, Items: items}, "", "  ")
	if err != nil {
		return fmt.Errorf("file storage: encode: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("file storage: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: chmod temp: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("file storage: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("file storage: replace %s: %w", s.path, err)
	}
	return nil
}

func (s *Storage) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Debug("storage.file.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (s *Storage) reload() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	items, err := s.readDisk()
	if err != nil {
		// A half-written file from a foreign writer; the next event retries.
		s.mu.Unlock()
		s.log.Debug("storage.file.reload.fail", slog.String("err", err.Error()))
		return
	}
	s.items = items
	s.mu.Unlock()

	select {
	case s.reloaded <- struct{}{}:
	default:
	}
}

var _ storage.Storage = (*Storage)(nil)
