// Package memory provides an in-memory implementation of the storage
// interface. Data does not survive the process; use it for tests and for
// running the daemon without persistence.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ggoodman/bunkergate/storage"
)

// Storage implements the storage.Storage interface using in-memory storage
type Storage struct {
	mu     sync.RWMutex
	items  map[string]*storage.Item
	closed bool
}

// New creates a new in-memory storage implementation
func New() *Storage {
	return &Storage{items: make(map[string]*storage.Item)}
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options := storage.Apply(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	item, exists := s.items[storage.FlatKey(options.Namespace, key)]
	if !exists {
		return nil, nil
	}
	return &storage.Item{Data: append([]byte(nil), item.Data...), UpdatedAt: item.UpdatedAt}, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	item := &storage.Item{
		Data:      append([]byte(nil), data...),
		UpdatedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.items[storage.FlatKey(options.Namespace, key)] = item
	return nil
}

func (s *Storage) GetOrSet(ctx context.Context, key string, data []byte, opts ...storage.Option) (*storage.Item, bool, error) {
	k := storage.FlatKey(storage.Apply(opts...).Namespace, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, storage.ErrClosed
	}
	item, created := s.items[k], false
	if item == nil {
		item = &storage.Item{Data: append([]byte(nil), data...), UpdatedAt: time.Now()}
		s.items[k] = item
		created = true
	}
	return &storage.Item{Data: append([]byte(nil), item.Data...), UpdatedAt: item.UpdatedAt}, created, nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options := storage.Apply(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}

	if options.Key != nil {
		delete(s.items, storage.FlatKey(options.Namespace, *options.Key))
		return nil
	}

	prefix := storage.FlatPrefix(options.Namespace)
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			delete(s.items, k)
		}
	}
	return nil
}

// Close closes the storage backend and releases resources
func (s *Storage) Close() error {
	s.mu.Lock()
	s.closed = true
	s.items = make(map[string]*storage.Item)
	s.mu.Unlock()
	return nil
}

var _ storage.Storage = (*Storage)(nil)
