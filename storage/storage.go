// Package storage provides the durable key/value contract bunkergate keeps
// its session, client key and policy state in. Keys live inside a namespace;
// deleting a namespace removes every key in it.
package storage

import (
	"context"
	"errors"
	"time"
)

// Storage defines the primary interface for namespaced durable data.
type Storage interface {
	// Get retrieves data for a specific key within the given namespace.
	// Returns nil Item if key doesn't exist.
	// Returns error only for legitimate storage system failures.
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)

	// Set stores data for a specific key within the given namespace.
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// GetOrSet stores data under key only if the key is absent. It returns
	// the item that is stored afterwards and whether this call created it.
	// Two writers racing on one key agree on a single winner.
	GetOrSet(ctx context.Context, key string, data []byte, opts ...Option) (item *Item, created bool, err error)

	// Delete removes data within the given namespace.
	// If no key specified via WithKey, removes entire namespace.
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources.
	Close() error
}

// Item represents a stored piece of data with metadata.
type Item struct {
	Data      []byte    // The stored data
	UpdatedAt time.Time // When the item was last written
}

// Namespace groups related keys. The empty namespace is the global one.
type Namespace string

// Namespaces used by bunkergate.
const (
	Global         Namespace = ""
	SessionSpace   Namespace = "session"
	KeySpace       Namespace = "keys"
	PolicySpace    Namespace = "policy"
	namespaceDelim           = ":"
)

// Option configures storage operations.
type Option func(*Options)

// Options contains configuration for storage operations.
type Options struct {
	Namespace Namespace // Optional: specifies the storage namespace (empty = global)
	Key       *string   // Optional: specific key (for Delete operations)
}

// Apply folds opts into a fresh Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithNamespace scopes an operation to ns.
func WithNamespace(ns Namespace) Option {
	return func(opts *Options) {
		opts.Namespace = ns
	}
}

// WithKey specifies a specific key for Delete operations.
// If not provided, Delete removes the entire namespace.
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// FlatKey joins a namespace and key into the single string backends index by.
func FlatKey(ns Namespace, key string) string {
	if ns == Global {
		return "global" + namespaceDelim + key
	}
	return "ns" + namespaceDelim + string(ns) + namespaceDelim + key
}

// FlatPrefix is the prefix shared by every FlatKey in ns.
func FlatPrefix(ns Namespace) string {
	return FlatKey(ns, "")
}

// Error types
var (
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: closed")
)
