// Package policy persists per-origin, per-operation allow/deny decisions.
//
// The whole policy map lives in one document (namespace "policy", key
// "domain_policies"). Every mutation is a read-modify-write serialized by an
// in-process mutex; across processes sharing a backend the last writer wins.
// An origin key exists only while it maps to at least one operation.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ggoodman/bunkergate/internal/codec"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/storage"
)

const documentKey = "domain_policies"

// Store is the Policy Store.
type Store struct {
	backend storage.Storage
	now     func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the timestamp source used for new entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a Store backed by st.
func New(st storage.Storage, opts ...Option) *Store {
	s := &Store{backend: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns every recorded policy. The result is a copy.
func (s *Store) List(ctx context.Context) (protocol.Policies, error) {
	return s.load(ctx)
}

// Check returns the recorded decision for (host, op), if any.
func (s *Store) Check(ctx context.Context, host, op string) (protocol.PolicyDecision, bool, error) {
	policies, err := s.load(ctx)
	if err != nil {
		return "", false, err
	}
	entry, ok := policies[host][op]
	if !ok {
		return "", false, nil
	}
	return entry.Decision, true, nil
}

// Set records decision for (host, op), replacing any previous entry.
func (s *Store) Set(ctx context.Context, host, op string, decision protocol.PolicyDecision) error {
	if host == "" || op == "" {
		return fmt.Errorf("policy: host and operation are required")
	}
	if decision != protocol.PolicyAllow && decision != protocol.PolicyDeny {
		return fmt.Errorf("policy: invalid decision %q", decision)
	}
	return s.mutate(ctx, func(p protocol.Policies) {
		if p[host] == nil {
			p[host] = make(map[string]protocol.PolicyEntry)
		}
		p[host][op] = protocol.PolicyEntry{Decision: decision, CreatedAt: s.now().UnixMilli()}
	})
}

// Remove deletes the entry for (host, op). Removing the last operation of an
// origin removes the origin.
func (s *Store) Remove(ctx context.Context, host, op string) error {
	return s.mutate(ctx, func(p protocol.Policies) {
		ops, ok := p[host]
		if !ok {
			return
		}
		delete(ops, op)
		if len(ops) == 0 {
			delete(p, host)
		}
	})
}

// RemoveOrigin deletes every entry for host.
func (s *Store) RemoveOrigin(ctx context.Context, host string) error {
	return s.mutate(ctx, func(p protocol.Policies) {
		delete(p, host)
	})
}

func (s *Store) mutate(ctx context.Context, fn func(protocol.Policies)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	policies, err := s.load(ctx)
	if err != nil {
		return err
	}
	fn(policies)
	prune(policies)

	raw, err := codec.Marshal(policies)
	if err != nil {
		return fmt.Errorf("policy: encode: %w", err)
	}
	if err := s.backend.Set(ctx, documentKey, raw, storage.WithNamespace(storage.PolicySpace)); err != nil {
		return fmt.Errorf("policy: save: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context) (protocol.Policies, error) {
	item, err := s.backend.Get(ctx, documentKey, storage.WithNamespace(storage.PolicySpace))
	if err != nil {
		return nil, fmt.Errorf("policy: load: %w", err)
	}
	policies := make(protocol.Policies)
	if item == nil || len(item.Data) == 0 {
		return policies, nil
	}
	if err := codec.Unmarshal(item.Data, &policies); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	prune(policies)
	return policies, nil
}

func prune(p protocol.Policies) {
	for host, ops := range p {
		if len(ops) == 0 {
			delete(p, host)
		}
	}
}
