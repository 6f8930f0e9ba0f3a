// Package session owns the connection to the remote signer: the durable
// Session record, the long-lived client key and the in-memory Signer Client
// handle that is rebuilt from them after a daemon restart.
package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/bunkergate/internal/codec"
	"github.com/ggoodman/bunkergate/storage"
)

const recordKey = "current"

// Record is the durable description of the current signer connection.
type Record struct {
	SignerPubkey string   `cbor:"signerPubkey" json:"signerPubkey"`
	Relays       []string `cbor:"relays" json:"relays"`
	// BunkerURI is the pointer the session was established from. It may
	// carry a secret and must not be logged verbatim.
	BunkerURI string `cbor:"bunkerUri,omitempty" json:"bunkerUri,omitempty"`
}

// key identifies the connection the record describes.
func (r Record) key() string {
	if r.BunkerURI != "" {
		return r.BunkerURI
	}
	return r.SignerPubkey + " " + strings.Join(r.Relays, " ")
}

// Store is the Session Store: at most one Record.
type Store struct {
	backend storage.Storage
}

// NewStore returns a Store backed by st.
func NewStore(st storage.Storage) *Store {
	return &Store{backend: st}
}

// Load returns the stored record, or nil if there is none.
func (s *Store) Load(ctx context.Context) (*Record, error) {
	item, err := s.backend.Get(ctx, recordKey, storage.WithNamespace(storage.SessionSpace))
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if item == nil || len(item.Data) == 0 {
		return nil, nil
	}
	var rec Record
	if err := codec.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	return &rec, nil
}

// Save replaces the stored record.
func (s *Store) Save(ctx context.Context, rec Record) error {
	raw, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	if err := s.backend.Set(ctx, recordKey, raw, storage.WithNamespace(storage.SessionSpace)); err != nil {
		return fmt.Errorf("session: save: %w", err)
	}
	return nil
}

// Clear removes the stored record. Clearing an absent record is not an error.
func (s *Store) Clear(ctx context.Context) error {
	err := s.backend.Delete(ctx, storage.WithNamespace(storage.SessionSpace), storage.WithKey(recordKey))
	if err != nil {
		return fmt.Errorf("session: clear: %w", err)
	}
	return nil
}
