// Package signer defines the Signer Client contract bunkergate drives: a
// connection to a remote (NIP-46 "bunker") signer that can report its public
// key, sign events and encrypt/decrypt payloads. The protocol itself lives in
// implementations such as signer/nip46.
package signer

import (
	"context"
	"errors"
)

// Cipher selects an encryption suite.
type Cipher string

const (
	NIP04 Cipher = "nip04"
	NIP44 Cipher = "nip44"
)

// UnsignedEvent is the event shape a page asks to have signed.
type UnsignedEvent struct {
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// SignedEvent is UnsignedEvent plus the fields the signer fills in.
type SignedEvent struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Client is a live connection to a remote signer. Implementations must be
// safe for concurrent use.
type Client interface {
	GetPublicKey(ctx context.Context) (string, error)
	SignEvent(ctx context.Context, evt UnsignedEvent) (SignedEvent, error)
	Encrypt(ctx context.Context, c Cipher, peer, plaintext string) (string, error)
	Decrypt(ctx context.Context, c Cipher, peer, ciphertext string) (string, error)
	// Close releases relay connections. It may fail; callers treat that as
	// best effort.
	Close() error
}

// Dialer establishes Clients. Dial must honor ctx: when it ends, any
// partially opened transport is released and ctx.Err() (or an error wrapping
// it) is returned.
type Dialer interface {
	Dial(ctx context.Context, clientSecret string, p Pointer) (Client, error)
}

// KeyGenerator mints a fresh client secret key (hex).
type KeyGenerator func() (string, error)

// ErrUnsupportedCipher is returned for a Cipher outside NIP04/NIP44.
var ErrUnsupportedCipher = errors.New("signer: unsupported cipher")
