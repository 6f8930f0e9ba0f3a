package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"filippo.io/age"
	"github.com/ggoodman/bunkergate/internal/codec"
	"github.com/ggoodman/bunkergate/signer"
	"github.com/ggoodman/bunkergate/storage"
)

const clientKeyName = "client_secret"

// ErrKeyLocked is returned when the stored client key is sealed and cannot be
// opened with the configured passphrase (or none is configured).
var ErrKeyLocked = errors.New("session: client key is sealed and cannot be opened")

type storedKey struct {
	Sealed bool   `cbor:"sealed"`
	Data   []byte `cbor:"data"`
}

// KeyStore holds the long-lived client secret key. The key is generated on
// first use and never regenerated while one is stored.
type KeyStore struct {
	backend    storage.Storage
	generate   signer.KeyGenerator
	passphrase string
	workFactor int

	mu sync.Mutex
}

// KeyOption configures a KeyStore.
type KeyOption func(*KeyStore)

// WithPassphrase seals the key at rest with an age scrypt recipient.
func WithPassphrase(p string) KeyOption {
	return func(k *KeyStore) { k.passphrase = p }
}

// WithScryptWorkFactor overrides the scrypt work factor (log2 N) used when
// sealing. Zero keeps age's default.
func WithScryptWorkFactor(n int) KeyOption {
	return func(k *KeyStore) { k.workFactor = n }
}

// NewKeyStore returns a KeyStore minting new keys with gen.
func NewKeyStore(st storage.Storage, gen signer.KeyGenerator, opts ...KeyOption) *KeyStore {
	k := &KeyStore{backend: st, generate: gen}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Load returns the client key, creating and storing one if none exists.
func (k *KeyStore) Load(ctx context.Context) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	item, err := k.backend.Get(ctx, clientKeyName, storage.WithNamespace(storage.KeySpace))
	if err != nil {
		return "", fmt.Errorf("session: load client key: %w", err)
	}
	if item != nil && len(item.Data) > 0 {
		return k.open(item.Data)
	}

	secret, err := k.generate()
	if err != nil {
		return "", fmt.Errorf("session: generate client key: %w", err)
	}
	raw, err := k.seal(secret)
	if err != nil {
		return "", err
	}
	stored, created, err := k.backend.GetOrSet(ctx, clientKeyName, raw, storage.WithNamespace(storage.KeySpace))
	if err != nil {
		return "", fmt.Errorf("session: store client key: %w", err)
	}
	if !created {
		// Another process stored a key first; it wins.
		return k.open(stored.Data)
	}
	return secret, nil
}

func (k *KeyStore) seal(secret string) ([]byte, error) {
	sk := storedKey{Data: []byte(secret)}
	if k.passphrase != "" {
		r, err := age.NewScryptRecipient(k.passphrase)
		if err != nil {
			return nil, fmt.Errorf("session: scrypt recipient: %w", err)
		}
		if k.workFactor > 0 {
			r.SetWorkFactor(k.workFactor)
		}
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, r)
		if err != nil {
			return nil, fmt.Errorf("session: seal client key: %w", err)
		}
		if _, err := io.WriteString(w, secret); err != nil {
			return nil, fmt.Errorf("session: seal client key: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("session: seal client key: %w", err)
		}
		sk = storedKey{Sealed: true, Data: buf.Bytes()}
	}
	raw, err := codec.Marshal(sk)
	if err != nil {
		return nil, fmt.Errorf("session: encode client key: %w", err)
	}
	return raw, nil
}

func (k *KeyStore) open(raw []byte) (string, error) {
	var sk storedKey
	if err := codec.Unmarshal(raw, &sk); err != nil {
		return "", fmt.Errorf("session: decode client key: %w", err)
	}
	if !sk.Sealed {
		return string(sk.Data), nil
	}
	if k.passphrase == "" {
		return "", ErrKeyLocked
	}
	id, err := age.NewScryptIdentity(k.passphrase)
	if err != nil {
		return "", fmt.Errorf("session: scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(sk.Data), id)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyLocked, err)
	}
	secret, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyLocked, err)
	}
	return string(secret), nil
}
