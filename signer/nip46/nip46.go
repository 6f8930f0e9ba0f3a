// Package nip46 implements signer.Dialer on top of go-nostr's NIP-46 bunker
// client.
package nip46

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/bunkergate/signer"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip05"
	"github.com/nbd-wtf/go-nostr/nip46"
)

// Dialer connects to bunkers over a fresh relay pool per connection.
type Dialer struct {
	log *slog.Logger
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithLogger sets the logger used for auth challenges.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// NewDialer returns a Dialer.
func NewDialer(opts ...Option) *Dialer {
	d := &Dialer{log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(d)
	}
	return d
}

var _ signer.Dialer = (*Dialer)(nil)

// Dial runs the NIP-46 connect handshake. The relay pool outlives ctx; it is
// torn down by Client.Close or when the handshake fails.
func (d *Dialer) Dial(ctx context.Context, clientSecret string, p signer.Pointer) (signer.Client, error) {
	poolCtx, cancel := context.WithCancel(context.Background())
	pool := nostr.NewSimplePool(poolCtx)

	onAuth := func(url string) {
		d.log.WarnContext(ctx, "signer.auth.challenge", slog.String("url", url))
	}

	bc, err := nip46.ConnectBunker(ctx, clientSecret, p.String(), pool, onAuth)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connect bunker: %w", ctx.Err())
		}
		return nil, fmt.Errorf("connect bunker: %w", err)
	}
	return &client{bc: bc, cancel: cancel}, nil
}

// ResolveNIP05 is a signer.Resolver over the identifier's
// /.well-known/nostr.json document.
func ResolveNIP05(ctx context.Context, identifier string) (string, []string, error) {
	doc, name, err := nip05.Fetch(ctx, identifier)
	if err != nil {
		return "", nil, err
	}
	pubkey, ok := doc.Names[name]
	if !ok {
		return "", nil, fmt.Errorf("no entry for %q", name)
	}
	return pubkey, doc.NIP46[pubkey], nil
}

var _ signer.Resolver = ResolveNIP05

// GenerateKey mints a client secret with go-nostr.
func GenerateKey() (string, error) {
	return nostr.GeneratePrivateKey(), nil
}

type client struct {
	bc *nip46.BunkerClient

	once   sync.Once
	cancel context.CancelFunc
}

func (c *client) GetPublicKey(ctx context.Context) (string, error) {
	return c.bc.GetPublicKey(ctx)
}

func (c *client) SignEvent(ctx context.Context, in signer.UnsignedEvent) (signer.SignedEvent, error) {
	tags := make(nostr.Tags, 0, len(in.Tags))
	for _, t := range in.Tags {
		tags = append(tags, nostr.Tag(t))
	}
	evt := nostr.Event{
		CreatedAt: nostr.Timestamp(in.CreatedAt),
		Kind:      in.Kind,
		Tags:      tags,
		Content:   in.Content,
	}
	if err := c.bc.SignEvent(ctx, &evt); err != nil {
		return signer.SignedEvent{}, err
	}

	out := signer.SignedEvent{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: int64(evt.CreatedAt),
		Kind:      evt.Kind,
		Tags:      make([][]string, len(evt.Tags)),
		Content:   evt.Content,
		Sig:       evt.Sig,
	}
	for i, t := range evt.Tags {
		out.Tags[i] = []string(t)
	}
	return out, nil
}

func (c *client) Encrypt(ctx context.Context, ci signer.Cipher, peer, plaintext string) (string, error) {
	switch ci {
	case signer.NIP04:
		return c.bc.NIP04Encrypt(ctx, peer, plaintext)
	case signer.NIP44:
		return c.bc.NIP44Encrypt(ctx, peer, plaintext)
	}
	return "", signer.ErrUnsupportedCipher
}

func (c *client) Decrypt(ctx context.Context, ci signer.Cipher, peer, ciphertext string) (string, error) {
	switch ci {
	case signer.NIP04:
		return c.bc.NIP04Decrypt(ctx, peer, ciphertext)
	case signer.NIP44:
		return c.bc.NIP44Decrypt(ctx, peer, ciphertext)
	}
	return "", signer.ErrUnsupportedCipher
}

func (c *client) Close() error {
	c.once.Do(c.cancel)
	return nil
}
