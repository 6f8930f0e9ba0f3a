// Package signertest provides a scripted signer.Dialer and signer.Client for
// exercising code that talks to a remote signer.
package signertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/bunkergate/signer"
)

// Dialer is a fake signer.Dialer. The zero value is unusable; use NewDialer.
type Dialer struct {
	// Identity is the public key reported by dialed clients.
	Identity string

	mu      sync.Mutex
	err     error
	block   bool
	dials   atomic.Int32
	clients []*Client
	secrets []string
	ptrs    []signer.Pointer
	release chan struct{}
}

// NewDialer returns a Dialer whose clients report identity.
func NewDialer(identity string) *Dialer {
	return &Dialer{Identity: identity, release: make(chan struct{})}
}

// FailWith makes subsequent dials fail with err (nil restores success).
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Block makes subsequent dials wait until their context ends or Release is
// called.
func (d *Dialer) Block() {
	d.mu.Lock()
	d.block = true
	d.mu.Unlock()
}

// Release lets blocked dials proceed.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.block {
		d.block = false
		close(d.release)
	}
}

// Dial implements signer.Dialer.
func (d *Dialer) Dial(ctx context.Context, secret string, p signer.Pointer) (signer.Client, error) {
	d.dials.Add(1)

	d.mu.Lock()
	block, release, err := d.block, d.release, d.err
	d.secrets = append(d.secrets, secret)
	d.ptrs = append(d.ptrs, p)
	d.mu.Unlock()

	if block {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial: %w", ctx.Err())
		case <-release:
		}
	}
	if err != nil {
		return nil, err
	}

	c := NewClient(d.Identity)
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

// Dials reports how many times Dial was invoked.
func (d *Dialer) Dials() int { return int(d.dials.Load()) }

// Clients returns every client handed out so far.
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// Pointers returns the pointers passed to Dial, in order.
func (d *Dialer) Pointers() []signer.Pointer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]signer.Pointer(nil), d.ptrs...)
}

// Secrets returns the client secrets passed to Dial, in order.
func (d *Dialer) Secrets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.secrets...)
}

// Call records one invocation on a Client.
type Call struct {
	Method string
	Args   []string
}

// Client is a fake signer.Client. Signing fills in deterministic fields;
// encryption wraps text as "<cipher>:<peer>:<text>".
type Client struct {
	identity string

	mu       sync.Mutex
	calls    []Call
	err      error
	closeErr error
	closed   bool
}

// NewClient returns a Client reporting identity.
func NewClient(identity string) *Client {
	return &Client{identity: identity}
}

// FailWith makes subsequent operations fail with err.
func (c *Client) FailWith(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// FailClose makes Close return err.
func (c *Client) FailClose(err error) {
	c.mu.Lock()
	c.closeErr = err
	c.mu.Unlock()
}

// Calls returns the recorded invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) record(ctx context.Context, method string, args ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Method: method, Args: args})
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed {
		return errors.New("signertest: client closed")
	}
	return c.err
}

func (c *Client) GetPublicKey(ctx context.Context) (string, error) {
	if err := c.record(ctx, "getPublicKey"); err != nil {
		return "", err
	}
	return c.identity, nil
}

func (c *Client) SignEvent(ctx context.Context, evt signer.UnsignedEvent) (signer.SignedEvent, error) {
	if err := c.record(ctx, "signEvent", evt.Content); err != nil {
		return signer.SignedEvent{}, err
	}
	return signer.SignedEvent{
		ID:        fmt.Sprintf("id-%d-%d", evt.Kind, evt.CreatedAt),
		PubKey:    c.identity,
		CreatedAt: evt.CreatedAt,
		Kind:      evt.Kind,
		Tags:      evt.Tags,
		Content:   evt.Content,
		Sig:       "sig",
	}, nil
}

func (c *Client) Encrypt(ctx context.Context, ci signer.Cipher, peer, plaintext string) (string, error) {
	if err := c.record(ctx, string(ci)+"Encrypt", peer, plaintext); err != nil {
		return "", err
	}
	return string(ci) + ":" + peer + ":" + plaintext, nil
}

func (c *Client) Decrypt(ctx context.Context, ci signer.Cipher, peer, ciphertext string) (string, error) {
	if err := c.record(ctx, string(ci)+"Decrypt", peer, ciphertext); err != nil {
		return "", err
	}
	prefix := string(ci) + ":" + peer + ":"
	if len(ciphertext) < len(prefix) || ciphertext[:len(prefix)] != prefix {
		return "", errors.New("signertest: bad ciphertext")
	}
	return ciphertext[len(prefix):], nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

var (
	_ signer.Dialer = (*Dialer)(nil)
	_ signer.Client = (*Client)(nil)
)
