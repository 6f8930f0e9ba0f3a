package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/signer"
	"golang.org/x/sync/singleflight"
)

// DefaultConnectTimeout bounds establishing a signer connection.
const DefaultConnectTimeout = 30 * time.Second

// Status is a snapshot of the connection for display.
type Status struct {
	Connected bool
	Identity  string
	Relays    []string
}

// Manager is the Session Lifecycle Manager. It holds at most one live
// signer.Client and keeps it consistent with the durable Record.
type Manager struct {
	sessions *Store
	keys     *KeyStore
	dialer   signer.Dialer
	resolve  signer.Resolver
	timeout  time.Duration
	log      *slog.Logger

	flight singleflight.Group

	mu     sync.Mutex
	client signer.Client
	// bound identifies the Record the live client was dialed from.
	bound string
	// gen changes whenever Connect or Disconnect replaces the session, so an
	// in-flight reconnect can tell its result is stale.
	gen uint64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithResolver lets Connect accept NIP-05 identifiers as well as bunker
// URIs.
func WithResolver(r signer.Resolver) ManagerOption {
	return func(m *Manager) { m.resolve = r }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager wires a Manager.
func NewManager(sessions *Store, keys *KeyStore, dialer signer.Dialer, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions: sessions,
		keys:     keys,
		dialer:   dialer,
		timeout:  DefaultConnectTimeout,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect establishes a session from a bunker URI or NIP-05 identifier and
// returns the signer's identity. On failure the previous session, if any, is
// left untouched. The stored Record always holds the resolved bunker URI.
func (m *Manager) Connect(ctx context.Context, rawPointer string) (string, error) {
	p, err := signer.ResolvePointer(ctx, rawPointer, m.resolve)
	if err != nil {
		return "", protocol.WrapError(protocol.ErrInvalidPayload, err.Error(), err)
	}

	client, identity, err := m.dial(ctx, p)
	if err != nil {
		m.log.WarnContext(ctx, "session.connect.fail", slog.String("pointer", p.Redacted()), slog.String("err", err.Error()))
		return "", err
	}

	rec := Record{SignerPubkey: identity, Relays: p.Relays, BunkerURI: p.String()}
	if err := m.sessions.Save(ctx, rec); err != nil {
		_ = client.Close()
		return "", err
	}

	m.mu.Lock()
	prev := m.client
	m.client = client
	m.bound = rec.key()
	m.gen++
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			m.log.DebugContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		}
	}
	m.log.InfoContext(ctx, "session.connect.ok", slog.String("identity", identity), slog.Int("relays", len(p.Relays)))
	return identity, nil
}

// EnsureConnected reports whether a live handle exists for the stored
// Record, rebuilding one if needed. The Record is re-read on every call so a
// session replaced or cleared by another process is honored: a handle for a
// Record that is gone is dropped. Concurrent callers share one attempt.
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	rec, err := m.sessions.Load(ctx)
	if err != nil {
		m.log.WarnContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return false
	}

	want := ""
	if rec != nil {
		want = rec.key()
	}
	m.mu.Lock()
	var stale signer.Client
	if m.client != nil && m.bound != want {
		stale = m.client
		m.client = nil
		m.gen++
	}
	live := m.client != nil
	m.mu.Unlock()

	if stale != nil {
		m.log.InfoContext(ctx, "session.stale.drop")
		if err := stale.Close(); err != nil {
			m.log.DebugContext(ctx, "session.close.fail", slog.String("err", err.Error()))
		}
	}
	if live {
		return true
	}
	if rec == nil {
		return false
	}

	ch := m.flight.DoChan("reconnect", func() (any, error) {
		return nil, m.reconnect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err == nil && m.Client() != nil
	case <-ctx.Done():
		return false
	}
}

var errNoSession = errors.New("session: no stored session")

func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.client != nil {
		m.mu.Unlock()
		return nil
	}
	gen := m.gen
	m.mu.Unlock()

	rec, err := m.sessions.Load(ctx)
	if err != nil {
		m.log.WarnContext(ctx, "session.reconnect.fail", slog.String("err", err.Error()))
		return err
	}
	if rec == nil {
		return errNoSession
	}

	p, err := pointerFor(rec)
	if err != nil {
		m.log.WarnContext(ctx, "session.reconnect.fail", slog.String("err", err.Error()))
		return err
	}

	client, _, err := m.dial(ctx, p)
	if err != nil {
		m.log.WarnContext(ctx, "session.reconnect.fail", slog.String("pointer", p.Redacted()), slog.String("err", err.Error()))
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.client != nil {
		m.mu.Unlock()
		_ = client.Close()
		return nil
	}
	m.client = client
	m.bound = rec.key()
	m.mu.Unlock()

	m.log.InfoContext(ctx, "session.reconnect.ok", slog.String("identity", rec.SignerPubkey))
	return nil
}

// pointerFor prefers the stored bunker URI; older records only carry the
// identity and relays.
func pointerFor(rec *Record) (signer.Pointer, error) {
	if rec.BunkerURI != "" {
		return signer.ParsePointer(rec.BunkerURI)
	}
	if len(rec.Relays) == 0 {
		return signer.Pointer{}, signer.ErrNoRelays
	}
	return signer.Pointer{RemotePubkey: rec.SignerPubkey, Relays: rec.Relays}, nil
}

// dial connects and fetches the identity within the connect timeout. A
// client that fails after dialing is closed before returning.
func (m *Manager) dial(ctx context.Context, p signer.Pointer) (signer.Client, string, error) {
	secret, err := m.keys.Load(ctx)
	if err != nil {
		return nil, "", err
	}

	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	client, err := m.dialer.Dial(dctx, secret, p)
	if err != nil {
		return nil, "", m.classify(ctx, dctx, err)
	}
	identity, err := client.GetPublicKey(dctx)
	if err != nil {
		_ = client.Close()
		return nil, "", m.classify(ctx, dctx, err)
	}
	return client, identity, nil
}

func (m *Manager) classify(parent, dctx context.Context, err error) error {
	if parent.Err() == nil && errors.Is(dctx.Err(), context.DeadlineExceeded) {
		return protocol.WrapError(protocol.ErrConnectionTimeout, "Connection timeout", err)
	}
	if parent.Err() != nil {
		return parent.Err()
	}
	return protocol.WrapError(protocol.ErrSignerFailure, err.Error(), err)
}

// Disconnect closes the live handle and clears the Record. It reports
// whether closing the handle failed; that failure is otherwise ignored.
func (m *Manager) Disconnect(ctx context.Context) (closeFailed bool, err error) {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.bound = ""
	m.gen++
	m.mu.Unlock()

	if client != nil {
		if cerr := client.Close(); cerr != nil {
			closeFailed = true
			m.log.DebugContext(ctx, "session.close.fail", slog.String("err", cerr.Error()))
		}
	}
	if err := m.sessions.Clear(ctx); err != nil {
		return closeFailed, err
	}
	m.log.InfoContext(ctx, "session.disconnect")
	return closeFailed, nil
}

// Status reports the connection state, reconnecting first if possible.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	if !m.EnsureConnected(ctx) {
		return Status{}, nil
	}
	rec, err := m.sessions.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	if rec == nil {
		return Status{}, nil
	}
	return Status{Connected: true, Identity: rec.SignerPubkey, Relays: rec.Relays}, nil
}

// Client returns the live handle, or nil.
func (m *Manager) Client() signer.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Record returns the durable session record, or nil.
func (m *Manager) Record(ctx context.Context) (*Record, error) {
	rec, err := m.sessions.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("session record: %w", err)
	}
	return rec, nil
}
