// Package surface hosts approval surfaces as browser pages served by the
// daemon's HTTP API. Spawning a surface opens its launch URL; the page then
// holds a websocket open for as long as it lives. The surface counts as
// destroyed when that websocket closes, or when it never connects within
// the attach timeout.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/ggoodman/bunkergate/approval"
	"github.com/ggoodman/bunkergate/internal/surfacetoken"
)

// DefaultAttachTimeout is how long a spawned surface has to connect.
const DefaultAttachTimeout = 2 * time.Minute

// Errors returned by Attach.
var (
	ErrUnknownSurface = errors.New("surface: unknown surface")
	ErrAttached       = errors.New("surface: already attached")
)

// Opener shows a URL to the human, typically in a browser.
type Opener interface {
	Open(ctx context.Context, rawURL string) error
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, rawURL string) error

func (f OpenerFunc) Open(ctx context.Context, rawURL string) error { return f(ctx, rawURL) }

// ClosedFunc is told when a surface is destroyed.
type ClosedFunc func(ctx context.Context, h approval.Handle) int

type entry struct {
	requestID string
	attached  bool
	timer     *time.Timer
}

// Hub is an approval.Host for HTTP mode.
type Hub struct {
	base          *url.URL
	tokens        *surfacetoken.Issuer
	opener        Opener
	attachTimeout time.Duration
	log           *slog.Logger

	mu       sync.Mutex
	surfaces map[approval.Handle]*entry
	onClosed ClosedFunc
}

// Option configures a Hub.
type Option func(*Hub)

// WithAttachTimeout overrides DefaultAttachTimeout.
func WithAttachTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.attachTimeout = d
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// New returns a Hub whose launch URLs extend base with the request's query
// parameters.
func New(base string, tokens *surfacetoken.Issuer, opener Opener, opts ...Option) (*Hub, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("surface: invalid base URL %q", base)
	}
	h := &Hub{
		base:          u,
		tokens:        tokens,
		opener:        opener,
		attachTimeout: DefaultAttachTimeout,
		log:           slog.New(slog.DiscardHandler),
		surfaces:      make(map[approval.Handle]*entry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// OnClosed registers the destruction callback, normally Flow.SurfaceClosed.
func (h *Hub) OnClosed(fn ClosedFunc) {
	h.mu.Lock()
	h.onClosed = fn
	h.mu.Unlock()
}

var _ approval.Host = (*Hub)(nil)

// LastFocused always reports no window; browser geometry is not visible
// from the daemon.
func (h *Hub) LastFocused(context.Context) (approval.Bounds, bool, error) {
	return approval.Bounds{}, false, nil
}

// Spawn opens the launch URL for req. The surface handle is the requestId.
func (h *Hub) Spawn(ctx context.Context, req approval.SpawnRequest) (approval.Handle, error) {
	tok, err := h.tokens.Issue(req.RequestID)
	if err != nil {
		return "", err
	}
	launch := h.LaunchURL(req, tok)
	handle := approval.Handle(req.RequestID)

	e := &entry{requestID: req.RequestID}
	h.mu.Lock()
	h.surfaces[handle] = e
	e.timer = time.AfterFunc(h.attachTimeout, func() { h.expire(handle, e) })
	h.mu.Unlock()

	if err := h.opener.Open(ctx, launch); err != nil {
		h.mu.Lock()
		if h.surfaces[handle] == e {
			delete(h.surfaces, handle)
		}
		h.mu.Unlock()
		e.timer.Stop()
		return "", fmt.Errorf("surface: open: %w", err)
	}
	h.log.DebugContext(ctx, "surface.spawn", slog.String("request_id", req.RequestID))
	return handle, nil
}

// LaunchURL renders the page URL for req carrying tok.
func (h *Hub) LaunchURL(req approval.SpawnRequest, tok string) string {
	u := *h.base
	q := u.Query()
	q.Set("requestId", req.RequestID)
	q.Set("host", req.Host)
	q.Set("method", string(req.Operation))
	if req.EventKind != nil {
		q.Set("eventKind", strconv.Itoa(*req.EventKind))
	}
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String()
}

// Verify checks tok authorizes acting on requestID.
func (h *Hub) Verify(requestID, tok string) error {
	return h.tokens.Verify(tok, requestID)
}

// Attach marks the surface for requestID as live. The returned release
// must be called when the live connection ends; it destroys the surface.
func (h *Hub) Attach(requestID, tok string) (release func(ctx context.Context), err error) {
	if err := h.tokens.Verify(tok, requestID); err != nil {
		return nil, err
	}
	handle := approval.Handle(requestID)

	h.mu.Lock()
	e, ok := h.surfaces[handle]
	switch {
	case !ok:
		h.mu.Unlock()
		return nil, ErrUnknownSurface
	case e.attached:
		h.mu.Unlock()
		return nil, ErrAttached
	}
	e.attached = true
	e.timer.Stop()
	h.mu.Unlock()

	var once sync.Once
	return func(ctx context.Context) {
		once.Do(func() { h.destroy(ctx, handle, e) })
	}, nil
}

// Live reports how many surfaces are open.
func (h *Hub) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.surfaces)
}

func (h *Hub) expire(handle approval.Handle, e *entry) {
	h.mu.Lock()
	attached := e.attached
	h.mu.Unlock()
	if attached {
		return
	}
	h.log.Info("surface.attach.timeout", slog.String("request_id", e.requestID))
	h.destroy(context.Background(), handle, e)
}

func (h *Hub) destroy(ctx context.Context, handle approval.Handle, e *entry) {
	h.mu.Lock()
	if h.surfaces[handle] != e {
		h.mu.Unlock()
		return
	}
	delete(h.surfaces, handle)
	fn := h.onClosed
	h.mu.Unlock()

	e.timer.Stop()
	if fn != nil {
		fn(ctx, handle)
	}
}
