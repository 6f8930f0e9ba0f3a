// Package approval asks a human to decide on requests no policy covers.
//
// Each request gets a fresh requestId, an entry in the pending table and a
// surface spawned through a Host. The entry is resolved exactly once: by a
// decision carrying its requestId, or as a denial when its surface is
// destroyed. Both tables are process-local; a restart drops them.
package approval

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/bunkergate/internal/logctx"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/google/uuid"
)

// PolicyWriter records "always" decisions.
type PolicyWriter interface {
	Set(ctx context.Context, host, op string, decision protocol.PolicyDecision) error
}

// Pending describes an unresolved request.
type Pending struct {
	RequestID string             `json:"requestId"`
	Origin    string             `json:"host"`
	Operation protocol.Operation `json:"method"`
	EventKind *int               `json:"eventKind,omitempty"`
	Handle    Handle             `json:"-"`
	CreatedAt time.Time          `json:"createdAt"`
}

type entry struct {
	Pending
	result chan bool
}

// Flow is the Approval Flow.
type Flow struct {
	host     Host
	policies PolicyWriter
	log      *slog.Logger
	newID    func() string
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]*entry
	payloads map[string]json.RawMessage
	// spawning counts Spawn calls in flight. While it is non-zero, closures
	// of unknown handles are kept in closedEarly so a surface destroyed
	// before its handle is attached still denies its request.
	spawning    int
	closedEarly map[Handle]struct{}
}

// Option configures a Flow.
type Option func(*Flow)

// WithLogger sets the flow's logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flow) {
		if l != nil {
			f.log = l
		}
	}
}

// WithIDGenerator overrides requestId generation.
func WithIDGenerator(fn func() string) Option {
	return func(f *Flow) {
		if fn != nil {
			f.newID = fn
		}
	}
}

// New returns a Flow spawning surfaces on host and recording persistent
// decisions in policies.
func New(host Host, policies PolicyWriter, opts ...Option) *Flow {
	f := &Flow{
		host:     host,
		policies: policies,
		log:      slog.New(slog.DiscardHandler),
		newID:    newRequestID,
		now:      time.Now,
		pending:     make(map[string]*entry),
		payloads:    make(map[string]json.RawMessage),
		closedEarly: make(map[Handle]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// newRequestID returns a time-ordered UUIDv7.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Request shows an approval surface for (origin, op) and blocks until it is
// resolved. There is no timeout: a surface nobody answers keeps the request
// open until it is closed. If ctx ends first Request returns ctx.Err(); the
// entry stays so a later decision is still applied.
func (f *Flow) Request(ctx context.Context, origin string, op protocol.Operation, payload json.RawMessage) (bool, error) {
	e := &entry{
		Pending: Pending{
			RequestID: f.newID(),
			Origin:    origin,
			Operation: op,
			CreatedAt: f.now(),
		},
		result: make(chan bool, 1),
	}
	ctx = logctx.WithApprovalData(ctx, &logctx.ApprovalData{RequestID: e.RequestID, Operation: string(op)})

	if op == protocol.SignEvent && len(payload) > 0 {
		e.EventKind = eventKind(payload)
	}

	req := SpawnRequest{
		RequestID: e.RequestID,
		Host:      origin,
		Operation: op,
		EventKind: e.EventKind,
		Width:     SurfaceWidth,
		Height:    SurfaceHeight,
	}
	if b, ok, err := f.host.LastFocused(ctx); err != nil {
		f.log.DebugContext(ctx, "approval.geometry.fail", slog.String("err", err.Error()))
	} else if ok {
		req.Position = center(b)
	}

	f.mu.Lock()
	f.pending[e.RequestID] = e
	if op == protocol.SignEvent && len(payload) > 0 {
		f.payloads[e.RequestID] = append(json.RawMessage(nil), payload...)
	}
	f.spawning++
	f.mu.Unlock()

	handle, err := f.host.Spawn(ctx, req)
	if err != nil {
		f.mu.Lock()
		f.spawnDone()
		delete(f.pending, e.RequestID)
		delete(f.payloads, e.RequestID)
		f.mu.Unlock()
		f.log.WarnContext(ctx, "approval.spawn.fail", slog.String("origin", origin), slog.String("err", err.Error()))
		return false, err
	}

	f.mu.Lock()
	_, gone := f.closedEarly[handle]
	delete(f.closedEarly, handle)
	cur, live := f.pending[e.RequestID]
	live = live && cur == e
	switch {
	case live && gone:
		delete(f.pending, e.RequestID)
		delete(f.payloads, e.RequestID)
		e.result <- false
	case live:
		e.Handle = handle
	}
	f.spawnDone()
	f.mu.Unlock()
	if live && gone {
		f.log.InfoContext(ctx, "approval.surface.closed", slog.String("handle", string(handle)), slog.Int("denied", 1))
	} else {
		f.log.DebugContext(ctx, "approval.spawn.ok", slog.String("origin", origin), slog.String("handle", string(handle)))
	}

	select {
	case ok := <-e.result:
		return ok, nil
	case <-ctx.Done():
		f.log.DebugContext(ctx, "approval.wait.abandoned", slog.String("err", ctx.Err().Error()))
		return false, ctx.Err()
	}
}

// Resolve applies a decision to requestID. It returns false, with no other
// effect, if requestID is not pending. Decisions other than the four known
// ones are treated as deny_once.
func (f *Flow) Resolve(ctx context.Context, requestID string, decision protocol.Decision) bool {
	f.mu.Lock()
	e, ok := f.pending[requestID]
	if ok {
		delete(f.pending, requestID)
		delete(f.payloads, requestID)
	}
	f.mu.Unlock()
	if !ok {
		f.log.DebugContext(ctx, "approval.resolve.unknown", slog.String("request_id", requestID))
		return false
	}

	switch decision {
	case protocol.AllowOnce, protocol.AllowAlways, protocol.DenyOnce, protocol.DenyAlways:
	default:
		decision = protocol.DenyOnce
	}

	ctx = logctx.WithApprovalData(ctx, &logctx.ApprovalData{RequestID: requestID, Operation: string(e.Operation)})
	if decision.Persistent() {
		pd := protocol.PolicyDeny
		if decision.Allows() {
			pd = protocol.PolicyAllow
		}
		if err := f.policies.Set(ctx, e.Origin, string(e.Operation), pd); err != nil {
			f.log.ErrorContext(ctx, "approval.policy.write.fail", slog.String("origin", e.Origin), slog.String("err", err.Error()))
		}
	}

	e.result <- decision.Allows()
	f.log.InfoContext(ctx, "approval.resolved", slog.String("origin", e.Origin), slog.String("decision", string(decision)))
	return true
}

// SurfaceClosed denies every request whose surface is handle and returns how
// many were resolved.
func (f *Flow) SurfaceClosed(ctx context.Context, handle Handle) int {
	if handle == "" {
		return 0
	}

	f.mu.Lock()
	var closed []*entry
	for id, e := range f.pending {
		if e.Handle == handle {
			closed = append(closed, e)
			delete(f.pending, id)
			delete(f.payloads, id)
		}
	}
	if len(closed) == 0 && f.spawning > 0 {
		f.closedEarly[handle] = struct{}{}
	}
	f.mu.Unlock()

	for _, e := range closed {
		e.result <- false
	}
	if len(closed) > 0 {
		f.log.InfoContext(ctx, "approval.surface.closed", slog.String("handle", string(handle)), slog.Int("denied", len(closed)))
	}
	return len(closed)
}

// spawnDone ends one in-flight Spawn. Callers hold f.mu.
func (f *Flow) spawnDone() {
	f.spawning--
	if f.spawning == 0 {
		clear(f.closedEarly)
	}
}

// Payload returns the stashed event for a pending signEvent request.
func (f *Flow) Payload(requestID string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payloads[requestID]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), p...), true
}

// Get returns the pending request with the given id.
func (f *Flow) Get(requestID string) (Pending, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.pending[requestID]
	if !ok {
		return Pending{}, false
	}
	return e.Pending, true
}

// Pending lists unresolved requests, oldest first.
func (f *Flow) Pending() []Pending {
	f.mu.Lock()
	out := make([]Pending, 0, len(f.pending))
	for _, e := range f.pending {
		out = append(out, e.Pending)
	}
	f.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// eventKind extracts a numeric "kind" from an event payload, if present.
func eventKind(payload json.RawMessage) *int {
	var probe struct {
		Kind *json.Number `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || probe.Kind == nil {
		return nil
	}
	k, err := probe.Kind.Int64()
	if err != nil {
		return nil
	}
	kind := int(k)
	return &kind
}
