// Package router dispatches inbound messages to the component that serves
// them and renders every outcome, including failures, as a response value.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/ggoodman/bunkergate/approval"
	"github.com/ggoodman/bunkergate/internal/logctx"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/session"
	"github.com/ggoodman/bunkergate/signer"
)

// DefaultSignerTimeout bounds a single call to the remote signer.
const DefaultSignerTimeout = 60 * time.Second

// SenderKind classifies where a message came from.
type SenderKind string

const (
	// Page is an untrusted web page, reached through a page bridge.
	Page SenderKind = "page"
	// Surface is an approval surface.
	Surface SenderKind = "surface"
	// Manager is the trusted management UI or CLI.
	Manager SenderKind = "manager"
	// Host is the bridging context reporting its own events.
	Host SenderKind = "host"
)

// Sender identifies the origin of a message. URL is the page URL or origin
// for Page senders and is ignored otherwise.
type Sender struct {
	Kind SenderKind `json:"kind"`
	URL  string     `json:"url,omitempty"`
}

// Sessions is the part of the Session Lifecycle Manager the router uses.
type Sessions interface {
	EnsureConnected(ctx context.Context) bool
	Connect(ctx context.Context, rawPointer string) (string, error)
	Disconnect(ctx context.Context) (bool, error)
	Status(ctx context.Context) (session.Status, error)
	Client() signer.Client
	Record(ctx context.Context) (*session.Record, error)
}

// Authorizer is the Permission Broker.
type Authorizer interface {
	Authorize(ctx context.Context, origin string, op protocol.Operation, payload json.RawMessage) error
}

// Approvals is the part of the Approval Flow surfaces talk to.
type Approvals interface {
	Resolve(ctx context.Context, requestID string, decision protocol.Decision) bool
	SurfaceClosed(ctx context.Context, handle approval.Handle) int
	Payload(requestID string) (json.RawMessage, bool)
}

// PolicyAdmin is the management side of the Policy Store.
type PolicyAdmin interface {
	List(ctx context.Context) (protocol.Policies, error)
	Remove(ctx context.Context, host, op string) error
	RemoveOrigin(ctx context.Context, host string) error
}

// Router is the Request Router.
type Router struct {
	sessions  Sessions
	broker    Authorizer
	approvals Approvals
	policies  PolicyAdmin
	timeout   time.Duration
	log       *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithSignerTimeout overrides DefaultSignerTimeout.
func WithSignerTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the router's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.log = l
		}
	}
}

// New wires a Router.
func New(sessions Sessions, broker Authorizer, approvals Approvals, policies PolicyAdmin, opts ...Option) *Router {
	r := &Router{
		sessions:  sessions,
		broker:    broker,
		approvals: approvals,
		policies:  policies,
		timeout:   DefaultSignerTimeout,
		log:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var allowed = map[protocol.Type][]SenderKind{
	protocol.ApprovalDecisionType:   {Surface, Manager},
	protocol.PendingPayloadGetType:  {Surface, Manager},
	protocol.SurfaceClosedEventType: {Host},
	protocol.SessionQueryType:       {Manager, Surface},
	protocol.SessionConnectType:     {Manager},
	protocol.SessionDisconnectType:  {Manager},
	protocol.PolicyListType:         {Manager},
	protocol.PolicyRemoveType:       {Manager},
	protocol.PolicyRemoveOriginType: {Manager},
}

func permits(t protocol.Type, kind SenderKind) bool {
	if _, ok := t.Capability(); ok {
		return kind == Page
	}
	for _, k := range allowed[t] {
		if k == kind {
			return true
		}
	}
	return false
}

// Handle routes msg and returns the JSON-serializable response. It never
// returns nil.
func (r *Router) Handle(ctx context.Context, from Sender, msg *protocol.Message) any {
	if msg == nil {
		return protocol.Errorf(protocol.NewError(protocol.ErrUnknownMessage, protocol.MsgUnknownMessage))
	}
	ctx = logctx.WithMessageData(ctx, &logctx.MessageData{Type: string(msg.Type)})
	ctx = logctx.WithCallerData(ctx, &logctx.CallerData{Kind: string(from.Kind), Origin: from.URL})

	if !permits(msg.Type, from.Kind) {
		r.log.DebugContext(ctx, "router.reject")
		return protocol.Errorf(protocol.NewError(protocol.ErrUnknownMessage, protocol.MsgUnknownMessage))
	}

	if op, ok := msg.Type.Capability(); ok {
		return r.capability(ctx, from, op, msg.Params)
	}

	switch msg.Type {
	case protocol.ApprovalDecisionType:
		r.approvals.Resolve(ctx, msg.RequestID, msg.Decision)
		return protocol.Empty{}

	case protocol.PendingPayloadGetType:
		p, _ := r.approvals.Payload(msg.RequestID)
		return protocol.PendingPayload{Event: p}

	case protocol.SurfaceClosedEventType:
		r.approvals.SurfaceClosed(ctx, approval.Handle(msg.Handle))
		return protocol.Empty{}

	case protocol.SessionQueryType:
		st, err := r.sessions.Status(ctx)
		if err != nil {
			r.log.WarnContext(ctx, "router.session.status.fail", slog.String("err", err.Error()))
			return protocol.SessionStatus{}
		}
		return protocol.SessionStatus{Connected: st.Connected, SignerPubkey: st.Identity, Relays: st.Relays}

	case protocol.SessionConnectType:
		identity, err := r.sessions.Connect(ctx, msg.URI)
		if err != nil {
			return protocol.ConnectResult{Success: false, Error: err.Error()}
		}
		return protocol.ConnectResult{Success: true, SignerPubkey: identity}

	case protocol.SessionDisconnectType:
		if _, err := r.sessions.Disconnect(ctx); err != nil {
			return protocol.Errorf(err)
		}
		return protocol.Empty{}

	case protocol.PolicyListType:
		all, err := r.policies.List(ctx)
		if err != nil {
			return protocol.Errorf(err)
		}
		return protocol.PolicyList{Permissions: all}

	case protocol.PolicyRemoveType:
		if err := r.policies.Remove(ctx, msg.Host, msg.Method); err != nil {
			return protocol.Errorf(err)
		}
		return protocol.Empty{}

	case protocol.PolicyRemoveOriginType:
		if err := r.policies.RemoveOrigin(ctx, msg.Host); err != nil {
			return protocol.Errorf(err)
		}
		return protocol.Empty{}
	}

	return protocol.Errorf(protocol.NewError(protocol.ErrUnknownMessage, protocol.MsgUnknownMessage))
}

// capability runs a page request: connection check, authorization, input
// validation, then the signer call.
func (r *Router) capability(ctx context.Context, from Sender, op protocol.Operation, params []json.RawMessage) any {
	if !op.Gated() {
		return protocol.Errorf(protocol.NewError(protocol.ErrUnknownMessage, protocol.MsgUnknownMessage))
	}

	if !r.sessions.EnsureConnected(ctx) {
		return protocol.Errorf(protocol.NewError(protocol.ErrNotConnected, protocol.MsgNotConnected))
	}

	var payload json.RawMessage
	if op == protocol.SignEvent && len(params) > 0 {
		payload = params[0]
	}
	if err := r.broker.Authorize(ctx, from.URL, op, payload); err != nil {
		r.log.InfoContext(ctx, "router.capability.denied", slog.String("operation", string(op)), slog.String("err", err.Error()))
		return protocol.Errorf(err)
	}

	call, err := r.prepare(op, params)
	if err != nil {
		return protocol.Errorf(err)
	}

	client := r.sessions.Client()
	if client == nil {
		return protocol.Errorf(protocol.NewError(protocol.ErrNotConnected, protocol.MsgNotConnected))
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := call(cctx, client)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = protocol.WrapError(protocol.ErrSignerFailure, "Signer request timed out", err)
		} else if !errors.Is(err, protocol.ErrNotConnected) && !errors.Is(err, protocol.ErrSignerFailure) {
			err = protocol.WrapError(protocol.ErrSignerFailure, err.Error(), err)
		}
		r.log.WarnContext(ctx, "router.signer.fail", slog.String("operation", string(op)), slog.String("err", err.Error()))
		return protocol.Errorf(err)
	}
	return protocol.Result{Result: res}
}

type signerCall func(ctx context.Context, c signer.Client) (any, error)

// prepare validates params for op and binds them into a signer call.
func (r *Router) prepare(op protocol.Operation, params []json.RawMessage) (signerCall, error) {
	switch op {
	case protocol.GetPublicKey:
		return func(ctx context.Context, c signer.Client) (any, error) {
			return c.GetPublicKey(ctx)
		}, nil

	case protocol.GetRelays:
		return func(ctx context.Context, _ signer.Client) (any, error) {
			rec, err := r.sessions.Record(ctx)
			if err != nil {
				return nil, err
			}
			if rec == nil {
				return nil, protocol.NewError(protocol.ErrNotConnected, protocol.MsgNotConnected)
			}
			return relayPairs(rec.Relays), nil
		}, nil

	case protocol.SignEvent:
		evt, err := parseEvent(params)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context, c signer.Client) (any, error) {
			return c.SignEvent(ctx, evt)
		}, nil

	case protocol.NIP04Encrypt, protocol.NIP04Decrypt, protocol.NIP44Encrypt, protocol.NIP44Decrypt:
		peer, text, err := parseCipherArgs(params)
		if err != nil {
			return nil, err
		}
		cipher := signer.NIP04
		if op == protocol.NIP44Encrypt || op == protocol.NIP44Decrypt {
			cipher = signer.NIP44
		}
		if op == protocol.NIP04Encrypt || op == protocol.NIP44Encrypt {
			return func(ctx context.Context, c signer.Client) (any, error) {
				return c.Encrypt(ctx, cipher, peer, text)
			}, nil
		}
		return func(ctx context.Context, c signer.Client) (any, error) {
			return c.Decrypt(ctx, cipher, peer, text)
		}, nil
	}
	return nil, protocol.NewError(protocol.ErrUnknownMessage, protocol.MsgUnknownMessage)
}

// relayPairs renders relays as [[url, {read, write}], ...].
func relayPairs(relays []string) [][2]any {
	out := make([][2]any, 0, len(relays))
	for _, u := range relays {
		out = append(out, [2]any{u, protocol.RelayPolicy{Read: true, Write: true}})
	}
	return out
}
