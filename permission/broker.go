// Package permission decides whether an origin may perform an operation:
// first from recorded policy, otherwise by asking a human.
package permission

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ggoodman/bunkergate/protocol"
)

// Policies is the read side of the Policy Store.
type Policies interface {
	Check(ctx context.Context, host, op string) (protocol.PolicyDecision, bool, error)
}

// Approver asks a human to decide.
type Approver interface {
	Request(ctx context.Context, origin string, op protocol.Operation, payload json.RawMessage) (bool, error)
}

// Broker is the Permission Broker.
//
// Concurrent first-time requests for the same (origin, operation) may each
// prompt; the last "always" decision wins.
type Broker struct {
	policies Policies
	approver Approver
	log      *slog.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.log = l
		}
	}
}

// New returns a Broker.
func New(policies Policies, approver Approver, opts ...Option) *Broker {
	b := &Broker{policies: policies, approver: approver, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Authorize returns nil if origin may perform op, or an error whose kind is
// protocol.ErrInvalidOrigin or protocol.ErrPermissionDenied. Operations that
// are not gated pass through.
func (b *Broker) Authorize(ctx context.Context, origin string, op protocol.Operation, payload json.RawMessage) error {
	if !op.Gated() {
		return nil
	}

	host, err := HostOf(origin)
	if err != nil {
		return err
	}

	decision, found, err := b.policies.Check(ctx, host, string(op))
	if err != nil {
		// Unreadable policy is treated as absent; the human still decides.
		b.log.WarnContext(ctx, "permission.policy.read.fail", slog.String("host", host), slog.String("err", err.Error()))
	} else if found {
		if decision == protocol.PolicyAllow {
			return nil
		}
		return protocol.NewError(protocol.ErrPermissionDenied, protocol.MsgDenied)
	}

	ok, err := b.approver.Request(ctx, host, op, payload)
	if err != nil {
		return protocol.WrapError(protocol.ErrPermissionDenied, protocol.MsgDenied, err)
	}
	if !ok {
		return protocol.NewError(protocol.ErrPermissionDenied, protocol.MsgDenied)
	}
	return nil
}

// HostOf normalizes a caller origin to the host policies are keyed by. It
// accepts a URL or a bare host; any port is dropped, so every port on a host
// shares one policy.
func HostOf(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", protocol.NewError(protocol.ErrInvalidOrigin, protocol.MsgUnknownOrigin)
	}
	raw := origin
	if !strings.Contains(origin, "://") {
		if strings.ContainsAny(origin, "/?# ") {
			return "", protocol.NewError(protocol.ErrInvalidOrigin, protocol.MsgInvalidOrigin)
		}
		raw = "//" + origin
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "", protocol.NewError(protocol.ErrInvalidOrigin, protocol.MsgInvalidOrigin)
	}
	return strings.ToLower(u.Hostname()), nil
}
