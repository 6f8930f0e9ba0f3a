package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if md, ok := ctx.Value(messageDataKey{}).(*MessageData); ok {
		r.AddAttrs(slog.Group("message",
			slog.String("type", md.Type),
			slog.String("id", md.ID),
		))
	}

	if cd, ok := ctx.Value(callerDataKey{}).(*CallerData); ok {
		r.AddAttrs(slog.Group("caller",
			slog.String("kind", cd.Kind),
			slog.String("origin", cd.Origin),
		))
	}

	if ad, ok := ctx.Value(approvalDataKey{}).(*ApprovalData); ok {
		r.AddAttrs(slog.Group("approval",
			slog.String("request_id", ad.RequestID),
			slog.String("operation", ad.Operation),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

// RequestData describes the HTTP request being served.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type messageDataKey struct{}

// MessageData describes the inbound message being routed.
type MessageData struct {
	Type string
	ID   string
}

func WithMessageData(ctx context.Context, data *MessageData) context.Context {
	return context.WithValue(ctx, messageDataKey{}, data)
}

type callerDataKey struct{}

// CallerData identifies who sent the message.
type CallerData struct {
	Kind   string
	Origin string
}

func WithCallerData(ctx context.Context, data *CallerData) context.Context {
	return context.WithValue(ctx, callerDataKey{}, data)
}

type approvalDataKey struct{}

// ApprovalData identifies the approval a log line belongs to.
type ApprovalData struct {
	RequestID string
	Operation string
}

func WithApprovalData(ctx context.Context, data *ApprovalData) context.Context {
	return context.WithValue(ctx, approvalDataKey{}, data)
}
