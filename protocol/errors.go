package protocol

import "errors"

// Error kinds. Every Error unwraps to exactly one of these.
var (
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrInvalidOrigin     = errors.New("invalid origin")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrSignerFailure     = errors.New("signer failure")
	ErrUnknownMessage    = errors.New("unknown message")
)

// Error pairs a kind with the message shown to the caller.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

// NewError builds an Error of the given kind.
func NewError(kind error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError builds an Error of the given kind around a cause.
func WrapError(kind error, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Canonical caller-facing messages.
const (
	MsgNotConnected   = "Not connected to signer. Connect in the extension popup."
	MsgDenied         = "Permission denied"
	MsgUnknownOrigin  = "Unknown origin"
	MsgInvalidOrigin  = "Invalid origin"
	MsgUnknownMessage = "Unknown message type"
	MsgInvalidEvent   = "Invalid event: must have kind (number), content (string), tags (string[][]), created_at (number)"
)

// Errorf renders err as the wire error response.
func Errorf(err error) ErrorResponse {
	if err == nil {
		return ErrorResponse{Error: "Unknown error"}
	}
	return ErrorResponse{Error: err.Error()}
}
