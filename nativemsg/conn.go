// Package nativemsg speaks the browser native-messaging protocol on a pair
// of byte streams (normally stdin/stdout): 4-byte little-endian length
// prefixed JSON frames.
//
// The extension sends "request" frames carrying a routed message and
// "event" frames for browser events. The daemon answers requests with
// "response" frames and issues its own "call" frames (windows.*), which the
// extension answers with "result" frames. Conn also implements approval.Host
// by opening approval popups through those calls.
package nativemsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ggoodman/bunkergate/internal/logctx"
	"github.com/ggoodman/bunkergate/internal/outbound"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/router"
)

// Frame kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindEvent    = "event"
	KindCall     = "call"
	KindResult   = "result"
)

// EventWindowRemoved reports a closed browser window.
const EventWindowRemoved = "windows.removed"

// Handler routes one message.
type Handler interface {
	Handle(ctx context.Context, from router.Sender, msg *protocol.Message) any
}

type inbound struct {
	Kind string `json:"kind"`
	ID   string `json:"id,omitempty"`

	// request
	Sender  *router.Sender    `json:"sender,omitempty"`
	Message *protocol.Message `json:"message,omitempty"`

	// event
	Event    string `json:"event,omitempty"`
	WindowID *int64 `json:"windowId,omitempty"`

	// result
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type response struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Body any    `json:"body"`
}

type call struct {
	Kind string `json:"kind"`
	*outbound.Call
}

// Conn is one native-messaging connection.
type Conn struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger

	wmu  sync.Mutex
	disp *outbound.Dispatcher
}

// Option configures a Conn.
type Option func(*Conn)

// WithLogger sets the connection's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// NewConn returns a Conn reading frames from r and writing frames to w.
func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	c := &Conn{r: r, w: w, log: slog.New(slog.DiscardHandler)}
	c.disp = outbound.New(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve reads frames until the stream ends or ctx is done. Requests are
// handled concurrently; their responses may interleave. On return every
// outstanding outbound call fails. A clean end of stream returns nil.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// Cancelling first releases handlers still waiting on an approval.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		for {
			b, err := ReadFrame(c.r)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.disp.Close(ctx.Err())
			return nil
		case b, ok := <-frames:
			if !ok {
				err := <-readErr
				c.disp.Close(fmt.Errorf("nativemsg: stream closed: %w", err))
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			c.dispatch(ctx, h, b, &wg)
		}
	}
}

func (c *Conn) dispatch(ctx context.Context, h Handler, b []byte, wg *sync.WaitGroup) {
	var in inbound
	if err := json.Unmarshal(b, &in); err != nil {
		c.log.WarnContext(ctx, "nativemsg.frame.invalid", slog.String("err", err.Error()))
		return
	}

	switch in.Kind {
	case KindRequest:
		if in.Sender == nil || in.Message == nil {
			c.respond(ctx, in.ID, protocol.Errorf(protocol.NewError(protocol.ErrUnknownMessage, protocol.MsgUnknownMessage)))
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx := logctx.WithMessageData(ctx, &logctx.MessageData{Type: string(in.Message.Type), ID: in.ID})
			c.respond(rctx, in.ID, h.Handle(rctx, *in.Sender, in.Message))
		}()

	case KindEvent:
		if in.Event != EventWindowRemoved || in.WindowID == nil {
			c.log.DebugContext(ctx, "nativemsg.event.ignored", slog.String("event", in.Event))
			return
		}
		h.Handle(ctx, router.Sender{Kind: router.Host}, &protocol.Message{
			Type:   protocol.SurfaceClosedEventType,
			Handle: strconv.FormatInt(*in.WindowID, 10),
		})

	case KindResult:
		if !c.disp.OnResult(&outbound.Result{ID: in.ID, Result: in.Result, Error: in.Error}) {
			c.log.DebugContext(ctx, "nativemsg.result.unmatched", slog.String("id", in.ID))
		}

	default:
		c.log.WarnContext(ctx, "nativemsg.frame.unknown", slog.String("kind", in.Kind))
	}
}

func (c *Conn) respond(ctx context.Context, id string, body any) {
	if err := c.write(response{Kind: KindResponse, ID: id, Body: body}); err != nil {
		c.log.ErrorContext(ctx, "nativemsg.write.fail", slog.String("err", err.Error()))
	}
}

// SendCall implements outbound.Transport.
func (c *Conn) SendCall(_ context.Context, oc *outbound.Call) error {
	return c.write(call{Kind: KindCall, Call: oc})
}

func (c *Conn) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nativemsg: encode: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.w, b)
}
