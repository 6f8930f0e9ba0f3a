// Package outbound correlates calls the daemon makes to its bridging context
// (for example "windows.create") with the results that come back on the
// same channel, possibly out of order.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// Call is an outbound request.
type Call struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Result answers the Call with the same ID. Error is non-empty on failure.
type Result struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Transport emits calls.
type Transport interface {
	SendCall(ctx context.Context, c *Call) error
}

// ErrDispatcherClosed is returned once the channel to the peer is gone.
var ErrDispatcherClosed = errors.New("outbound: dispatcher closed")

// RemoteError is a failure reported by the peer.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Msg)
}

// outcome is what a waiting call receives: a result or a transport error.
type outcome struct {
	res *Result
	err error
}

// Dispatcher matches results to the calls awaiting them. Each call owns a
// one-slot channel that receives exactly one outcome.
type Dispatcher struct {
	t   Transport
	seq atomic.Uint64

	mu       sync.Mutex
	waiting  map[string]chan outcome
	closeErr error // non-nil once closed
}

// New returns a Dispatcher sending through t.
func New(t Transport) *Dispatcher {
	return &Dispatcher{t: t, waiting: make(map[string]chan outcome)}
}

// Call sends method with params and blocks for the matching result. A
// peer-reported error becomes *RemoteError.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c := &Call{ID: "c" + strconv.FormatUint(d.seq.Add(1), 10), Method: method}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("outbound: marshal %s params: %w", method, err)
		}
		c.Params = b
	}

	ch := make(chan outcome, 1)
	d.mu.Lock()
	if d.closeErr != nil {
		err := d.closeErr
		d.mu.Unlock()
		return nil, err
	}
	d.waiting[c.ID] = ch
	d.mu.Unlock()

	if err := d.t.SendCall(ctx, c); err != nil {
		d.take(c.ID)
		return nil, err
	}

	select {
	case o := <-ch:
		switch {
		case o.err != nil:
			return nil, o.err
		case o.res.Error != "":
			return nil, &RemoteError{Method: method, Msg: o.res.Error}
		}
		return o.res.Result, nil
	case <-ctx.Done():
		d.take(c.ID)
		return nil, ctx.Err()
	}
}

// OnResult hands res to its waiting call and reports whether one was
// waiting.
func (d *Dispatcher) OnResult(res *Result) bool {
	if res == nil || res.ID == "" {
		return false
	}
	ch := d.take(res.ID)
	if ch == nil {
		return false
	}
	ch <- outcome{res: res}
	return true
}

// Close fails every waiting call with err (ErrDispatcherClosed when nil)
// and rejects later calls. Only the first Close has effect.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return
	}
	d.closeErr = err
	for id, ch := range d.waiting {
		ch <- outcome{err: err}
		delete(d.waiting, id)
	}
}

// take removes and returns the channel waiting on id, or nil.
func (d *Dispatcher) take(id string) chan outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.waiting[id]
	if !ok {
		return nil
	}
	delete(d.waiting, id)
	return ch
}
