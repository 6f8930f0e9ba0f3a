package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type chanTransport struct {
	calls chan *Call
	err   error
}

func newChanTransport() *chanTransport {
	return &chanTransport{calls: make(chan *Call, 8)}
}

func (t *chanTransport) SendCall(_ context.Context, c *Call) error {
	if t.err != nil {
		return t.err
	}
	t.calls <- c
	return nil
}

func (t *chanTransport) next(tb testing.TB) *Call {
	tb.Helper()
	select {
	case c := <-t.calls:
		return c
	case <-time.After(time.Second):
		tb.Fatal("no call sent")
		return nil
	}
}

type callResult struct {
	raw json.RawMessage
	err error
}

func goCall(ctx context.Context, d *Dispatcher, method string, params any) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		raw, err := d.Call(ctx, method, params)
		ch <- callResult{raw, err}
	}()
	return ch
}

func TestDispatcher_OutOfOrderResults(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	ctx := context.Background()

	r1 := goCall(ctx, d, "windows.getLastFocused", nil)
	c1 := tr.next(t)
	r2 := goCall(ctx, d, "windows.create", map[string]any{"width": 400})
	c2 := tr.next(t)

	if c1.ID == c2.ID {
		t.Fatalf("ids must be unique, both %q", c1.ID)
	}
	if string(c2.Params) != `{"width":400}` {
		t.Fatalf("unexpected params %s", c2.Params)
	}

	if !d.OnResult(&Result{ID: c2.ID, Result: json.RawMessage(`{"id":7}`)}) {
		t.Fatal("result for c2 unmatched")
	}
	if !d.OnResult(&Result{ID: c1.ID, Result: json.RawMessage(`null`)}) {
		t.Fatal("result for c1 unmatched")
	}

	if got := <-r2; got.err != nil || string(got.raw) != `{"id":7}` {
		t.Fatalf("call2: %s %v", got.raw, got.err)
	}
	if got := <-r1; got.err != nil || string(got.raw) != `null` {
		t.Fatalf("call1: %s %v", got.raw, got.err)
	}

	if d.OnResult(&Result{ID: c1.ID}) {
		t.Fatal("duplicate result must be ignored")
	}
}

func TestDispatcher_RemoteError(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	r := goCall(context.Background(), d, "windows.create", nil)
	c := tr.next(t)
	d.OnResult(&Result{ID: c.ID, Error: "no window"})

	got := <-r
	var re *RemoteError
	if !errors.As(got.err, &re) || re.Msg != "no window" || re.Method != "windows.create" {
		t.Fatalf("expected RemoteError, got %v", got.err)
	}
}

func TestDispatcher_ContextCancel(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	ctx, cancel := context.WithCancel(context.Background())
	r := goCall(ctx, d, "windows.create", nil)
	c := tr.next(t)
	cancel()

	if got := <-r; !errors.Is(got.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", got.err)
	}
	if d.OnResult(&Result{ID: c.ID}) {
		t.Fatal("late result must not match a cancelled call")
	}
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	d := New(tr)
	gone := errors.New("stdin closed")

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Call(context.Background(), "windows.create", nil)
			errs <- err
		}()
	}
	for range 3 {
		tr.next(t)
	}
	d.Close(gone)
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, gone) {
			t.Fatalf("expected %v, got %v", gone, err)
		}
	}

	if _, err := d.Call(context.Background(), "windows.create", nil); !errors.Is(err, gone) {
		t.Fatalf("call after close: %v", err)
	}
}

func TestDispatcher_SendFailure(t *testing.T) {
	t.Parallel()

	tr := newChanTransport()
	tr.err = errors.New("broken pipe")
	d := New(tr)

	if _, err := d.Call(context.Background(), "windows.create", nil); !errors.Is(err, tr.err) {
		t.Fatalf("expected send error, got %v", err)
	}
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()
	if n != 0 {
		t.Fatalf("pending table not cleaned: %d", n)
	}
}
