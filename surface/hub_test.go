package surface

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/bunkergate/approval"
	"github.com/ggoodman/bunkergate/internal/surfacetoken"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	urls   []string
	closed []approval.Handle
	err    error
}

func (r *recorder) Open(_ context.Context, u string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.urls = append(r.urls, u)
	return nil
}

func (r *recorder) onClosed(_ context.Context, h approval.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, h)
	return 1
}

func (r *recorder) closedHandles() []approval.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]approval.Handle(nil), r.closed...)
}

func newHub(t *testing.T, opts ...Option) (*Hub, *recorder) {
	t.Helper()
	tokens, err := surfacetoken.New(nil)
	require.NoError(t, err)
	rec := &recorder{}
	h, err := New("http://127.0.0.1:7447/approve?theme=dark", tokens, rec, opts...)
	require.NoError(t, err)
	h.OnClosed(rec.onClosed)
	return h, rec
}

func spawn(t *testing.T, h *Hub, rec *recorder, id string) (approval.Handle, url.Values) {
	t.Helper()
	kind := 1
	handle, err := h.Spawn(context.Background(), approval.SpawnRequest{
		RequestID: id, Host: "a.example", Operation: protocol.SignEvent, EventKind: &kind,
	})
	require.NoError(t, err)
	rec.mu.Lock()
	u, err := url.Parse(rec.urls[len(rec.urls)-1])
	rec.mu.Unlock()
	require.NoError(t, err)
	return handle, u.Query()
}

func TestSpawn_LaunchURL(t *testing.T) {
	h, rec := newHub(t)
	handle, q := spawn(t, h, rec, "req-1")

	assert.Equal(t, approval.Handle("req-1"), handle)
	assert.Equal(t, "req-1", q.Get("requestId"))
	assert.Equal(t, "a.example", q.Get("host"))
	assert.Equal(t, "signEvent", q.Get("method"))
	assert.Equal(t, "1", q.Get("eventKind"))
	assert.Equal(t, "dark", q.Get("theme"))
	require.NoError(t, h.Verify("req-1", q.Get("token")))
	assert.Error(t, h.Verify("req-2", q.Get("token")))
	assert.Equal(t, 1, h.Live())
}

func TestAttach_ReleaseDestroys(t *testing.T) {
	h, rec := newHub(t, WithAttachTimeout(20*time.Millisecond))
	_, q := spawn(t, h, rec, "req-1")

	release, err := h.Attach("req-1", q.Get("token"))
	require.NoError(t, err)

	_, err = h.Attach("req-1", q.Get("token"))
	assert.ErrorIs(t, err, ErrAttached)

	// Attached surfaces outlive the attach timeout.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.closedHandles())

	release(context.Background())
	release(context.Background())
	assert.Equal(t, []approval.Handle{"req-1"}, rec.closedHandles())
	assert.Zero(t, h.Live())

	_, err = h.Attach("req-1", q.Get("token"))
	assert.ErrorIs(t, err, ErrUnknownSurface)
}

func TestAttach_BadToken(t *testing.T) {
	h, rec := newHub(t)
	_, q := spawn(t, h, rec, "req-1")
	spawn(t, h, rec, "req-2")

	_, err := h.Attach("req-2", q.Get("token"))
	assert.ErrorIs(t, err, surfacetoken.ErrInvalid)
}

func TestAttachTimeout_Destroys(t *testing.T) {
	h, rec := newHub(t, WithAttachTimeout(10*time.Millisecond))
	spawn(t, h, rec, "req-1")

	require.Eventually(t, func() bool {
		return len(rec.closedHandles()) == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, h.Live())
}

func TestSpawn_OpenFailure(t *testing.T) {
	h, rec := newHub(t)
	rec.err = errors.New("no browser")

	_, err := h.Spawn(context.Background(), approval.SpawnRequest{RequestID: "req-1"})
	assert.ErrorContains(t, err, "no browser")
	assert.Zero(t, h.Live())
	assert.Empty(t, rec.closedHandles())
}

func TestNew_InvalidBase(t *testing.T) {
	tokens, _ := surfacetoken.New(nil)
	_, err := New("not a url", tokens, BrowserOpener)
	assert.Error(t, err)
}

func TestHub_WithFlow(t *testing.T) {
	h, rec := newHub(t)
	flow := approval.New(h, nopPolicies{})
	h.OnClosed(flow.SurfaceClosed)

	done := make(chan bool, 1)
	go func() {
		ok, _ := flow.Request(context.Background(), "a.example", protocol.GetPublicKey, nil)
		done <- ok
	}()

	var token string
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if len(rec.urls) == 0 {
			return false
		}
		u, _ := url.Parse(rec.urls[0])
		token = u.Query().Get("token")
		return true
	}, time.Second, time.Millisecond)
	pending := flow.Pending()
	require.Len(t, pending, 1)
	id := pending[0].RequestID

	require.Eventually(t, func() bool {
		p, ok := flow.Get(id)
		return ok && p.Handle != ""
	}, time.Second, time.Millisecond)

	release, err := h.Attach(id, token)
	require.NoError(t, err)
	release(context.Background())

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("closing the surface did not resolve the request")
	}
}

type nopPolicies struct{}

func (nopPolicies) Set(context.Context, string, string, protocol.PolicyDecision) error { return nil }
