package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/bunkergate/config"
	"github.com/ggoodman/bunkergate/nativemsg"
	"github.com/ggoodman/bunkergate/policy"
	"github.com/ggoodman/bunkergate/protocol"
	"github.com/ggoodman/bunkergate/signer/signertest"
	"github.com/ggoodman/bunkergate/storage/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	signerPubkey = "fa984bd7dbb282f07e16e7ae87b26a2a7b9b90b7246a44771f0cf5ae58018f52"
	testURI      = "bunker://" + signerPubkey + "?relay=wss%3A%2F%2Frelay.example.com&secret=s3cret"
)

func testCLI(d *signertest.Dialer) *cli {
	c := &cli{keygen: func() (string, error) { return strings.Repeat("ab", 32), nil }}
	if d != nil {
		c.dialer = d
	}
	return c
}

func executeCLI(t *testing.T, c *cli, args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd(c)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func storeArgs(path string, args ...string) []string {
	return append([]string{"--store", "file", "--store-path", path}, args...)
}

func TestVersion(t *testing.T) {
	stdout, _, err := executeCLI(t, testCLI(nil), "--store", "memory", "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", stdout)
}

func TestUnknownStoreKind(t *testing.T) {
	_, _, err := executeCLI(t, testCLI(nil), "--store", "etcd", "policy", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown store kind "etcd"`)
}

func TestSessionLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	d := signertest.NewDialer(signerPubkey)

	stdout, _, err := executeCLI(t, testCLI(d), storeArgs(path, "session", "connect", testURI)...)
	require.NoError(t, err)
	var connected protocol.ConnectResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &connected))
	assert.True(t, connected.Success)
	assert.Equal(t, signerPubkey, connected.SignerPubkey)

	// A fresh process restores the session from the store.
	stdout, _, err = executeCLI(t, testCLI(d), storeArgs(path, "session", "status")...)
	require.NoError(t, err)
	var status protocol.SessionStatus
	require.NoError(t, json.Unmarshal([]byte(stdout), &status))
	assert.True(t, status.Connected)
	assert.Equal(t, []string{"wss://relay.example.com"}, status.Relays)
	assert.Equal(t, 2, d.Dials())

	secrets := d.Secrets()
	require.Len(t, secrets, 2)
	assert.Equal(t, secrets[0], secrets[1], "client key must survive restarts")

	_, _, err = executeCLI(t, testCLI(d), storeArgs(path, "session", "disconnect")...)
	require.NoError(t, err)

	stdout, _, err = executeCLI(t, testCLI(d), storeArgs(path, "session", "status")...)
	require.NoError(t, err)
	status = protocol.SessionStatus{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &status))
	assert.False(t, status.Connected)
	assert.Equal(t, 2, d.Dials())
}

func TestSessionConnectRejectsBadURI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	_, _, err := executeCLI(t, testCLI(signertest.NewDialer(signerPubkey)), storeArgs(path, "session", "connect", "nostrconnect://nope")...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid bunker URI")
}

func TestPolicyCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st, err := file.New(path)
	require.NoError(t, err)
	ps := policy.New(st)
	ctx := context.Background()
	require.NoError(t, ps.Set(ctx, "a.example", "signEvent", protocol.PolicyAllow))
	require.NoError(t, ps.Set(ctx, "a.example", "getPublicKey", protocol.PolicyAllow))
	require.NoError(t, ps.Set(ctx, "b.example", "nip44_encrypt", protocol.PolicyDeny))
	require.NoError(t, st.Close())

	list := func() protocol.Policies {
		t.Helper()
		stdout, _, err := executeCLI(t, testCLI(nil), storeArgs(path, "policy", "list")...)
		require.NoError(t, err)
		var out protocol.PolicyList
		require.NoError(t, json.Unmarshal([]byte(stdout), &out))
		return out.Permissions
	}

	all := list()
	require.Len(t, all, 2)
	assert.Equal(t, protocol.PolicyDeny, all["b.example"]["nip44_encrypt"].Decision)

	_, _, err = executeCLI(t, testCLI(nil), storeArgs(path, "policy", "remove", "a.example", "signEvent")...)
	require.NoError(t, err)
	all = list()
	assert.NotContains(t, all["a.example"], "signEvent")
	assert.Contains(t, all["a.example"], "getPublicKey")

	_, _, err = executeCLI(t, testCLI(nil), storeArgs(path, "policy", "remove-origin", "b.example")...)
	require.NoError(t, err)
	assert.NotContains(t, list(), "b.example")

	_, _, err = executeCLI(t, testCLI(nil), storeArgs(path, "policy", "remove", "a.example")...)
	require.Error(t, err)
}

func TestNativeAnswersRequests(t *testing.T) {
	req, err := json.Marshal(map[string]any{
		"kind":    nativemsg.KindRequest,
		"id":      "7",
		"sender":  map[string]any{"kind": "manager"},
		"message": map[string]any{"type": "session.query"},
	})
	require.NoError(t, err)
	var stdin bytes.Buffer
	require.NoError(t, nativemsg.WriteFrame(&stdin, req))

	root := newRootCmd(testCLI(signertest.NewDialer(signerPubkey)))
	var stdout, stderr bytes.Buffer
	root.SetIn(&stdin)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs([]string{"--store", "memory", "native"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	frame, err := nativemsg.ReadFrame(&stdout)
	require.NoError(t, err)
	var resp struct {
		Kind string                 `json:"kind"`
		ID   string                 `json:"id"`
		Body protocol.SessionStatus `json:"body"`
	}
	require.NoError(t, json.Unmarshal(frame, &resp))
	assert.Equal(t, nativemsg.KindResponse, resp.Kind)
	assert.Equal(t, "7", resp.ID)
	assert.False(t, resp.Body.Connected)
}

func TestServeHealthAndShutdown(t *testing.T) {
	c := testCLI(signertest.NewDialer(signerPubkey))
	c.cfg = config.Default()
	c.cfg.Store.Kind = config.StoreMemory
	c.log = slog.New(slog.DiscardHandler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/healthz")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
