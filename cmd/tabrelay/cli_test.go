package cli

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/relay"
)

// startRelay runs a relay with an extension that answers every command with
// its action name.
func startRelay(t *testing.T) (*relay.Server, string) {
	t.Helper()
	s := relay.NewServer(relay.ServerConfig{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop(context.Background())
		ts.Close()
	})
	addr := strings.TrimPrefix(ts.URL, "http://")

	exec := relay.ExecutorFunc(func(ctx context.Context, action string, params json.RawMessage) (string, error) {
		return "ran " + action + " " + string(params), nil
	})
	c := relay.NewClient(relay.ClientConfig{URL: "ws://" + addr + "/"}, exec)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(c.Disconnect)
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
	return s, addr
}

func TestControlClientSend(t *testing.T) {
	_, addr := startRelay(t)
	cc := newControlClient(addr)

	res, err := cc.Send(context.Background(), "get_tabs", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ran get_tabs {}", res.Output)

	res, err = cc.Send(context.Background(), "navigate", json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, `ran navigate {"url":"https://example.com"}`, res.Output)
}

func TestControlClientStatus(t *testing.T) {
	_, addr := startRelay(t)

	st, err := newControlClient(addr).Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "connected", st.State)
	assert.Equal(t, 0, st.Pending)
}

func TestControlClientNotConnected(t *testing.T) {
	s := relay.NewServer(relay.ServerConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Stop(context.Background())

	res, err := newControlClient(strings.TrimPrefix(ts.URL, "http://")).Send(context.Background(), "get_tabs", nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, relay.ReasonNotConnected, res.Error)
}

func TestControlClientUnreachable(t *testing.T) {
	_, err := newControlClient("127.0.0.1:1").Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay not reachable")
}

func TestDescribePeerEvent(t *testing.T) {
	assert.Equal(t, "Extension connected from 127.0.0.1:5000",
		describePeerEvent(relay.PeerEvent{Kind: relay.PeerConnected, Remote: "127.0.0.1:5000"}))
	assert.Equal(t, "Extension disconnected (2 pending commands failed)",
		describePeerEvent(relay.PeerEvent{Kind: relay.PeerDisconnected, Dropped: 2}))
	assert.Equal(t, "Extension disconnected",
		describePeerEvent(relay.PeerEvent{Kind: relay.PeerDisconnected}))
}

func TestLoadConfigFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  port: 9555\n"), 0644))

	cfgFile, logLevel, quiet = path, "debug", true
	t.Cleanup(func() {
		cfgFile, logLevel, quiet = "", "", false
		logging.Enable()
	})

	require.NoError(t, loadConfig())
	assert.Equal(t, 9555, Config.Relay.Port)
	assert.Equal(t, "debug", Config.Log.Level)
}

func TestAcquireLockIsExclusive(t *testing.T) {
	dir := t.TempDir()

	first, err := acquireLock(dir, "test.lock")
	require.NoError(t, err)

	_, err = acquireLock(dir, "test.lock")
	assert.Error(t, err)

	releaseLock(first)
	again, err := acquireLock(dir, "test.lock")
	require.NoError(t, err)
	releaseLock(again)
}

func TestControlClientReportsRelayError(t *testing.T) {
	_, addr := startRelay(t)

	_, err := newControlClient(addr).Send(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, "relay returned 400 Bad Request: action is required", err.Error())
}
