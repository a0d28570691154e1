package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/tabrelay/internal/events"
)

func newTestServer(t *testing.T, cfg ServerConfig, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(cfg, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop(context.Background())
		ts.Close()
	})
	return s, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/"
}

// fakeExtension is a bare socket standing in for the browser extension.
type fakeExtension struct {
	t  *testing.T
	ws *websocket.Conn
	mu sync.Mutex
}

func connectExtension(t *testing.T, s *Server, ts *httptest.Server) *fakeExtension {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.Eventually(t, s.IsConnected, 2*time.Second, 5*time.Millisecond)
	return &fakeExtension{t: t, ws: ws}
}

// next returns the next command, skipping keepalives.
func (e *fakeExtension) next() Request {
	e.t.Helper()
	for {
		e.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := e.ws.ReadMessage()
		require.NoError(e.t, err)
		var req Request
		require.NoError(e.t, json.Unmarshal(data, &req))
		if req.ID != "" {
			return req
		}
	}
}

func (e *fakeExtension) send(v any) {
	e.t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NoError(e.t, e.ws.WriteJSON(v))
}

func sendAsync(s *Server, action string, params any) <-chan CommandResult {
	ch := make(chan CommandResult, 1)
	go func() {
		ch <- s.SendCommand(context.Background(), action, params)
	}()
	return ch
}

func TestSendCommandNotConnected(t *testing.T) {
	s, _ := newTestServer(t, ServerConfig{})

	start := time.Now()
	res := s.SendCommand(context.Background(), "get_tabs", nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonNotConnected, res.Error)
	assert.Equal(t, 0, s.Pending())
}

func TestSendCommandRoundTrip(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	ch := sendAsync(s, "navigate", map[string]any{"url": "https://example.com"})
	req := ext.next()
	assert.Equal(t, "navigate", req.Action)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, req.Params)

	ext.send(Result{ID: req.ID, Success: true, Result: "Navigated to https://example.com"})
	res := receive(t, ch)
	assert.True(t, res.Success)
	assert.Equal(t, "Navigated to https://example.com", res.Output)
	assert.Equal(t, 0, s.Pending())
}

func TestSendCommandEmptyParams(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	ch := sendAsync(s, "get_tabs", nil)
	req := ext.next()
	assert.Equal(t, map[string]any{}, req.Params)

	ext.send(map[string]any{"id": req.ID, "success": true, "result": "1: \"Example\" - https://example.com"})
	assert.Equal(t, "1: \"Example\" - https://example.com", receive(t, ch).Output)
}

func TestSendCommandTimeout(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{CommandTimeout: 50 * time.Millisecond})
	ext := connectExtension(t, s, ts)

	ch := sendAsync(s, "get_content", nil)
	req := ext.next()

	res := receive(t, ch)
	assert.False(t, res.Success)
	assert.Equal(t, "Command timed out (50ms)", res.Error)
	assert.Equal(t, 0, s.Pending())

	// A late answer is dropped without disturbing the connection.
	ext.send(Result{ID: req.ID, Success: true, Result: "late"})
	time.Sleep(20 * time.Millisecond)
	assert.True(t, s.IsConnected())
	assert.Equal(t, 0, s.Pending())
}

func TestSendCommandContextCancel(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan CommandResult, 1)
	go func() { ch <- s.SendCommand(ctx, "click", map[string]any{"selector": "#a"}) }()
	ext.next()
	cancel()

	res := receive(t, ch)
	assert.False(t, res.Success)
	assert.Equal(t, context.Canceled.Error(), res.Error)
	assert.Equal(t, 0, s.Pending())
}

func TestDisconnectFailsPending(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	a := sendAsync(s, "click", map[string]any{"selector": "#a"})
	b := sendAsync(s, "type", map[string]any{"selector": "#b", "text": "x"})
	ext.next()
	ext.next()
	require.Equal(t, 2, s.Pending())

	ext.ws.Close()

	for _, ch := range []<-chan CommandResult{a, b} {
		res := receive(t, ch)
		assert.False(t, res.Success)
		assert.Equal(t, ReasonDisconnected, res.Error)
	}
	assert.Eventually(t, func() bool { return !s.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ServerListening.String(), s.State().String())

	res := s.SendCommand(context.Background(), "get_tabs", nil)
	assert.Equal(t, ReasonNotConnected, res.Error)
}

func TestOutOfOrderResults(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	first := sendAsync(s, "get_content", nil)
	r1 := ext.next()
	second := sendAsync(s, "get_tabs", nil)
	r2 := ext.next()

	ext.send(Result{ID: r2.ID, Success: true, Result: "tabs"})
	ext.send(Result{ID: r1.ID, Success: true, Result: "content"})

	assert.Equal(t, "content", receive(t, first).Output)
	assert.Equal(t, "tabs", receive(t, second).Output)
}

func TestStalledPeerDoesNotBlockStop(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	connectExtension(t, s, ts) // never reads

	big := strings.Repeat("x", 64<<20)
	stalled := sendAsync(s, "type", map[string]any{"selector": "#q", "text": big})
	require.Eventually(t, func() bool { return s.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	assert.True(t, s.IsConnected())
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	start = time.Now()
	res := s.SendCommand(context.Background(), "get_tabs", nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, ReasonNotConnected, res.Error)

	assert.Equal(t, ReasonClosing, receive(t, stalled).Error)
}

func TestRepeatedCommandsGetDistinctIDs(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	params := map[string]any{"selector": "#go"}
	first := sendAsync(s, "click", params)
	req1 := ext.next()
	second := sendAsync(s, "click", params)
	req2 := ext.next()

	assert.NotEqual(t, req1.ID, req2.ID)
	assert.Equal(t, req1.Action, req2.Action)
	assert.Equal(t, req1.Params, req2.Params)

	ext.send(Result{ID: req2.ID, Success: false, Error: "Element not found: #go"})
	ext.send(Result{ID: req1.ID, Success: true, Result: "Clicked element: #go"})

	assert.Equal(t, "Clicked element: #go", receive(t, first).Output)
	assert.Equal(t, "Element not found: #go", receive(t, second).Error)
	assert.Equal(t, 0, s.Pending())
}

func TestConcurrentCommandsResolveExactlyOnce(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	const n = 20
	results := make([]<-chan CommandResult, n)
	for i := range results {
		results[i] = sendAsync(s, "get_content", map[string]any{"tabId": i})
	}

	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = ext.next()
	}
	// Answer in reverse arrival order, each twice.
	for i := n - 1; i >= 0; i-- {
		tab := reqs[i].Params.(map[string]any)["tabId"]
		out := fmt.Sprintf("tab %v", tab)
		ext.send(Result{ID: reqs[i].ID, Success: true, Result: out})
		ext.send(Result{ID: reqs[i].ID, Success: true, Result: "duplicate"})
	}

	for i, ch := range results {
		assert.Equal(t, fmt.Sprintf("tab %d", i), receive(t, ch).Output)
	}
	for _, ch := range results {
		assertNoResult(t, ch)
	}
	assert.Equal(t, 0, s.Pending())
}

func TestFailureResultDefaultsMessage(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	ch := sendAsync(s, "click", map[string]any{})
	req := ext.next()
	ext.send(map[string]any{"id": req.ID, "success": false})

	res := receive(t, ch)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonCommandFailed, res.Error)
}

func TestKeepaliveDoesNotTouchCommands(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{PingInterval: 10 * time.Millisecond})
	ext := connectExtension(t, s, ts)

	ext.ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ext.ws.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"ping"}`, string(data))

	ext.send(Keepalive{Method: MethodPong})
	ext.send(Keepalive{Method: MethodPing})
	time.Sleep(30 * time.Millisecond)

	assert.True(t, s.IsConnected())
	assert.Equal(t, 0, s.Pending())
}

func TestMalformedFramesAreDropped(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	ch := sendAsync(s, "get_tabs", nil)
	req := ext.next()

	ext.mu.Lock()
	require.NoError(t, ext.ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, ext.ws.WriteMessage(websocket.TextMessage, []byte(`[1,2,3]`)))
	ext.mu.Unlock()
	ext.send(Result{ID: "unknown", Success: true, Result: "stray"})
	ext.send(map[string]any{"success": true})

	assert.True(t, s.IsConnected())
	assert.Equal(t, 1, s.Pending())

	ext.send(Result{ID: req.ID, Success: true, Result: "ok"})
	assert.Equal(t, "ok", receive(t, ch).Output)
}

func TestPeerReplacement(t *testing.T) {
	subject := events.NewSubject(events.WithSyncDelivery())
	t.Cleanup(func() { events.Complete(subject) })

	var mu sync.Mutex
	var kinds []PeerEventKind
	events.Subscribe(subject, events.TopicServerPeer, func(_ context.Context, evt PeerEvent) error {
		mu.Lock()
		kinds = append(kinds, evt.Kind)
		mu.Unlock()
		return nil
	})

	s, ts := newTestServer(t, ServerConfig{}, WithEvents(subject))
	first := connectExtension(t, s, ts)

	pending := sendAsync(s, "navigate", map[string]any{"url": "https://a.test"})
	first.next()

	second := connectExtension(t, s, ts)

	res := receive(t, pending)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonDisconnected, res.Error)

	// The superseded socket is closed by the server.
	first.ws.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := first.ws.ReadMessage(); err != nil {
			break
		}
	}

	ch := sendAsync(s, "get_tabs", nil)
	req := second.next()
	second.send(Result{ID: req.ID, Success: true, Result: "from second"})
	assert.Equal(t, "from second", receive(t, ch).Output)
	assert.True(t, s.IsConnected())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) >= 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []PeerEventKind{PeerConnected, PeerReplaced, PeerConnected}, kinds[:3])
	mu.Unlock()
}

func TestStopFailsPendingAndRefusesRestart(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})
	ext := connectExtension(t, s, ts)

	ch := sendAsync(s, "get_content", nil)
	ext.next()

	require.NoError(t, s.Stop(context.Background()))
	res := receive(t, ch)
	assert.Equal(t, ReasonClosing, res.Error)
	assert.Equal(t, ServerClosed, s.State())

	require.NoError(t, s.Stop(context.Background()))
	assert.ErrorIs(t, s.Start(), ErrClosed)
	assert.Equal(t, ReasonNotConnected, s.SendCommand(context.Background(), "get_tabs", nil).Error)
}

func TestStartListensOnLoopback(t *testing.T) {
	s := NewServer(ServerConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop(context.Background()) })
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ServerListening, s.State())
}

func TestStatusAndCommandEndpoints(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})

	resp, err := http.Get(ts.URL + "/extension/status")
	require.NoError(t, err)
	var status statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.False(t, status.Connected)
	assert.Equal(t, "idle", status.State)

	ext := connectExtension(t, s, ts)
	go func() {
		req := ext.next()
		ext.send(Result{ID: req.ID, Success: true, Result: "Switched to tab 2"})
	}()

	resp, err = http.Post(ts.URL+"/commands", "application/json",
		strings.NewReader(`{"action":"switch_tab","params":{"tabId":2}}`))
	require.NoError(t, err)
	var res CommandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.True(t, res.Success)
	assert.Equal(t, "Switched to tab 2", res.Output)

	resp, err = http.Post(ts.URL+"/commands", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRejectsForeignOrigin(t *testing.T) {
	s, ts := newTestServer(t, ServerConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": []string{"https://evil.test"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, s.IsConnected())

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), http.Header{"Origin": []string{"chrome-extension://abcdef"}})
	require.NoError(t, err)
	ws.Close()
}
