package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/events"
)

// Executor runs one extension command. The returned string becomes the
// result payload; an error becomes the failure message.
type Executor interface {
	Execute(ctx context.Context, action string, params json.RawMessage) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action string, params json.RawMessage) (string, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, action string, params json.RawMessage) (string, error) {
	return f(ctx, action, params)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	URL            string
	ConnectTimeout time.Duration
	// Origin is sent on the upgrade request when set.
	Origin string
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientEvents publishes Indicator changes on subject.
func WithClientEvents(subject *events.Subject) ClientOption {
	return func(c *Client) {
		c.events = subject
	}
}

// Client is the extension side of the relay. It holds at most one socket to
// the desktop server and runs every inbound command through its Executor.
type Client struct {
	cfg    ClientConfig
	exec   Executor
	dialer *websocket.Dialer
	logger *slog.Logger
	events *events.Subject

	flight   singleflight.Group
	inflight atomic.Int64

	mu        sync.Mutex
	state     ClientState
	indicator Indicator
	conn      *clientConn
	gen       uint64 // bumped by Disconnect; a dial from an older gen is abandoned
	seq       uint64 // indicator revision

	publishMu sync.Mutex
	published uint64
}

// indicatorUpdate is an indicator change taken under mu, published after.
type indicatorUpdate struct {
	ind Indicator
	seq uint64
}

type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

func (cc *clientConn) writeJSON(v any) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	cc.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cc.ws.WriteJSON(v)
}

func (cc *clientConn) close() {
	cc.once.Do(func() {
		cc.cancel()
		cc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		cc.ws.Close()
	})
}

// NewClient creates a disconnected client.
func NewClient(cfg ClientConfig, exec Executor, opts ...ClientOption) *Client {
	if cfg.URL == "" {
		cfg.URL = fmt.Sprintf("ws://127.0.0.1:%d/", DefaultPort)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	c := &Client{
		cfg:    cfg,
		exec:   exec,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "relay-client")
	c.indicator = newIndicator(BadgeOff, cfg.URL, nil)
	return c
}

// State returns the connection state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Indicator returns the current user-visible state.
func (c *Client) Indicator() Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indicator
}

// InFlight returns the number of commands currently executing.
func (c *Client) InFlight() int {
	return int(c.inflight.Load())
}

// Toggle disconnects when connected and connects otherwise.
func (c *Client) Toggle(ctx context.Context) error {
	if c.State() == ClientConnected {
		c.Disconnect()
		return nil
	}
	return c.Connect(ctx)
}

// Connect opens the socket. Concurrent callers share one dial attempt and
// its outcome. The attempt is bounded by the connect timeout regardless of
// ctx; ctx only bounds how long this caller waits. A Disconnect during the
// attempt wins: the dial is abandoned and ErrConnectAborted returned.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	ch := c.flight.DoChan("connect/"+strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, c.dial(gen)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) dial(gen uint64) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrConnectAborted
	}
	if c.state == ClientConnected {
		c.mu.Unlock()
		return nil
	}
	u := c.transition(ClientConnecting, BadgeConnecting, nil)
	c.mu.Unlock()
	c.publish(u)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
	defer cancel()

	var header http.Header
	if c.cfg.Origin != "" {
		header = http.Header{"Origin": []string{c.cfg.Origin}}
	}

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("connect to %s timed out after %s", c.cfg.URL, c.cfg.ConnectTimeout)
		} else {
			err = fmt.Errorf("connect to %s: %w", c.cfg.URL, err)
		}
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return ErrConnectAborted
		}
		u = c.transition(ClientDisconnected, BadgeError, err)
		c.mu.Unlock()
		c.publish(u)
		c.logger.Warn("connect failed", "url", c.cfg.URL, "error", err)
		return err
	}
	ws.SetReadLimit(readLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	cc := &clientConn{ws: ws, ctx: connCtx, cancel: connCancel}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		cc.close()
		c.logger.Info("connect abandoned after disconnect", "url", c.cfg.URL)
		return ErrConnectAborted
	}
	c.conn = cc
	u = c.transition(ClientConnected, BadgeOn, nil)
	c.mu.Unlock()
	c.publish(u)
	c.logger.Info("connected", "url", c.cfg.URL)

	go c.readLoop(cc)
	return nil
}

// Disconnect closes the socket and abandons any dial in progress. Commands
// still executing are cancelled and their results discarded.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cc := c.conn
	c.conn = nil
	c.gen++
	u := c.transition(ClientDisconnected, BadgeOff, nil)
	c.mu.Unlock()

	if cc != nil {
		cc.close()
		c.logger.Info("disconnected", "url", c.cfg.URL)
	}
	c.publish(u)
}

func (c *Client) readLoop(cc *clientConn) {
	defer c.connectionLost(cc)
	for {
		_, data, err := cc.ws.ReadMessage()
		if err != nil {
			c.logger.Debug("read ended", "error", err)
			return
		}
		c.handleFrame(cc, data)
	}
}

func (c *Client) connectionLost(cc *clientConn) {
	c.mu.Lock()
	current := c.conn == cc
	var u indicatorUpdate
	if current {
		c.conn = nil
		u = c.transition(ClientDisconnected, BadgeOff, nil)
	}
	c.mu.Unlock()

	cc.close()
	if current {
		c.logger.Info("connection lost", "url", c.cfg.URL)
		c.publish(u)
	}
}

func (c *Client) handleFrame(cc *clientConn, data []byte) {
	f, ok := decodeFrame(data)
	if !ok {
		c.logger.Debug("dropping malformed frame", "size", len(data))
		return
	}
	if f.Method == MethodPing {
		if err := cc.writeJSON(Keepalive{Method: MethodPong}); err != nil {
			c.logger.Debug("pong failed", "error", err)
		}
		return
	}
	if f.isKeepalive() || f.ID == "" || f.Action == "" {
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Add(-1)
		c.execute(cc, f)
	}()
}

func (c *Client) execute(cc *clientConn, f frame) {
	res := Result{ID: f.ID}
	out, err := c.run(cc.ctx, f.Action, f.Params)
	if err != nil {
		res.Error = err.Error()
		if res.Error == "" {
			res.Error = ReasonCommandFailed
		}
	} else {
		res.Success = true
		res.Result = out
	}

	if cc.ctx.Err() != nil {
		c.logger.Debug("discarding result after disconnect", "id", f.ID, "action", f.Action)
		return
	}
	if err := cc.writeJSON(res); err != nil {
		c.logger.Warn("send result failed", "id", f.ID, "action", f.Action, "error", err)
	}
}

func (c *Client) run(ctx context.Context, action string, params json.RawMessage) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			crashlog.LogPanic("relay-client", r, map[string]string{"action": action})
			err = fmt.Errorf("%s failed: %v", action, r)
		}
	}()
	if c.exec == nil {
		return "", fmt.Errorf("Unknown action: %s", action)
	}
	return c.exec.Execute(ctx, action, params)
}

// transition sets state and indicator together. Caller holds mu and passes
// the result to publish after unlocking.
func (c *Client) transition(state ClientState, b Badge, err error) indicatorUpdate {
	c.state = state
	ind := newIndicator(b, c.cfg.URL, err)
	if ind == c.indicator {
		return indicatorUpdate{}
	}
	c.indicator = ind
	c.seq++
	return indicatorUpdate{ind: ind, seq: c.seq}
}

// publish emits u unless a newer indicator has already gone out.
func (c *Client) publish(u indicatorUpdate) {
	if u.seq == 0 {
		return
	}
	c.publishMu.Lock()
	defer c.publishMu.Unlock()
	if u.seq <= c.published {
		return
	}
	c.published = u.seq
	if err := events.Emit(c.events, events.TopicClientState, u.ind); err != nil {
		c.logger.Debug("indicator event dropped", "error", err)
	}
}
