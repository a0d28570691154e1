package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/httputil"
	"github.com/neboloop/tabrelay/internal/middleware"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr           string
	CommandTimeout time.Duration
	PingInterval   time.Duration
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents publishes PeerEvents on subject.
func WithEvents(subject *events.Subject) ServerOption {
	return func(s *Server) {
		s.events = subject
	}
}

// Server is the desktop side of the relay. It accepts one extension peer at
// a time, forwards commands to it, and correlates the results.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger
	events *events.Subject

	mu       sync.RWMutex
	state    ServerState
	peer     *peerConn
	listener net.Listener
	srv      *http.Server

	router   chi.Router
	upgrader websocket.Upgrader
	pending  *PendingTable
}

// peerConn is one accepted extension socket. Writes are serialized by writeMu.
type peerConn struct {
	ws      *websocket.Conn
	remote  string
	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func newPeerConn(ws *websocket.Conn, remote string) *peerConn {
	ws.SetReadLimit(readLimit)
	return &peerConn{ws: ws, remote: remote, done: make(chan struct{})}
}

func (p *peerConn) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.ws.WriteJSON(v)
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		// A write stuck on a peer that stopped reading holds the frame lock,
		// so the close frame gets a short deadline.
		p.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		p.ws.Close()
	})
}

func (p *peerConn) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// NewServer creates a server. Nothing listens until Start.
func NewServer(cfg ServerConfig, opts ...ServerOption) *Server {
	if cfg.Addr == "" {
		cfg.Addr = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	s := &Server{
		cfg:     cfg,
		logger:  slog.Default(),
		pending: NewPendingTable(cfg.CommandTimeout),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return allowedOrigin(r.Header.Get("Origin"))
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "relay-server")

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/extension/status", s.handleStatus)
	r.With(middleware.LocalOnly()).Post("/commands", s.handleCommand)
	r.Get("/", s.handleRoot)
	r.NotFound(s.handleRoot)
	s.router = r
	return s
}

// Mount attaches h under pattern on the relay listener. Call before Start.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.router.Mount(pattern, h)
}

// Handler returns the HTTP handler serving the extension socket and the
// local control endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and begins accepting the extension. Calling it
// on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case ServerClosed:
		return ErrClosed
	case ServerListening, ServerConnected:
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.state = ServerListening

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server stopped", "error", err)
		}
	}()

	s.logger.Info("relay listening", "addr", ln.Addr().String())
	return nil
}

// Stop closes the peer, fails every pending command with "App closing" and
// shuts the listener down. It is idempotent.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == ServerClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = ServerClosed
	p := s.peer
	s.peer = nil
	dropped := s.pending.DrainAll(ReasonClosing)
	srv := s.srv
	s.mu.Unlock()

	if p != nil {
		p.close()
	}
	s.logger.Info("relay stopped", "dropped", dropped)

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}

// Addr returns the bound listener address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr
}

// Port returns the listener port, or 0 when it cannot be determined.
func (s *Server) Port() int {
	_, port, err := net.SplitHostPort(s.Addr())
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// IsConnected reports whether an extension peer is attached.
func (s *Server) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == ServerConnected && s.peer != nil
}

// State returns the server lifecycle state.
func (s *Server) State() ServerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Pending returns the number of commands awaiting a result.
func (s *Server) Pending() int {
	return s.pending.Len()
}

// SendCommand forwards action to the extension and waits for its result,
// the command timeout, a disconnect, or ctx. It never returns a Go error;
// every failure is reported in the CommandResult.
func (s *Server) SendCommand(ctx context.Context, action string, params any) CommandResult {
	if params == nil {
		params = map[string]any{}
	}

	s.mu.RLock()
	p := s.peer
	if s.state != ServerConnected || p == nil || p.closed() {
		s.mu.RUnlock()
		return Failure(ReasonNotConnected)
	}

	// Registered under the lock so no drain can miss the entry; written
	// outside it so a stalled peer never blocks Stop or release.
	id := uuid.NewString()
	done := s.pending.Register(id, action)
	s.mu.RUnlock()

	err := p.writeJSON(Request{ID: id, Action: action, Params: params})
	if err != nil && s.pending.Cancel(id) {
		s.logger.Warn("send command failed", "id", id, "action", action, "error", err)
		return Failure(fmt.Sprintf("Failed to send command: %v", err))
	}

	s.logger.Debug("command sent", "id", id, "action", action)

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		if s.pending.Cancel(id) {
			return Failure(ctx.Err().Error())
		}
		return <-done
	}
}

// adopt makes p the active peer. An existing peer is closed and its pending
// commands fail with "Extension disconnected".
func (s *Server) adopt(p *peerConn) bool {
	s.mu.Lock()
	if s.state == ServerClosed {
		s.mu.Unlock()
		return false
	}
	old := s.peer
	dropped := 0
	if old != nil {
		dropped = s.pending.DrainAll(ReasonDisconnected)
	}
	s.peer = p
	s.state = ServerConnected
	s.mu.Unlock()

	if old != nil {
		old.close()
		s.logger.Warn("extension peer replaced", "old", old.remote, "new", p.remote, "dropped", dropped)
		s.emit(PeerEvent{Kind: PeerReplaced, Remote: old.remote, Dropped: dropped})
	}
	s.logger.Info("extension connected", "remote", p.remote)
	s.emit(PeerEvent{Kind: PeerConnected, Remote: p.remote})
	return true
}

// release detaches p after its read loop ends. A peer that was already
// replaced or stopped leaves the current state alone.
func (s *Server) release(p *peerConn) {
	s.mu.Lock()
	if s.peer != p {
		s.mu.Unlock()
		p.close()
		return
	}
	s.peer = nil
	s.state = ServerListening
	dropped := s.pending.DrainAll(ReasonDisconnected)
	s.mu.Unlock()

	p.close()
	s.logger.Info("extension disconnected", "remote", p.remote, "dropped", dropped)
	s.emit(PeerEvent{Kind: PeerDisconnected, Remote: p.remote, Dropped: dropped})
}

func (s *Server) emit(evt PeerEvent) {
	if err := events.Emit(s.events, events.TopicServerPeer, evt); err != nil {
		s.logger.Debug("peer event dropped", "error", err)
	}
}

func (s *Server) keepalive(p *peerConn) {
	if s.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.writeJSON(Keepalive{Method: MethodPing}); err != nil {
				s.logger.Debug("ping failed", "remote", p.remote, "error", err)
			}
		}
	}
}

func (s *Server) readLoop(p *peerConn) {
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("extension read ended", "remote", p.remote, "error", err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Server) handleFrame(data []byte) {
	f, ok := decodeFrame(data)
	if !ok {
		s.logger.Debug("dropping malformed frame", "size", len(data))
		return
	}
	if f.isKeepalive() || f.ID == "" {
		return
	}
	if !s.pending.Resolve(f.ID, f.commandResult()) {
		s.logger.Debug("dropping result for unknown command", "id", f.ID)
	}
}

// HTTP handlers

func (s *Server) handleRoot(w http.ResponseWriter, req *http.Request) {
	if websocket.IsWebSocketUpgrade(req) {
		s.handleExtensionWS(w, req)
		return
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Write([]byte("OK"))
}

func (s *Server) handleExtensionWS(w http.ResponseWriter, req *http.Request) {
	if !middleware.IsLoopbackRemote(req.RemoteAddr) {
		httputil.Forbidden(w, "local callers only")
		return
	}
	if s.State() == ServerClosed {
		httputil.Unavailable(w, "relay is shutting down")
		return
	}

	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Debug("extension upgrade failed", "error", err)
		return
	}

	p := newPeerConn(ws, req.RemoteAddr)
	if !s.adopt(p) {
		p.close()
		return
	}

	go s.keepalive(p)
	s.readLoop(p)
	s.release(p)
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	Port      int    `json:"port"`
	Addr      string `json:"addr"`
}

func (s *Server) handleStatus(w http.ResponseWriter, req *http.Request) {
	httputil.OkJSON(w, statusResponse{
		Connected: s.IsConnected(),
		State:     s.State().String(),
		Pending:   s.Pending(),
		Port:      s.Port(),
		Addr:      s.Addr(),
	})
}

type commandRequest struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, req *http.Request) {
	var body commandRequest
	if err := httputil.DecodeJSON(w, req, &body); err != nil {
		httputil.Error(w, err)
		return
	}
	if body.Action == "" {
		httputil.ErrorWithCode(w, http.StatusBadRequest, "action is required")
		return
	}

	var params any
	if len(body.Params) > 0 {
		params = body.Params
	}
	httputil.OkJSON(w, s.SendCommand(req.Context(), body.Action, params))
}
