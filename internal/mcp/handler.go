package mcp

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/tabrelay/internal/mcp/mcpctx"
	"github.com/neboloop/tabrelay/internal/middleware"
)

const (
	// sessionIdleTimeout is how long an unused session stays cached.
	sessionIdleTimeout = 30 * time.Minute
	sweepInterval      = time.Minute
)

// Handler serves MCP over streamable HTTP to local agents.
type Handler struct {
	relay       mcpctx.Commander
	httpHandler http.Handler
	logger      *slog.Logger
	now         func() time.Time

	// sessionCache stores MCP servers + ToolContext by session ID (in-memory).
	sessionCache sync.Map // map[sessionID]*sessionData
	lastSweep    atomic.Int64
}

// sessionData holds cached session data.
type sessionData struct {
	server   *mcp.Server
	toolCtx  *mcpctx.ToolContext
	lastUsed atomic.Int64 // unix nanos
}

// NewHandler creates an MCP handler whose tools send commands through relay.
func NewHandler(relay mcpctx.Commander) *Handler {
	h := &Handler{
		relay:  relay,
		logger: slog.Default().With("component", "mcp"),
		now:    time.Now,
	}

	// Stateless mode means the SDK doesn't validate session IDs - we handle it ourselves.
	streamHandler := mcp.NewStreamableHTTPHandler(
		h.getServerForRequest,
		&mcp.StreamableHTTPOptions{
			Stateless: true,
		},
	)

	h.httpHandler = middleware.LocalOnly()(h.sessionMiddleware(streamHandler))
	return h
}

// sessionMiddleware makes sure every request carries a session ID that is
// echoed back to the client. DELETE ends the session.
func (h *Handler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get("Mcp-Session-Id")
		if r.Method == http.MethodDelete && sessionID != "" {
			if _, ok := h.sessionCache.LoadAndDelete(sessionID); ok {
				h.logger.Info("mcp session ended", "session", sessionID)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.sweep()
		if sessionID == "" {
			sessionID = uuid.New().String()
			r.Header.Set("Mcp-Session-Id", sessionID)
		}
		h.logger.Debug("mcp request", "method", r.Method, "path", r.URL.Path, "session", sessionID)

		w.Header().Set("Mcp-Session-Id", sessionID)
		next.ServeHTTP(w, r)
	})
}

// getServerForRequest returns a cached server for the session, or creates a new one.
func (h *Handler) getServerForRequest(r *http.Request) *mcp.Server {
	sessionID := r.Header.Get("Mcp-Session-Id")
	now := h.now().UnixNano()

	if cached, ok := h.sessionCache.Load(sessionID); ok {
		sd := cached.(*sessionData)
		sd.lastUsed.Store(now)
		return sd.server
	}

	server, toolCtx := NewServerWithContext(h.relay, r)
	sd := &sessionData{server: server, toolCtx: toolCtx}
	sd.lastUsed.Store(now)
	actual, loaded := h.sessionCache.LoadOrStore(sessionID, sd)
	if loaded {
		actual.(*sessionData).lastUsed.Store(now)
	} else {
		h.logger.Info("mcp session started", "session", sessionID, "user_agent", toolCtx.UserAgent())
	}
	return actual.(*sessionData).server
}

// sweep drops sessions idle longer than sessionIdleTimeout. It runs at most
// once per sweepInterval.
func (h *Handler) sweep() {
	now := h.now()
	last := h.lastSweep.Load()
	if now.UnixNano()-last < int64(sweepInterval) || !h.lastSweep.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	cutoff := now.Add(-sessionIdleTimeout).UnixNano()
	h.sessionCache.Range(func(key, value any) bool {
		if value.(*sessionData).lastUsed.Load() < cutoff {
			h.sessionCache.Delete(key)
			h.logger.Debug("mcp session expired", "session", key)
		}
		return true
	})
}

// Sessions returns the number of cached MCP sessions.
func (h *Handler) Sessions() int {
	n := 0
	h.sessionCache.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// ServeHTTP handles all MCP HTTP requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.httpHandler.ServeHTTP(w, r)
}
