package mcpctx

import (
	"context"

	"github.com/neboloop/tabrelay/internal/relay"
)

// Commander is the desktop side of the relay as seen by MCP tools.
type Commander interface {
	SendCommand(ctx context.Context, action string, params any) relay.CommandResult
	IsConnected() bool
}

// ToolContext carries context for all MCP tools.
type ToolContext struct {
	relay     Commander
	userAgent string
	sessionID string
}

// NewToolContext creates a session-scoped tool context.
func NewToolContext(relay Commander, userAgent, sessionID string) *ToolContext {
	return &ToolContext{
		relay:     relay,
		userAgent: userAgent,
		sessionID: sessionID,
	}
}

// Relay returns the command relay.
func (t *ToolContext) Relay() Commander {
	return t.relay
}

// SessionID returns the MCP session ID.
func (t *ToolContext) SessionID() string {
	return t.sessionID
}

// UserAgent returns the client's user agent string.
func (t *ToolContext) UserAgent() string {
	return t.userAgent
}

// ToolError represents a structured error for MCP tool responses.
type ToolError struct {
	Code    string `json:"code"`    // "validation"
	Message string `json:"message"` // Human-readable description
	Field   string `json:"field"`   // For validation errors
}

func (e *ToolError) Error() string {
	if e.Field != "" {
		return e.Code + ": " + e.Message + " (field: " + e.Field + ")"
	}
	return e.Code + ": " + e.Message
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(message, field string) *ToolError {
	return &ToolError{Code: "validation", Message: message, Field: field}
}
