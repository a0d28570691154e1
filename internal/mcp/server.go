package mcp

import (
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/tabrelay/internal/mcp/mcpctx"
	"github.com/neboloop/tabrelay/internal/mcp/tools"
)

// NewServerWithContext creates a new MCP server and returns both the server and the ToolContext.
// The ToolContext is returned so the caller can cache it for session persistence.
func NewServerWithContext(relay mcpctx.Commander, r *http.Request) (*mcp.Server, *mcpctx.ToolContext) {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "tabrelay",
		Version: "1.0.0",
	}, nil)

	toolCtx := mcpctx.NewToolContext(relay, r.Header.Get("User-Agent"), r.Header.Get("Mcp-Session-Id"))

	tools.RegisterChromeTool(server, toolCtx)
	tools.RegisterRelayStatusTool(server, toolCtx)

	return server, toolCtx
}
