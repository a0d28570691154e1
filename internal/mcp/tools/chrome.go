package tools

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/tabrelay/internal/browser"
	"github.com/neboloop/tabrelay/internal/mcp/mcpctx"
)

// ChromeInput defines input for the chrome MCP tool.
type ChromeInput struct {
	Action string `json:"action" jsonschema:"Action: navigate, new_tab, click, type, get_content, get_tabs, switch_tab"`

	URL      string  `json:"url,omitempty" jsonschema:"URL to load. Required for navigate and new_tab."`
	Selector string  `json:"selector,omitempty" jsonschema:"CSS selector. Required for click and type."`
	Text     *string `json:"text,omitempty" jsonschema:"Text to enter. Required for type; an empty string clears the field."`
	TabID    *int    `json:"tabId,omitempty" jsonschema:"Tab id from get_tabs. Required for switch_tab, optional for get_content."`
}

// RegisterChromeTool registers the chrome MCP tool.
func RegisterChromeTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:  "chrome",
		Title: "Chrome Control",
		Description: `Drive the user's Chrome through the connected browser extension.

Actions:
- navigate: Load a URL in the active tab (requires: url)
- new_tab: Open and activate a tab (requires: url)
- click: Click the first element matching a CSS selector (requires: selector)
- type: Replace an input's value (requires: selector, text)
- get_content: Read a tab's title, URL and text (optional: tabId, defaults to the active tab)
- get_tabs: List open tabs as "id: "title" - url"
- switch_tab: Activate a tab (requires: tabId)

Examples:
  chrome(action: navigate, url: "https://example.com")
  chrome(action: click, selector: "button[type=submit]")
  chrome(action: type, selector: "#search", text: "golang")
  chrome(action: switch_tab, tabId: 2)`,
	}, chromeHandler(toolCtx))
}

func chromeHandler(toolCtx *mcpctx.ToolContext) func(ctx context.Context, req *mcp.CallToolRequest, input ChromeInput) (*mcp.CallToolResult, any, error) {
	logger := slog.Default().With("component", "mcp-chrome")
	return func(ctx context.Context, req *mcp.CallToolRequest, input ChromeInput) (*mcp.CallToolResult, any, error) {
		if !slices.Contains(browser.Actions, input.Action) {
			return nil, nil, mcpctx.NewValidationError(
				fmt.Sprintf("invalid action '%s', must be: %s", input.Action, strings.Join(browser.Actions, ", ")),
				"action")
		}

		res := toolCtx.Relay().SendCommand(ctx, input.Action, chromeParams(input))
		logger.Debug("chrome tool call",
			"action", input.Action,
			"success", res.Success,
			"session", toolCtx.SessionID())

		text := res.Output
		if !res.Success {
			text = res.Error
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
			IsError: !res.Success,
		}, nil, nil
	}
}

// chromeParams keeps only the fields the caller set so the executor sees
// missing parameters as missing.
func chromeParams(input ChromeInput) map[string]any {
	params := map[string]any{}
	if input.URL != "" {
		params["url"] = input.URL
	}
	if input.Selector != "" {
		params["selector"] = input.Selector
	}
	if input.Text != nil {
		params["text"] = *input.Text
	}
	if input.TabID != nil {
		params["tabId"] = *input.TabID
	}
	return params
}

// RelayStatusOutput defines output for the relay_status tool.
type RelayStatusOutput struct {
	Connected bool `json:"connected"`
}

// RegisterRelayStatusTool registers a tool reporting whether an extension
// is attached.
func RegisterRelayStatusTool(server *mcp.Server, toolCtx *mcpctx.ToolContext) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "relay_status",
		Title:       "Relay Status",
		Description: "Report whether the Chrome extension is connected to the relay. Call before chrome when a command fails with a connection error.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, RelayStatusOutput, error) {
		return nil, RelayStatusOutput{Connected: toolCtx.Relay().IsConnected()}, nil
	})
}
