package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/browser"
	"github.com/neboloop/tabrelay/internal/relay"
)

// SendCmd creates the send command
func SendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <action> [params-json]",
		Short: "Send one command through a running relay",
		Long: `Send a command to the connected extension via the local relay and print
its output. Exits non-zero when the command fails.

Actions: ` + strings.Join(browser.Actions, ", ") + `

Examples:
  tabrelay send navigate '{"url": "https://example.com"}'
  tabrelay send click '{"selector": "a.more"}'
  tabrelay send get_content`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
				if !json.Valid(params) {
					return fmt.Errorf("params must be a JSON object, got %q", args[1])
				}
			}
			return runSend(cmd.Context(), args[0], params)
		},
	}
}

// TabsCmd creates the tabs command
func TabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List the tabs of the connected browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), browser.ActionGetTabs, nil)
		},
	}
}

func runSend(ctx context.Context, action string, params json.RawMessage) error {
	res, err := newControlClient(Config.Relay.Addr()).Send(ctx, action, params)
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	fmt.Println(res.Output)
	return nil
}

// StatusCmd creates the status command
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the extension is connected to the relay",
		Long:  `Query the running relay. Exits non-zero when no extension is connected.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newControlClient(Config.Relay.Addr()).Status(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Relay:     %s (%s)\n", st.Addr, st.State)
			fmt.Printf("Extension: %s\n", connectedLabel(st.Connected))
			fmt.Printf("Pending:   %d\n", st.Pending)
			if !st.Connected {
				return relay.ErrNotConnected
			}
			return nil
		},
	}
}

// MCPURLCmd creates the mcp-url command
func MCPURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-url",
		Short: "Print the MCP endpoint for agent configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("http://%s/mcp\n", Config.Relay.Addr())
		},
	}
}

func connectedLabel(ok bool) string {
	if ok {
		return "connected"
	}
	return "not connected"
}
