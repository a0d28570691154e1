package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/defaults"
	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/mcp"
	"github.com/neboloop/tabrelay/internal/relay"
)

// ServeCmd creates the serve command
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the desktop relay server",
		Long: `Listen on the loopback relay port for the Chrome extension and expose
commands to local agents.

Endpoints on the relay listener:
  ws://host:port/         extension socket
  GET  /extension/status  connection state
  POST /commands          {"action": "...", "params": {...}}
  /mcp                    MCP streamable HTTP (tool: chrome)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	c := Config

	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}

	// Only one relay may own the port; fail early with a clear message.
	lockFile, err := acquireLock(dataDir, "relay.lock")
	if err != nil {
		return fmt.Errorf("%w (is another 'tabrelay serve' running?)", err)
	}
	defer releaseLock(lockFile)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewSubject(events.WithBufferSize(32), events.WithSyncDelivery(), events.WithLogger(logging.Component("events")))
	defer events.Complete(bus)
	events.Subscribe(bus, events.TopicServerPeer, func(_ context.Context, evt relay.PeerEvent) error {
		fmt.Println(describePeerEvent(evt))
		return nil
	})

	srv := relay.NewServer(relay.ServerConfig{
		Addr:           c.Relay.Addr(),
		CommandTimeout: c.Relay.CommandTimeout,
		PingInterval:   c.Relay.PingInterval,
	}, relay.WithEvents(bus), relay.WithLogger(slog.Default().With("addr", c.Relay.Addr())))
	srv.Mount("/mcp", mcp.NewHandler(srv))

	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Printf("Relay listening on ws://%s/\n", srv.Addr())
	fmt.Printf("MCP endpoint: http://%s/mcp\n", srv.Addr())

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func describePeerEvent(evt relay.PeerEvent) string {
	switch evt.Kind {
	case relay.PeerConnected:
		return fmt.Sprintf("Extension connected from %s", evt.Remote)
	case relay.PeerReplaced:
		return fmt.Sprintf("Extension at %s replaced by a new connection (%d pending commands failed)", evt.Remote, evt.Dropped)
	case relay.PeerDisconnected:
		if evt.Dropped > 0 {
			return fmt.Sprintf("Extension disconnected (%d pending commands failed)", evt.Dropped)
		}
		return "Extension disconnected"
	}
	return string(evt.Kind)
}
