package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/browser"
	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/defaults"
	"github.com/neboloop/tabrelay/internal/events"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/relay"
)

// ExtensionCmd creates the extension command
func ExtensionCmd() *cobra.Command {
	var noConnect bool

	cmd := &cobra.Command{
		Use:   "extension",
		Short: "Run the extension side next to Chrome",
		Long: `Attach to Chrome over the DevTools protocol and connect to the desktop
relay. Commands received from the relay run against the user's tabs.

The connection toggles like the extension icon: it connects on start
(unless --no-connect) and SIGHUP flips it between connected and
disconnected. Every indicator change is printed.

Examples:
  google-chrome --remote-debugging-port=9223 &
  tabrelay extension
  kill -HUP <pid>    # disconnect / reconnect`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtension(cmd.Context(), !noConnect)
		},
	}

	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "start disconnected; send SIGHUP to connect")
	return cmd
}

func runExtension(ctx context.Context, connect bool) error {
	c := Config

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, chrome, err := openBrowser(ctx, c.Browser)
	if err != nil {
		return err
	}
	if chrome != nil {
		defer func() {
			if err := chrome.Stop(5 * time.Second); err != nil {
				crashlog.LogError("browser-launch", err, map[string]string{"pid": strconv.Itoa(chrome.PID)})
			}
		}()
	}

	executor := browser.NewExecutor(b, browser.Options{
		LoadTimeout:       c.Browser.LoadTimeout,
		SettleDelay:       c.Browser.SettleDelay,
		NavigationTimeout: c.Browser.NavigationTimeout,
		MaxContentLength:  c.Browser.MaxContentLength,
	})
	defer func() {
		if err := executor.Close(); err != nil {
			crashlog.LogError("executor", err, map[string]string{"driver": c.Browser.Driver})
		}
	}()

	bus := events.NewSubject(events.WithSyncDelivery(), events.WithLogger(logging.Component("events")))
	defer events.Complete(bus)
	events.Subscribe(bus, events.TopicClientState, func(_ context.Context, ind relay.Indicator) error {
		fmt.Printf("[%s] %s\n", ind.Badge, ind.Title)
		return nil
	})

	client := relay.NewClient(relay.ClientConfig{
		URL:            c.Client.URL,
		ConnectTimeout: c.Client.ConnectTimeout,
	}, executor, relay.WithClientEvents(bus), relay.WithClientLogger(slog.Default().With("url", c.Client.URL)))
	defer client.Disconnect()

	if connect {
		toggle(ctx, client)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down...")
			return nil
		case <-hup:
			toggle(ctx, client)
		}
	}
}

// toggle flips the connection. Failures are already shown by the indicator.
func toggle(ctx context.Context, client *relay.Client) {
	if err := client.Toggle(ctx); err != nil {
		slog.Debug("relay toggle failed", "error", err)
	}
}

// openBrowser attaches the configured driver to Chrome, launching a
// dedicated instance first when configured and nothing answers.
func openBrowser(ctx context.Context, bc config.BrowserConfig) (browser.Browser, *browser.RunningChrome, error) {
	var chrome *browser.RunningChrome
	if !browser.DevToolsReachable(ctx, bc.DevToolsURL, 2*time.Second) {
		if !bc.Launch.Enabled {
			return nil, nil, fmt.Errorf("chrome devtools not reachable at %s: start Chrome with --remote-debugging-port or set browser.launch.enabled", bc.DevToolsURL)
		}

		userDataDir := bc.Launch.UserDataDir
		if userDataDir == "" {
			dataDir, err := defaults.DataDir()
			if err != nil {
				return nil, nil, err
			}
			userDataDir = filepath.Join(dataDir, "chrome-profile")
		}

		var err error
		chrome, err = browser.Launch(ctx, browser.LaunchOptions{
			ExecutablePath: bc.Launch.ExecutablePath,
			UserDataDir:    userDataDir,
			DevToolsURL:    bc.DevToolsURL,
			Headless:       bc.Launch.Headless,
		})
		if err != nil {
			return nil, nil, err
		}
		fmt.Printf("Started %s (pid %d) with DevTools on port %d\n", chrome.Executable.Kind, chrome.PID, chrome.Port)
	}

	b, err := attach(ctx, bc)
	if err != nil {
		if chrome != nil {
			chrome.Stop(5 * time.Second)
		}
		return nil, nil, err
	}
	return b, chrome, nil
}

func attach(ctx context.Context, bc config.BrowserConfig) (browser.Browser, error) {
	logger := slog.Default()
	switch bc.Driver {
	case config.DriverPlaywright:
		pw, err := browser.NewPlaywright(ctx, bc.DevToolsURL, logger)
		if err != nil {
			return nil, err
		}
		return pw, nil
	default:
		cdp, err := browser.NewChromeDP(ctx, bc.DevToolsURL, logger)
		if err != nil {
			return nil, err
		}
		return cdp, nil
	}
}
