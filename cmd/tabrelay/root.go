package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/crashlog"
	"github.com/neboloop/tabrelay/internal/defaults"
	"github.com/neboloop/tabrelay/internal/logging"
)

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tabrelay",
		Short: "TabRelay - drive Chrome from local agents",
		Long: `TabRelay relays browser commands between a desktop app and the user's Chrome.

Run 'tabrelay serve' on the desktop side and 'tabrelay extension' next to
Chrome. Agents send commands over MCP (/mcp) or plain HTTP (/commands).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform data directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")

	// Add commands
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(ExtensionCmd())
	rootCmd.AddCommand(SendCmd())
	rootCmd.AddCommand(TabsCmd())
	rootCmd.AddCommand(StatusCmd())
	rootCmd.AddCommand(MCPURLCmd())
	rootCmd.AddCommand(InitCmd())
	rootCmd.AddCommand(DoctorCmd())

	return rootCmd
}

func loadConfig() error {
	path := cfgFile
	if path == "" {
		p, err := defaults.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	c, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	Config = &c

	logger, closer, err := logging.Init(logging.Options{Level: c.Log.Level, File: c.Log.File})
	if err != nil {
		return err
	}
	logCloser = closer
	crashlog.Init(logger.With("component", "crashlog"))
	if quiet {
		logging.Disable()
	}
	return nil
}
