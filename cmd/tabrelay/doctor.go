package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/neboloop/tabrelay/internal/browser"
	"github.com/neboloop/tabrelay/internal/defaults"
)

// DoctorCmd creates the doctor command for health checks
func DoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the relay setup and diagnose issues",
		Long: `Run diagnostics on your TabRelay installation.

Checks:
  - Data directory and config file
  - Relay port (running relay or free to bind)
  - Extension connection
  - Chrome DevTools endpoint and installed browsers`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context())
		},
	}
}

type checkResult struct {
	name    string
	status  string // "ok", "warn", "error"
	message string
}

func runDoctor(ctx context.Context) error {
	var results []checkResult
	results = append(results, checkDataDir()...)
	results = append(results, checkRelay(ctx)...)
	results = append(results, checkChrome(ctx)...)

	errorCount := 0
	for _, r := range results {
		switch r.status {
		case "ok":
			fmt.Printf("\033[32m✓\033[0m %s: %s\n", r.name, r.message)
		case "warn":
			fmt.Printf("\033[33m⚠\033[0m %s: %s\n", r.name, r.message)
		case "error":
			fmt.Printf("\033[31m✗\033[0m %s: %s\n", r.name, r.message)
			errorCount++
		}
	}

	if errorCount > 0 {
		return fmt.Errorf("%d checks failed", errorCount)
	}
	return nil
}

func checkDataDir() []checkResult {
	dir, err := defaults.DataDir()
	if err != nil {
		return []checkResult{{"Data Directory", "error", err.Error()}}
	}
	if _, err := os.Stat(dir); err != nil {
		return []checkResult{{"Data Directory", "warn", dir + " missing. Run 'tabrelay init'."}}
	}

	results := []checkResult{{"Data Directory", "ok", dir}}
	path := cfgFile
	if path == "" {
		path, _ = defaults.ConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		results = append(results, checkResult{"Config", "warn", "using built-in defaults (" + path + " not found)"})
	} else {
		results = append(results, checkResult{"Config", "ok", path})
	}
	return results
}

func checkRelay(ctx context.Context) []checkResult {
	addr := Config.Relay.Addr()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st, err := newControlClient(addr).Status(ctx)
	if err != nil {
		ln, lerr := net.Listen("tcp", addr)
		if lerr != nil {
			return []checkResult{{"Relay", "error", fmt.Sprintf("%s is taken by another program: %v", addr, lerr)}}
		}
		ln.Close()
		return []checkResult{{"Relay", "warn", fmt.Sprintf("not running; %s is free. Run 'tabrelay serve'.", addr)}}
	}

	results := []checkResult{{"Relay", "ok", fmt.Sprintf("listening on %s", st.Addr)}}
	if st.Connected {
		results = append(results, checkResult{"Extension", "ok", "connected"})
	} else {
		results = append(results, checkResult{"Extension", "warn", "not connected. Run 'tabrelay extension'."})
	}
	return results
}

func checkChrome(ctx context.Context) []checkResult {
	var results []checkResult
	bc := Config.Browser

	if browser.DevToolsReachable(ctx, bc.DevToolsURL, 2*time.Second) {
		results = append(results, checkResult{"DevTools", "ok", bc.DevToolsURL})
	} else if bc.Launch.Enabled {
		results = append(results, checkResult{"DevTools", "warn", bc.DevToolsURL + " not answering; Chrome will be launched"})
	} else {
		results = append(results, checkResult{"DevTools", "warn", bc.DevToolsURL + " not answering. Start Chrome with --remote-debugging-port."})
	}

	exe, err := browser.FindChrome(bc.Launch.ExecutablePath)
	switch {
	case err == nil:
		results = append(results, checkResult{"Browser", "ok", fmt.Sprintf("%s (%s)", exe.Path, exe.Kind)})
	case bc.Launch.Enabled:
		results = append(results, checkResult{"Browser", "error", err.Error()})
	default:
		results = append(results, checkResult{"Browser", "warn", err.Error()})
	}
	return results
}
