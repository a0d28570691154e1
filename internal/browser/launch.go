package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Executable is a Chromium-based browser binary found on this machine.
type Executable struct {
	Kind string
	Path string
}

// LaunchOptions configures a Chrome started for the executor.
type LaunchOptions struct {
	// ExecutablePath overrides discovery when set.
	ExecutablePath string
	UserDataDir    string
	// DevToolsURL is the http endpoint Chrome should expose. Only its port is
	// used; the host must be loopback.
	DevToolsURL string
	Headless    bool
}

// RunningChrome is a Chrome process started by Launch.
type RunningChrome struct {
	PID         int
	Executable  Executable
	UserDataDir string
	Port        int
	StartedAt   time.Time
	cmd         *exec.Cmd
}

// FindChrome returns the first Chromium-based browser found, honoring
// customPath when set.
func FindChrome(customPath string) (Executable, error) {
	if customPath != "" {
		if !fileExists(customPath) {
			return Executable{}, fmt.Errorf("browser executable not found: %s", customPath)
		}
		return Executable{Kind: "custom", Path: customPath}, nil
	}

	for _, c := range chromeCandidates() {
		if fileExists(c.Path) {
			return c, nil
		}
		if !filepath.IsAbs(c.Path) {
			if p, err := exec.LookPath(c.Path); err == nil {
				return Executable{Kind: c.Kind, Path: p}, nil
			}
		}
	}
	return Executable{}, fmt.Errorf("no supported browser found (Chrome/Brave/Edge/Chromium)")
}

func chromeCandidates() []Executable {
	home := os.Getenv("HOME")
	switch runtime.GOOS {
	case "darwin":
		var out []Executable
		for _, app := range []struct{ kind, name string }{
			{"chrome", "Google Chrome"},
			{"brave", "Brave Browser"},
			{"edge", "Microsoft Edge"},
			{"chromium", "Chromium"},
			{"canary", "Google Chrome Canary"},
		} {
			bin := filepath.Join(app.name+".app", "Contents", "MacOS", app.name)
			out = append(out,
				Executable{app.kind, filepath.Join("/Applications", bin)},
				Executable{app.kind, filepath.Join(home, "Applications", bin)},
			)
		}
		return out
	case "windows":
		var out []Executable
		roots := []string{os.Getenv("LOCALAPPDATA"), os.Getenv("ProgramFiles"), os.Getenv("ProgramFiles(x86)")}
		for _, root := range roots {
			if root == "" {
				continue
			}
			out = append(out,
				Executable{"chrome", filepath.Join(root, "Google", "Chrome", "Application", "chrome.exe")},
				Executable{"brave", filepath.Join(root, "BraveSoftware", "Brave-Browser", "Application", "brave.exe")},
				Executable{"edge", filepath.Join(root, "Microsoft", "Edge", "Application", "msedge.exe")},
			)
		}
		return out
	default:
		return []Executable{
			{"chrome", "google-chrome"},
			{"chrome", "google-chrome-stable"},
			{"brave", "brave-browser"},
			{"edge", "microsoft-edge"},
			{"chromium", "chromium"},
			{"chromium", "chromium-browser"},
			{"chromium", "/snap/bin/chromium"},
		}
	}
}

// DevToolsReachable reports whether a DevTools endpoint answers /json/version.
func DevToolsReachable(ctx context.Context, devtoolsURL string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	base := strings.TrimSuffix(devtoolsURL, "/")
	base = strings.Replace(base, "ws://", "http://", 1)
	if u, err := url.Parse(base); err == nil && u.Path != "" && strings.HasPrefix(u.Path, "/devtools/") {
		base = u.Scheme + "://" + u.Host
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Launch starts Chrome with remote debugging on the DevTools port and waits
// for the endpoint to answer.
func Launch(ctx context.Context, opts LaunchOptions) (*RunningChrome, error) {
	port, err := loopbackPort(opts.DevToolsURL)
	if err != nil {
		return nil, err
	}

	exe, err := FindChrome(opts.ExecutablePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.UserDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create user data dir: %w", err)
	}

	cmd := exec.Command(exe.Path, chromeArgs(opts.UserDataDir, port, opts.Headless)...)
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", exe.Kind, err)
	}

	running := &RunningChrome{
		PID:         cmd.Process.Pid,
		Executable:  exe,
		UserDataDir: opts.UserDataDir,
		Port:        port,
		StartedAt:   time.Now(),
		cmd:         cmd,
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if DevToolsReachable(ctx, endpoint, 500*time.Millisecond) {
			return running, nil
		}
		select {
		case <-ctx.Done():
			killProcessGroup(cmd, true)
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	killProcessGroup(cmd, true)
	return nil, fmt.Errorf("chrome devtools did not start on port %d within 15s", port)
}

// Stop asks Chrome to exit and kills it after timeout.
func (r *RunningChrome) Stop(timeout time.Duration) error {
	if r == nil || r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	killProcessGroup(r.cmd, false)

	done := make(chan error, 1)
	go func() { done <- r.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		killProcessGroup(r.cmd, true)
		return nil
	}
}

func chromeArgs(userDataDir string, port int, headless bool) []string {
	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-debugging-address=127.0.0.1",
		fmt.Sprintf("--user-data-dir=%s", userDataDir),
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-session-crashed-bubble",
		"--hide-crash-restore-bubble",
	}
	if headless {
		args = append(args, "--headless=new", "--disable-gpu")
	}
	if runtime.GOOS == "linux" {
		args = append(args, "--disable-dev-shm-usage")
	}
	// A blank tab guarantees one page target exists.
	return append(args, "about:blank")
}

func loopbackPort(devtoolsURL string) (int, error) {
	u, err := url.Parse(devtoolsURL)
	if err != nil {
		return 0, fmt.Errorf("invalid devtools url %q: %w", devtoolsURL, err)
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return 0, fmt.Errorf("devtools url must be loopback to launch chrome, got %s", host)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("devtools url %q has no port", devtoolsURL)
	}
	return port, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
