package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Browser drivers understood by the extension side.
const (
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

// Config is the whole tabrelay configuration.
type Config struct {
	Relay   RelayConfig   `yaml:"relay"`
	Client  ClientConfig  `yaml:"client"`
	Browser BrowserConfig `yaml:"browser"`
	Log     LogConfig     `yaml:"log"`
}

// RelayConfig configures the desktop-side relay server.
type RelayConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	PingInterval   time.Duration `yaml:"pingInterval"`
}

// ClientConfig configures the extension-side relay client.
type ClientConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
}

// BrowserConfig configures the command executor's browser backend.
type BrowserConfig struct {
	Driver            string        `yaml:"driver"`
	DevToolsURL       string        `yaml:"devtoolsURL"`
	LoadTimeout       time.Duration `yaml:"loadTimeout"`
	SettleDelay       time.Duration `yaml:"settleDelay"`
	NavigationTimeout time.Duration `yaml:"navigationTimeout"`
	MaxContentLength  int           `yaml:"maxContentLength"`
	Launch            LaunchConfig  `yaml:"launch"`
}

// LaunchConfig starts a dedicated Chrome when no DevTools endpoint is
// running. The profile lives under the data directory unless UserDataDir is
// set.
type LaunchConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ExecutablePath string `yaml:"executablePath"`
	UserDataDir    string `yaml:"userDataDir"`
	Headless       bool   `yaml:"headless"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: RelayConfig{
			Host:           "127.0.0.1",
			Port:           9222,
			CommandTimeout: 15 * time.Second,
			PingInterval:   30 * time.Second,
		},
		Client: ClientConfig{
			URL:            "ws://127.0.0.1:9222/",
			ConnectTimeout: 5 * time.Second,
		},
		Browser: BrowserConfig{
			Driver:            DriverChromedp,
			DevToolsURL:       "http://127.0.0.1:9223",
			LoadTimeout:       30 * time.Second,
			SettleDelay:       500 * time.Millisecond,
			NavigationTimeout: 3 * time.Second,
			MaxContentLength:  50000,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path on top of the defaults. A missing file yields the defaults.
// A .env file in the same directory is loaded into the environment first;
// variables already set take precedence.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Relay.Host == "" {
		c.Relay.Host = def.Relay.Host
	}
	if c.Relay.Port == 0 {
		c.Relay.Port = def.Relay.Port
	}
	if c.Relay.CommandTimeout == 0 {
		c.Relay.CommandTimeout = def.Relay.CommandTimeout
	}
	if c.Relay.PingInterval == 0 {
		c.Relay.PingInterval = def.Relay.PingInterval
	}
	if c.Client.URL == "" {
		c.Client.URL = fmt.Sprintf("ws://%s/", c.Relay.Addr())
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = def.Client.ConnectTimeout
	}
	if c.Browser.Driver == "" {
		c.Browser.Driver = def.Browser.Driver
	}
	if c.Browser.DevToolsURL == "" {
		c.Browser.DevToolsURL = def.Browser.DevToolsURL
	}
	if c.Browser.LoadTimeout == 0 {
		c.Browser.LoadTimeout = def.Browser.LoadTimeout
	}
	if c.Browser.SettleDelay == 0 {
		c.Browser.SettleDelay = def.Browser.SettleDelay
	}
	if c.Browser.NavigationTimeout == 0 {
		c.Browser.NavigationTimeout = def.Browser.NavigationTimeout
	}
	if c.Browser.MaxContentLength == 0 {
		c.Browser.MaxContentLength = def.Browser.MaxContentLength
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Relay.Port < 1 || c.Relay.Port > 65535 {
		return fmt.Errorf("relay.port %d out of range", c.Relay.Port)
	}
	if !isLoopbackHost(c.Relay.Host) {
		return fmt.Errorf("relay.host must be a loopback address, got %q", c.Relay.Host)
	}
	if c.Relay.CommandTimeout < 0 || c.Relay.PingInterval < 0 {
		return fmt.Errorf("relay timeouts must be positive")
	}
	if !strings.HasPrefix(c.Client.URL, "ws://") && !strings.HasPrefix(c.Client.URL, "wss://") {
		return fmt.Errorf("client.url must be a ws:// URL, got %q", c.Client.URL)
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverPlaywright, c.Browser.Driver)
	}
	if c.Browser.MaxContentLength < 0 {
		return fmt.Errorf("browser.maxContentLength must not be negative")
	}
	return nil
}

// Addr returns host:port for the relay listener.
func (r RelayConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func isLoopbackHost(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(strings.Trim(h, "[]"))
	return ip != nil && ip.IsLoopback()
}
