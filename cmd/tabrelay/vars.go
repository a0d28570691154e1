package cli

import (
	"io"

	"github.com/neboloop/tabrelay/internal/config"
)

// Shared CLI flags (used across multiple command files)
var (
	cfgFile  string
	logLevel string
	quiet    bool
)

// Config holds the loaded configuration (set by the root command before any
// subcommand runs)
var Config *config.Config

var logCloser io.Closer
