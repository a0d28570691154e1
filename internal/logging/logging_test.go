package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInitWritesAndDisables(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger, closer, err := Init(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("relay started", "port", 9222)
	assert.Contains(t, buf.String(), "relay started")
	assert.Contains(t, buf.String(), "port=9222")

	Disable()
	defer Enable()
	buf.Reset()
	Component("relay").Info("should not appear")
	assert.Empty(t, buf.String())
}

func TestInitWithFile(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "tabrelay.log")
	var buf bytes.Buffer
	logger, closer, err := Init(Options{Output: &buf, File: path})
	require.NoError(t, err)

	logger.Warn("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
}
