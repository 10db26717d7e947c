package utils

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "remobak.log")
	logger, err := NewLogger(path)
	require.NoError(t, err)

	logger.With("path", "a.txt").Info("operation done", "op", "CREATE")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "operation done")
	assert.Contains(t, string(data), "op=CREATE")
	assert.Contains(t, string(data), "path=a.txt")
}

func TestNewLoggerAppendsAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remobak.log")

	for i := 0; i < 2; i++ {
		logger, err := NewLogger(path)
		require.NoError(t, err)
		logger.Info("started")
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "started"))
}

func TestNewLoggerWithoutFile(t *testing.T) {
	logger, err := NewLogger("")
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}
