package server

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remobak/remobak/internal/wire"
)

func TestAuditLogLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := OpenAuditLog(path)
	require.NoError(t, err)

	anonymous := &User{IP: "10.0.0.7"}
	alice := &User{Username: "alice", IP: "10.0.0.7"}

	log.Event(anonymous, "Accepted connection")
	log.Result(alice, wire.MsgCreate, wire.ErrNone, true)
	log.Result(alice, wire.MsgUpdate, wire.ErrUpdateNoMatch, false)
	log.Event(alice, "Shutdown")
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)

	// [ISO-8601 UTC][user@ip][body]
	linePattern := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\]\[[^\]]*\]\[[^\]]*\]$`)
	for _, line := range lines {
		assert.Regexp(t, linePattern, line)
	}

	assert.Contains(t, lines[0], "[10.0.0.7][Accepted connection]")
	assert.Contains(t, lines[1], "[alice@10.0.0.7][TYPE: CREATE RES: OK CONN: OK]")
	assert.Contains(t, lines[2], "[alice@10.0.0.7][TYPE: UPDATE RES: ERR_UPDATE_NO_MATCH CONN: ERR]")
	assert.Contains(t, lines[3], "[alice@10.0.0.7][Shutdown]")
}

func TestAuditLogAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	for i := 0; i < 2; i++ {
		log, err := OpenAuditLog(path)
		require.NoError(t, err)
		log.Event(&User{IP: "::1"}, "Accepted connection")
		require.NoError(t, log.Close())
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "Accepted connection"))
}
