package db

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join(".", ".mgmtsystem", "mgmtsystem.db"), Path(""))
	assert.Equal(t, filepath.Join("ws", ".mgmtsystem", "mgmtsystem.db"), Path("ws"))
}

func TestOpenAppliesPragmas(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws, BusyTimeout: 1500 * time.Millisecond})
	require.NoError(t, err)
	defer conn.Close()

	_, err = os.Stat(filepath.Join(ws, ".mgmtsystem"))
	require.NoError(t, err)

	var fk, busy int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	require.NoError(t, conn.QueryRow(`PRAGMA busy_timeout`).Scan(&busy))
	assert.Equal(t, 1, fk)
	assert.Equal(t, 1500, busy)
}
