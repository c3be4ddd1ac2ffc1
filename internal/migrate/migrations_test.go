package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mgmtsystem/internal/db"
	"mgmtsystem/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	applied, err := migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	require.NotEmpty(t, applied)
	require.Equal(t, 1, applied[0].Version)

	applied, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	require.Empty(t, applied)

	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='nonconformities'`).Scan(&n))
	require.Equal(t, 1, n)
}
