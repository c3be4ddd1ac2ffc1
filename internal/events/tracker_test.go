package events_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mgmtsystem/internal/db"
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/events"
	"mgmtsystem/internal/migrate"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return conn
}

func eventTypes(t *testing.T, conn *sql.DB) []string {
	t.Helper()
	rows, err := conn.Query(`SELECT type FROM events ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var typ string
		require.NoError(t, rows.Scan(&typ))
		out = append(out, typ)
	}
	return out
}

func TestRecordChange(t *testing.T) {
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tracker := events.NewTracker(events.Writer{Now: func() time.Time { return fixed }})
	ctx := context.Background()

	cases := []struct {
		name    string
		state   domain.State
		field   string
		old     string
		new     string
		matched bool
		types   []string
	}{
		{"enter analysis", domain.StateAnalysis, "stage_id", "draft", "analysis", true, []string{events.TypeTracked, "nonconformity.analysis"}},
		{"enter pending", domain.StatePending, "stage_id", "analysis", "pending", true, []string{events.TypeTracked, "nonconformity.pending"}},
		{"enter open", domain.StateOpen, "stage_id", "pending", "open", false, []string{events.TypeTracked}},
		{"kanban", domain.StateAnalysis, "kanban_state", "normal", "blocked", false, []string{events.TypeTracked}},
		{"unchanged", domain.StateAnalysis, "stage_id", "analysis", "analysis", false, nil},
		{"untracked field", domain.StateAnalysis, "description", "a", "b", false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := openDB(t)
			tx, err := conn.BeginTx(ctx, nil)
			require.NoError(t, err)
			nc := domain.Nonconformity{ID: "nc1", Ref: "NC001", State: tc.state, StageID: tc.new}
			matched, err := tracker.RecordChange(ctx, tx, nc, "u1", tc.field, tc.old, tc.new)
			require.NoError(t, err)
			require.NoError(t, tx.Commit())
			require.Equal(t, tc.matched, matched)
			require.Equal(t, tc.types, eventTypes(t, conn))
		})
	}
}

func TestAppendUsesTransaction(t *testing.T) {
	conn := openDB(t)
	ctx := context.Background()
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, events.Writer{}.Append(ctx, tx, "nonconformity.create", "nonconformity", "nc1", "u1", nil))
	require.NoError(t, tx.Rollback())
	require.Empty(t, eventTypes(t, conn))
}
