package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTestDB_RunsMigrations(t *testing.T) {
	db := NewTestDB(t)

	var count int
	err := db.Connection().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name IN ('tasks', 'task_logs')`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 2, count, "expected tasks and task_logs tables")
}

func TestNewTestDB_TablesQueryable(t *testing.T) {
	db := NewTestDB(t)

	for _, table := range []string{"tasks", "task_logs"} {
		var count int
		err := db.Connection().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count)
		require.NoError(t, err, "table %s should be queryable", table)
		require.Zero(t, count)
	}
}

func TestNewTestStore_IsEmpty(t *testing.T) {
	repo := NewTestStore(t)

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.Total)
}
