// Package testutil provides shared test fixtures: an in-memory task store
// and a builder for seeding it with tasks and logs.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/devbot/internal/store"
)

// NewTestDB opens an in-memory database with all migrations applied.
// The database is closed automatically when the test finishes.
func NewTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestStore opens an in-memory database and returns its task repository.
func NewTestStore(t *testing.T) *store.TaskRepository {
	t.Helper()
	return NewTestDB(t).Tasks()
}
