package alerts_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/alerts"
	dbtesting "github.com/aristath/solearb/internal/testing"
)

func newDispatchHistoryRepository(t *testing.T) *alerts.DispatchHistoryRepository {
	t.Helper()
	db, cleanup := dbtesting.NewTestDB(t, "alerts")
	t.Cleanup(cleanup)
	return alerts.NewDispatchHistoryRepository(db.Conn(), zerolog.Nop())
}

func TestDispatchHistorySeen_FalseUntilRecorded(t *testing.T) {
	repo := newDispatchHistoryRepository(t)

	seen, err := repo.Seen("alert-1", "key-1")
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, repo.Record("alert-1", "key-1", time.Now()))

	seen, err = repo.Seen("alert-1", "key-1")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestDispatchHistoryRecord_IsIdempotent(t *testing.T) {
	repo := newDispatchHistoryRepository(t)
	now := time.Now()

	require.NoError(t, repo.Record("alert-1", "key-1", now))
	require.NoError(t, repo.Record("alert-1", "key-1", now.Add(time.Minute)))
}

func TestDispatchHistoryPrune_RemovesOlderThanCutoff(t *testing.T) {
	repo := newDispatchHistoryRepository(t)
	now := time.Now()

	require.NoError(t, repo.Record("alert-1", "old", now.Add(-48*time.Hour)))
	require.NoError(t, repo.Record("alert-1", "recent", now))

	n, err := repo.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	seen, err := repo.Seen("alert-1", "old")
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = repo.Seen("alert-1", "recent")
	require.NoError(t, err)
	require.True(t, seen)
}
