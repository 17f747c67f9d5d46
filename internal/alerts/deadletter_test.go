package alerts_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/solearb/internal/alerts"
	dbtesting "github.com/aristath/solearb/internal/testing"
)

func newDeadLetterRepository(t *testing.T) *alerts.DeadLetterRepository {
	t.Helper()
	db, cleanup := dbtesting.NewTestDB(t, "alerts")
	t.Cleanup(cleanup)
	return alerts.NewDeadLetterRepository(db.Conn(), zerolog.Nop())
}

func TestDeadLetterRecord_ThenListByAlertNewestFirst(t *testing.T) {
	repo := newDeadLetterRepository(t)
	now := time.Now()

	require.NoError(t, repo.Record("alert-1", "key-1", 500, "connection reset", []byte(`{"a":1}`), now.Add(-time.Minute)))
	require.NoError(t, repo.Record("alert-1", "key-2", 503, "service unavailable", []byte(`{"a":2}`), now))

	letters, err := repo.ListByAlert("alert-1", 10)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	require.Equal(t, "key-2", letters[0].DispatchKey, "most recent failure must come first")
}

func TestDeadLetterPrune_RemovesOlderThanCutoff(t *testing.T) {
	repo := newDeadLetterRepository(t)
	now := time.Now()

	require.NoError(t, repo.Record("alert-1", "old", 500, "", nil, now.Add(-48*time.Hour)))
	require.NoError(t, repo.Record("alert-1", "recent", 500, "", nil, now))

	n, err := repo.Prune(now.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	letters, err := repo.ListByAlert("alert-1", 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "recent", letters[0].DispatchKey)
}
