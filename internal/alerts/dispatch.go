package alerts

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
)

// DispatchHistoryRepository tracks the (alert_id, dispatch_key) pairs
// already sent, the dedupe window the Alert Scheduler consults before
// re-notifying on an unchanged opportunity set.
type DispatchHistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDispatchHistoryRepository constructs a DispatchHistoryRepository.
func NewDispatchHistoryRepository(db *sql.DB, log zerolog.Logger) *DispatchHistoryRepository {
	return &DispatchHistoryRepository{db: db, log: log.With().Str("repository", "dispatch_history").Logger()}
}

// Seen reports whether alertID has already dispatched dispatchKey.
func (r *DispatchHistoryRepository) Seen(alertID, dispatchKey string) (bool, error) {
	var exists int
	err := r.db.QueryRow(`SELECT 1 FROM dispatch_history WHERE alert_id = ? AND dispatch_key = ?`, alertID, dispatchKey).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "check dispatch history", err)
	}
	return true, nil
}

// Record marks dispatchKey as sent for alertID at dispatchedAt. Idempotent:
// re-recording the same key is a no-op.
func (r *DispatchHistoryRepository) Record(alertID, dispatchKey string, dispatchedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO dispatch_history (alert_id, dispatch_key, dispatched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(alert_id, dispatch_key) DO NOTHING`, alertID, dispatchKey, dispatchedAt.Unix())
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record dispatch history", err)
	}
	return nil
}

// Prune deletes dispatch history entries older than cutoff, keeping the
// dedupe table from growing unbounded.
func (r *DispatchHistoryRepository) Prune(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM dispatch_history WHERE dispatched_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "prune dispatch history", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "prune dispatch history rows affected", err)
	}
	return n, nil
}
