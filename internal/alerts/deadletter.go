package alerts

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/apperr"
)

// DeadLetter is one failed webhook delivery attempt, retained for operator
// triage.
type DeadLetter struct {
	ID          int64
	AlertID     string
	DispatchKey string
	StatusCode  int
	Error       string
	Payload     []byte
	FailedAt    time.Time
}

// DeadLetterRepository records and lists failed webhook deliveries.
type DeadLetterRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDeadLetterRepository constructs a DeadLetterRepository.
func NewDeadLetterRepository(db *sql.DB, log zerolog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{db: db, log: log.With().Str("repository", "webhook_dead_letters").Logger()}
}

// Record appends a dead letter for alertID.
func (r *DeadLetterRepository) Record(alertID, dispatchKey string, statusCode int, dispatchErr string, payload []byte, failedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO webhook_dead_letters (alert_id, dispatch_key, status_code, error, payload, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		alertID, dispatchKey, statusCode, dispatchErr, payload, failedAt.Unix())
	if err != nil {
		return apperr.Wrap(apperr.Storage, "record webhook dead letter", err)
	}
	return nil
}

// ListByAlert returns the most recent dead letters for alertID, newest first.
func (r *DeadLetterRepository) ListByAlert(alertID string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(`
		SELECT id, alert_id, dispatch_key, status_code, error, payload, failed_at
		FROM webhook_dead_letters WHERE alert_id = ?
		ORDER BY failed_at DESC LIMIT ?`, alertID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "list webhook dead letters", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var failedAt int64
		if err := rows.Scan(&d.ID, &d.AlertID, &d.DispatchKey, &d.StatusCode, &d.Error, &d.Payload, &failedAt); err != nil {
			r.log.Warn().Err(err).Msg("failed to scan dead letter row, skipping")
			continue
		}
		d.FailedAt = time.Unix(failedAt, 0).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// Prune deletes dead letters older than cutoff, part of the reliability
// retention sweep.
func (r *DeadLetterRepository) Prune(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM webhook_dead_letters WHERE failed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "prune webhook dead letters", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, "prune webhook dead letters rows affected", err)
	}
	return n, nil
}
