package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/database"
)

// DeadLetterRetention and DispatchHistoryRetention bound how long the
// maintenance cron keeps rows the Alert Scheduler no longer needs.
const (
	DeadLetterRetention      = 30 * 24 * time.Hour
	DispatchHistoryRetention = 7 * 24 * time.Hour
)

// WALFrameWarnThreshold is the WAL frame count above which a checkpoint
// sweep logs a warning instead of a debug line.
const WALFrameWarnThreshold = 1000

// Pruner is the narrow retention-sweep surface a repository exposes.
type Pruner interface {
	Prune(cutoff time.Time) (int64, error)
}

// MaintenanceJobs wires the Alert Scheduler's low-frequency retention
// sweeps and the two databases' health checks onto a robfig/cron
// schedule rather than a bespoke ticker loop.
type MaintenanceJobs struct {
	cron        *cron.Cron
	deadLetters Pruner
	history     Pruner
	databases   map[string]*database.DB
	log         zerolog.Logger
}

// NewMaintenanceJobs constructs the maintenance cron. deadLetters prunes
// webhook_dead_letters rows older than DeadLetterRetention; history prunes
// dispatch_history rows older than DispatchHistoryRetention. databases
// maps a short name ("prices", "alerts") to the DB checked for integrity
// and WAL growth.
func NewMaintenanceJobs(deadLetters Pruner, history Pruner, databases map[string]*database.DB, log zerolog.Logger) *MaintenanceJobs {
	return &MaintenanceJobs{
		cron:        cron.New(),
		deadLetters: deadLetters,
		history:     history,
		databases:   databases,
		log:         log.With().Str("component", "scheduler_maintenance").Logger(),
	}
}

// Start registers the retention and health-check jobs and starts the
// cron runner.
func (m *MaintenanceJobs) Start() error {
	if _, err := m.cron.AddFunc("@daily", m.pruneDeadLetters); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@daily", m.pruneDispatchHistory); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@daily", m.checkIntegrity); err != nil {
		return err
	}
	if _, err := m.cron.AddFunc("@hourly", m.checkWALCheckpoints); err != nil {
		return err
	}
	m.cron.Start()
	m.log.Info().Msg("maintenance jobs started")
	return nil
}

// Stop drains the cron runner, letting any in-flight job finish.
func (m *MaintenanceJobs) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	m.log.Info().Msg("maintenance jobs stopped")
}

func (m *MaintenanceJobs) pruneDeadLetters() {
	cutoff := time.Now().Add(-DeadLetterRetention)
	removed, err := m.deadLetters.Prune(cutoff)
	if err != nil {
		m.log.Error().Err(err).Msg("dead letter retention sweep failed")
		return
	}
	m.log.Debug().Int64("removed", removed).Msg("dead letters pruned")
}

func (m *MaintenanceJobs) pruneDispatchHistory() {
	cutoff := time.Now().Add(-DispatchHistoryRetention)
	removed, err := m.history.Prune(cutoff)
	if err != nil {
		m.log.Error().Err(err).Msg("dispatch history retention sweep failed")
		return
	}
	m.log.Debug().Int64("removed", removed).Msg("dispatch history pruned")
}

// checkIntegrity runs PRAGMA integrity_check against every database.
// Corruption in either database is logged loudly since neither can be
// auto-recovered from.
func (m *MaintenanceJobs) checkIntegrity() {
	for name, db := range m.databases {
		if db == nil {
			continue
		}
		if err := checkDatabaseIntegrity(db.Conn()); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("database integrity check failed")
			continue
		}
		m.log.Debug().Str("database", name).Msg("database integrity OK")
	}
}

func checkDatabaseIntegrity(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check returned: %s", result)
	}
	return nil
}

// checkWALCheckpoints passively checkpoints each database and warns when
// its WAL file has grown past WALFrameWarnThreshold frames, so an
// operator notices before it threatens disk space.
func (m *MaintenanceJobs) checkWALCheckpoints() {
	for name, db := range m.databases {
		if db == nil {
			continue
		}
		var busy, walFrames, checkpointed int
		if err := db.Conn().QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &walFrames, &checkpointed); err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("failed to check WAL checkpoint")
			continue
		}
		if walFrames > WALFrameWarnThreshold {
			m.log.Warn().Str("database", name).Int("wal_frames", walFrames).Int("checkpointed", checkpointed).Msg("WAL file is large, checkpoint may be needed")
			continue
		}
		m.log.Debug().Str("database", name).Int("wal_frames", walFrames).Msg("WAL checkpoint status OK")
	}
}
