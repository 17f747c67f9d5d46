package reliability

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// BackupRetentionDays bounds how long uploaded backups are kept before
// RotateOldBackups deletes them (subject to the minBackupsToKeep floor).
const BackupRetentionDays = 14

// Backup is the narrow surface Jobs drives a BackupService through.
type Backup interface {
	CreateAndUploadBackup(ctx context.Context) error
	RotateOldBackups(ctx context.Context, retentionDays int) error
}

// Jobs wires backup/rotation onto a cron schedule, using the same
// robfig/cron wrapper as internal/scheduler/maintenance.go, trimmed to
// the two databases this system owns.
type Jobs struct {
	cron      *cron.Cron
	backup    Backup
	databases map[string]*sql.DB
	log       zerolog.Logger
}

// NewJobs constructs the reliability cron. databases maps a short name
// ("prices", "alerts") to the *sql.DB integrity-checked and VACUUMed on
// the weekly sweep.
func NewJobs(backup Backup, databases map[string]*sql.DB, log zerolog.Logger) *Jobs {
	return &Jobs{
		cron:      cron.New(),
		backup:    backup,
		databases: databases,
		log:       log.With().Str("component", "reliability_jobs").Logger(),
	}
}

// Start registers the daily backup sweep and weekly database upkeep and
// starts the cron runner.
func (j *Jobs) Start() error {
	if _, err := j.cron.AddFunc("@daily", j.runDailyBackup); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc("@weekly", j.runWeeklyUpkeep); err != nil {
		return err
	}
	j.cron.Start()
	j.log.Info().Msg("reliability jobs started")
	return nil
}

// Stop drains the cron runner, letting any in-flight job finish.
func (j *Jobs) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.log.Info().Msg("reliability jobs stopped")
}

func (j *Jobs) runDailyBackup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.backup.CreateAndUploadBackup(ctx); err != nil {
		j.log.Error().Err(err).Msg("daily backup failed")
		return
	}
	if err := j.backup.RotateOldBackups(ctx, BackupRetentionDays); err != nil {
		j.log.Error().Err(err).Msg("backup rotation failed")
	}
}

func (j *Jobs) runWeeklyUpkeep() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	names := make([]string, 0, len(j.databases))
	for name := range j.databases {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		db := j.databases[name]
		if err := checkIntegrity(ctx, db); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("integrity check failed")
			continue
		}
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			j.log.Error().Err(err).Str("database", name).Msg("vacuum failed")
			continue
		}
		j.log.Info().Str("database", name).Msg("weekly upkeep complete")
	}
}

// checkIntegrity runs SQLite's PRAGMA integrity_check and reports
// anything other than the single "ok" row as a failure.
func checkIntegrity(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}
