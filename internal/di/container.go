// Package di wires the arbitrage pipeline's components together: two
// SQLite databases, the catalog/order-history/fee-schedule HTTP client,
// the matcher, the opportunity detector and enricher, the per-source
// ingestion workers, the alert scheduler, the reliability backup cron,
// and the ops HTTP server. Built in stages — databases, then
// repositories, then services, then jobs.
package di

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/solearb/internal/alerts"
	"github.com/aristath/solearb/internal/catalog"
	"github.com/aristath/solearb/internal/catalogview"
	"github.com/aristath/solearb/internal/config"
	"github.com/aristath/solearb/internal/database"
	"github.com/aristath/solearb/internal/domain"
	"github.com/aristath/solearb/internal/enrichment"
	"github.com/aristath/solearb/internal/events"
	"github.com/aristath/solearb/internal/fees"
	"github.com/aristath/solearb/internal/ingestion"
	"github.com/aristath/solearb/internal/matcher"
	"github.com/aristath/solearb/internal/opportunities"
	"github.com/aristath/solearb/internal/pricestore"
	"github.com/aristath/solearb/internal/reliability"
	"github.com/aristath/solearb/internal/scheduler"
	"github.com/aristath/solearb/internal/scoring"
	"github.com/aristath/solearb/internal/server"
	"github.com/aristath/solearb/internal/webhook"
)

// Container holds every long-lived dependency the application needs,
// assembled once at startup by Wire.
type Container struct {
	Config *config.Config
	Log    zerolog.Logger

	PriceDB *database.DB
	AlertDB *database.DB

	EventBus *events.Bus

	PriceStore      *pricestore.Store
	AlertStore      *alerts.Store
	DeadLetters     *alerts.DeadLetterRepository
	DispatchHistory *alerts.DispatchHistoryRepository
	Settings        *alerts.SettingsRepository

	Catalog *catalog.Client
	Matcher *matcher.Matcher
	View    *catalogview.View

	FeeEngine    *fees.Engine
	DemandScorer *scoring.DemandScorer
	RiskScorer   *scoring.RiskScorer
	Enricher     *enrichment.Enricher
	Detector     *opportunities.Detector

	Dispatcher     *webhook.Dispatcher
	AlertScheduler *scheduler.AlertScheduler

	MaintenanceJobs *scheduler.MaintenanceJobs
	ReliabilityJobs *reliability.Jobs
	S3Client        *reliability.S3Client

	PullWorkers    []*ingestion.PullWorker
	WebhookWorkers map[string]*ingestion.WebhookWorker
	KlektStream    *ingestion.KlektStream

	Server *server.Server
}

// closeDatabases is the cleanup path every Wire stage failure runs, so a
// partially wired container never leaks open SQLite handles.
func (c *Container) closeDatabases() {
	if c.PriceDB != nil {
		_ = c.PriceDB.Close()
	}
	if c.AlertDB != nil {
		_ = c.AlertDB.Close()
	}
}

// deadLetterAdapter narrows alerts.DeadLetterRepository's string-typed
// error parameter to the scheduler.DeadLetters interface's error type.
type deadLetterAdapter struct {
	repo *alerts.DeadLetterRepository
}

func (a deadLetterAdapter) Record(alertID, dispatchKey string, statusCode int, dispatchErr error, payload []byte, failedAt time.Time) error {
	msg := ""
	if dispatchErr != nil {
		msg = dispatchErr.Error()
	}
	return a.repo.Record(alertID, dispatchKey, statusCode, msg, payload, failedAt)
}

// buildSourceRegistry resolves every configured source's full identity
// (name, economic kind, reliability) once at startup, since source id
// and source name are the same string in this single-instance-per-source
// deployment.
func buildSourceRegistry(cfg *config.Config) map[string]domain.Source {
	registry := make(map[string]domain.Source, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		registry[name] = domain.Source{
			ID:          name,
			Name:        name,
			Kind:        domain.SourceKind(sc.Kind),
			Reliability: sc.Reliability,
		}
	}
	return registry
}
