package di

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

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

// Wire assembles the full Container in stages: databases, then
// repositories/clients, then services, then background jobs and the
// server. Each stage closes any databases already opened on failure.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Log: log}

	if err := c.openDatabases(cfg, log); err != nil {
		return nil, err
	}
	if err := c.initRepositories(log); err != nil {
		c.closeDatabases()
		return nil, err
	}
	if err := c.initServices(cfg, log); err != nil {
		c.closeDatabases()
		return nil, err
	}
	if err := c.initIngestion(cfg, log); err != nil {
		c.closeDatabases()
		return nil, err
	}
	if err := c.initJobsAndServer(cfg, log); err != nil {
		c.closeDatabases()
		return nil, err
	}

	return c, nil
}

func (c *Container) openDatabases(cfg *config.Config, log zerolog.Logger) error {
	priceDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "prices.db"),
		Profile: database.ProfileStandard,
		Name:    "prices",
	})
	if err != nil {
		return fmt.Errorf("failed to open prices database: %w", err)
	}
	if err := priceDB.Migrate(); err != nil {
		_ = priceDB.Close()
		return fmt.Errorf("failed to migrate prices database: %w", err)
	}
	c.PriceDB = priceDB

	alertDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "alerts.db"),
		Profile: database.ProfileLedger,
		Name:    "alerts",
	})
	if err != nil {
		return fmt.Errorf("failed to open alerts database: %w", err)
	}
	if err := alertDB.Migrate(); err != nil {
		_ = alertDB.Close()
		return fmt.Errorf("failed to migrate alerts database: %w", err)
	}
	c.AlertDB = alertDB

	return nil
}

func (c *Container) initRepositories(log zerolog.Logger) error {
	c.EventBus = events.NewBus()

	c.PriceStore = pricestore.New(c.PriceDB.Conn(), c.EventBus, log)
	c.AlertStore = alerts.New(c.AlertDB.Conn(), log)
	c.DeadLetters = alerts.NewDeadLetterRepository(c.AlertDB.Conn(), log)
	c.DispatchHistory = alerts.NewDispatchHistoryRepository(c.AlertDB.Conn(), log)
	c.Settings = alerts.NewSettingsRepository(c.AlertDB.Conn(), log)

	return nil
}

func (c *Container) initServices(cfg *config.Config, log zerolog.Logger) error {
	if err := cfg.UpdateFromSettings(c.Settings); err != nil {
		return fmt.Errorf("failed to apply settings overrides: %w", err)
	}

	c.Catalog = catalog.New(cfg.CatalogBaseURL, log)
	c.Matcher = matcher.New(c.Catalog, log)

	sources := buildSourceRegistry(cfg)
	c.View = catalogview.New(c.PriceStore, c.Catalog, sources, log)

	c.FeeEngine = fees.New()
	c.Detector = opportunities.New(c.View, c.FeeEngine, log)

	c.DemandScorer = scoring.NewDemandScorer(c.Catalog, c.Catalog, c.Catalog, scoring.SeasonalityTable{})
	c.RiskScorer = scoring.NewRiskScorer(c.Catalog)
	c.Enricher = enrichment.New(c.DemandScorer, c.RiskScorer, cfg.ScoringCacheTTL(), c.EventBus)

	c.Dispatcher = webhook.NewDispatcher(log, cfg.WebhookRequestTimeout(), cfg.WebhookMaxRetries)
	c.AlertScheduler = scheduler.NewAlertScheduler(
		c.AlertStore,
		c.DispatchHistory,
		deadLetterAdapter{repo: c.DeadLetters},
		c.Detector,
		c.Enricher,
		c.Dispatcher,
		c.View,
		scheduler.Options{
			WorkerCount:  cfg.SchedulerWorkerPoolSize,
			QueueCap:     cfg.SchedulerQueueCapacity,
			TickInterval: cfg.SchedulerTickInterval(),
		},
		log,
	)

	return nil
}

// initIngestion builds one worker per configured source: a PullWorker for
// sources with a FetchURL, a WebhookWorker otherwise. A klekt source with
// a FetchURL gets the klekt websocket stream instead of a PullWorker.
func (c *Container) initIngestion(cfg *config.Config, log zerolog.Logger) error {
	c.WebhookWorkers = make(map[string]*ingestion.WebhookWorker)

	for name, sc := range cfg.Sources {
		kind := domain.SourceKind(sc.Kind)

		if name == "klekt" && sc.FetchURL != "" {
			c.KlektStream = ingestion.NewKlektStream(sc.FetchURL, name, c.Matcher, c.PriceStore, log)
			continue
		}

		if sc.FetchURL == "" {
			worker := ingestion.NewWebhookWorker(name, name, kind, c.PriceStore, c.Matcher, c.PriceStore, log)
			c.WebhookWorkers[name] = worker
			continue
		}

		headers := map[string]string{}
		if sc.APIKey != "" {
			headers["Authorization"] = "Bearer " + sc.APIKey
		}
		fetcher := ingestion.NewHTTPFetcher(sc.FetchURL, headers, resultsFieldFor(name))
		limiter := ingestion.NewTokenBucket(sc.RatePerSecond, sc.Burst)
		worker := ingestion.NewPullWorker(name, name, kind, fetcher, c.Matcher, c.PriceStore, limiter, cfg.SchedulerTickInterval(), log)
		c.PullWorkers = append(c.PullWorkers, worker)
	}

	return nil
}

// resultsFieldFor is the JSON key a source's feed wraps its row array in,
// empty when the feed is a bare array. Awin's product feed wraps results
// under "products"; other known pull feeds are bare arrays.
func resultsFieldFor(sourceName string) string {
	if strings.EqualFold(sourceName, "awin") {
		return "products"
	}
	return ""
}

func (c *Container) initJobsAndServer(cfg *config.Config, log zerolog.Logger) error {
	databases := map[string]*database.DB{"prices": c.PriceDB, "alerts": c.AlertDB}
	c.MaintenanceJobs = scheduler.NewMaintenanceJobs(c.DeadLetters, c.DispatchHistory, databases, log)

	sqlDatabases := map[string]*sql.DB{}
	for name, db := range databases {
		sqlDatabases[name] = db.Conn()
	}

	if cfg.S3Bucket != "" {
		s3Client, err := reliability.NewS3Client(context.Background(), cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKeyID, cfg.S3SecretAccessKey, cfg.S3Bucket, log)
		if err != nil {
			return fmt.Errorf("failed to construct backup S3 client: %w", err)
		}
		c.S3Client = s3Client
		backupService := reliability.NewBackupService(s3Client, sqlDatabases, cfg.DataDir, log)
		c.ReliabilityJobs = reliability.NewJobs(backupService, sqlDatabases, log)
	}

	webhookAcceptors := make(map[string]server.WebhookAcceptor, len(c.WebhookWorkers))
	for name, w := range c.WebhookWorkers {
		webhookAcceptors[name] = w
	}

	c.Server = server.New(server.Config{
		Log:          log,
		Port:         cfg.Port,
		DevMode:      cfg.DevMode,
		AlertTrigger: c.AlertScheduler,
		Webhooks:     webhookAcceptors,
	})

	return nil
}
