// Package main is the entry point for the sneaker-resale arbitrage engine.
// It scans configured retail, resale, and auction sources for buy/sell
// spreads, scores the resulting opportunities for demand and risk, and
// dispatches webhook notifications to subscribed alerts.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/solearb/internal/config"
	"github.com/aristath/solearb/internal/di"
	"github.com/aristath/solearb/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	log.Info().Msg("Starting arbitrage engine")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.PriceDB.Close()
	defer container.AlertDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	go container.AlertScheduler.Run(ctx)
	log.Info().Msg("Alert scheduler started")

	if err := container.MaintenanceJobs.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start maintenance jobs")
	}
	log.Info().Msg("Maintenance jobs started")

	if container.ReliabilityJobs != nil {
		if err := container.ReliabilityJobs.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start reliability jobs")
		}
		log.Info().Msg("Reliability backup jobs started")
	}

	for _, w := range container.PullWorkers {
		go w.Run(ctx)
	}
	log.Info().Int("count", len(container.PullWorkers)).Msg("Pull ingestion workers started")

	if container.KlektStream != nil {
		go container.KlektStream.Run(ctx)
		log.Info().Msg("Klekt websocket stream started")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	cancel()
	container.AlertScheduler.Stop()
	container.MaintenanceJobs.Stop()
	if container.ReliabilityJobs != nil {
		container.ReliabilityJobs.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
