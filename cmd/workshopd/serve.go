package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"workshopd/internal/archive"
	"workshopd/internal/config"
	"workshopd/internal/history"
	"workshopd/internal/logbus"
	"workshopd/internal/logging"
	"workshopd/internal/observability"
	"workshopd/internal/orchestrator"
	"workshopd/internal/registry"
	"workshopd/internal/scrape"
	"workshopd/internal/server"
	"workshopd/internal/steam"
	"workshopd/internal/workspace"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	obs := observability.NewLogger(cfg.Logging)
	log := logging.FromObservability(obs, "workshopd")

	metrics, err := observability.NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tracer, err := observability.NewTracerProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Every bus record is mirrored to the process logger, so the websocket
	// stream and stdout tell the same story.
	bus := logbus.New(cfg.LogRingCapacity, log)
	defer bus.Close()

	ws, err := workspace.NewManager(filepath.Join(cfg.DownloadRoot, "workspaces"), logging.FromObservability(obs, "workspace"))
	if err != nil {
		return err
	}
	// Jobs do not survive a restart; whatever workspaces exist are residue.
	if _, err := ws.SweepAll(); err != nil {
		log.Warn("startup workspace sweep: %v", err)
	}

	homeDir, err := steam.HomeDirFor(cfg.DownloadRoot)
	if err != nil {
		return err
	}
	adapter := steam.NewAdapter(cfg.Steam, ws, homeDir, bus.Logger("steam"))
	builder := archive.NewBuilder(cfg.MaxArchiveBytes, cfg.BuildTimeout, bus.Logger("archive"))
	scraper, err := scrape.NewWorkshopScraper(logging.FromObservability(obs, "scrape"))
	if err != nil {
		return err
	}
	reg := registry.New(logging.FromObservability(obs, "registry"))
	hist := history.NewMemoryStore(cfg.HistoryLimit)

	orch := orchestrator.New(cfg, orchestrator.Deps{
		Registry:  reg,
		Workspace: ws,
		Adapter:   adapter,
		Builder:   builder,
		Fetcher:   scraper,
		History:   hist,
		Bus:       bus,
		Metrics:   metrics,
		Tracer:    tracer,
	})
	orch.Start()

	if cfg.Metrics.Enabled {
		if err := metrics.StartPrometheusServer(cfg.Metrics.PrometheusPort); err != nil {
			return fmt.Errorf("start metrics endpoint: %w", err)
		}
		log.Info("prometheus metrics on :%d/metrics", cfg.Metrics.PrometheusPort)
	}

	server.Version = version
	srv := server.New(cfg, orch, reg, bus, hist, logging.FromObservability(obs, "server"))

	mode := "anonymous"
	if !cfg.Steam.Anonymous() {
		mode = "credentialed as " + cfg.Steam.Username
	}
	log.Info("workshopd %s serving app %d on :%d (%s, %d slots)",
		version, cfg.AppID, cfg.Server.Port, mode, cfg.MaxConcurrent)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warn("orchestrator shutdown: %v", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown: %v", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warn("tracer shutdown: %v", err)
	}
	return runErr
}
