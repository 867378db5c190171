package app

import (
	"context"
	"fmt"

	"failmon/internal/api"
	"failmon/internal/config"
	"failmon/internal/firewall"
	"failmon/internal/repository"
	"failmon/internal/service"

	"github.com/hibiken/asynq"
)

// App carries the shared state threaded through the collector: no
// package-level singletons, everything is constructed here and injected.
type App struct {
	Config      *config.Config
	RedisRepo   *repository.RedisRepository
	PgRepo      *repository.PostgresRepository
	Settings    *service.SettingsService
	Blocks      *service.BlockService
	Detection   *service.DetectionService
	Ingest      *service.IngestService
	Reconciler  *service.ReconcilerService
	Geo         *service.GeoService
	Hub         *api.Hub
	Adapter     firewall.Adapter
	AsynqClient *asynq.Client
	RedisOpts   asynq.RedisClientOpt
}

func Bootstrap(cfg *config.Config) (*App, error) {
	redisRepo := repository.NewRedisRepository(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB)
	if err := redisRepo.GetClient().Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	pgRepo, err := repository.NewPostgresRepository(cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	redisOpts := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisOpts)

	hub := api.NewHub()

	var adapter firewall.Adapter = firewall.LogAdapter{}
	if cfg.FirewallAdapter == "netsh" {
		adapter = firewall.NewNetshAdapter()
	}

	settings := service.NewSettingsService(pgRepo, cfg)
	blocks := service.NewBlockService(pgRepo, redisRepo, asynqClient)
	detection := service.NewDetectionService(pgRepo, blocks, settings)
	ingest := service.NewIngestService(pgRepo, hub, detection)
	reconciler := service.NewReconcilerService(pgRepo, redisRepo, redisRepo, asynqClient)
	geo := service.NewGeoService(pgRepo)

	return &App{
		Config:      cfg,
		RedisRepo:   redisRepo,
		PgRepo:      pgRepo,
		Settings:    settings,
		Blocks:      blocks,
		Detection:   detection,
		Ingest:      ingest,
		Reconciler:  reconciler,
		Geo:         geo,
		Hub:         hub,
		Adapter:     adapter,
		AsynqClient: asynqClient,
		RedisOpts:   redisOpts,
	}, nil
}

func (a *App) Close() {
	if a.AsynqClient != nil {
		_ = a.AsynqClient.Close()
	}
	if a.Geo != nil {
		a.Geo.Close()
	}
	if a.PgRepo != nil {
		_ = a.PgRepo.Close()
	}
}
