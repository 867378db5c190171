package main

import (
	"context"
	"embed"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"failmon/internal/api"
	"failmon/internal/app"
	"failmon/internal/config"
	"failmon/internal/service"
	"failmon/internal/tasks"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	rdb "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

//go:embed migrations/*
var migrationsFS embed.FS

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg := config.Load()

	if cfg.LogDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zlog.Info().Str("port", cfg.Port).Msg("Starting failmon collector")

	// Run migrations
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to create iofs source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.PostgresURL)
	if err == nil {
		version, dirty, verr := m.Version()
		if verr != nil && verr != migrate.ErrNilVersion {
			zlog.Error().Err(verr).Msg("Failed to get migration version")
		} else {
			zlog.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current database version")
		}

		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			zlog.Error().Err(err).Msg("Migration error")
		} else if err == migrate.ErrNoChange {
			zlog.Info().Msg("Database is up to date (no migrations needed)")
		} else {
			zlog.Info().Msg("Database migrations applied successfully")
		}
	} else {
		zlog.Error().Err(err).Msg("Failed to initialize migrations")
	}

	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	seedSettings(a, cfg)

	if err := a.Blocks.SyncActiveBlocks(context.Background()); err != nil {
		zlog.Error().Err(err).Msg("Failed to sync active blocks")
	}

	// Expiry reconciler and task worker
	a.Reconciler.Start()
	defer a.Reconciler.Stop()

	var asynqServer *asynq.Server
	if cfg.RunWorkerInProcess {
		zlog.Info().Msg("Starting firewall task worker in-process")
		asynqServer = asynq.NewServer(
			a.RedisOpts,
			asynq.Config{
				Concurrency: 10,
				Queues: map[string]int{
					"default": 5,
					"low":     2,
				},
			},
		)
		asynqMux := asynq.NewServeMux()
		handler := tasks.NewFirewallTaskHandler(a.Adapter)
		asynqMux.Handle(tasks.TypeFirewallApply, handler)
		asynqMux.Handle(tasks.TypeFirewallRemove, handler)
		go func() {
			if err := asynqServer.Run(asynqMux); err != nil {
				zlog.Fatal().Err(err).Msg("Failed to run asynq server")
			}
		}()
	} else {
		zlog.Info().Msg("Firewall task worker disabled (external worker expected)")
	}

	if !cfg.LogDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()

	createLimiter := func(limit int, period int, prefix string) gin.HandlerFunc {
		rate := limiter.Rate{
			Period: time.Duration(period) * time.Second,
			Limit:  int64(limit),
		}
		limiterClient := rdb.NewClient(&rdb.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisLimDB,
		})
		limitStore, err := sredis.NewStoreWithOptions(limiterClient, limiter.StoreOptions{
			Prefix: prefix,
		})
		if err != nil {
			zlog.Fatal().Err(err).Msgf("Failed to create limiter store: %s", prefix)
		}
		return mgin.NewMiddleware(limiter.New(limitStore, rate))
	}

	mainLimiter := createLimiter(cfg.RateLimit, cfg.RatePeriod, "limiter_main")
	ingestLimiter := createLimiter(cfg.RateLimitIngest, cfg.RatePeriod, "limiter_ingest")

	handler := api.NewAPIHandler(cfg, a.Ingest, a.Blocks, a.PgRepo, a.Geo, a.Hub)
	handler.SetLimiters(mainLimiter, ingestLimiter)
	handler.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Str("base_path", cfg.BasePath).Msg("Collector API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down collector...")

	if asynqServer != nil {
		asynqServer.Shutdown()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Collector exiting")
}

// seedSettings writes the environment policy values for keys the settings
// table does not have yet.
func seedSettings(a *app.App, cfg *config.Config) {
	ctx := context.Background()
	seeds := map[string]string{
		service.KeyThreshold:             strconv.Itoa(cfg.Threshold),
		service.KeyTimeWindow:            strconv.Itoa(cfg.TimeWindowMinutes),
		service.KeyBlockDuration:         strconv.Itoa(cfg.BlockDurationMinutes),
		service.KeyEnableAutoBlock:       strconv.FormatBool(cfg.EnableAutoBlock),
		service.KeyGlobalThreshold:       strconv.Itoa(cfg.GlobalThreshold),
		service.KeyEnableGlobalAutoBlock: strconv.FormatBool(cfg.EnableGlobalAutoBlock),
	}
	for key, value := range seeds {
		if err := a.PgRepo.SeedSetting(ctx, key, value); err != nil {
			zlog.Error().Err(err).Str("key", key).Msg("Failed to seed setting")
		}
	}
}
