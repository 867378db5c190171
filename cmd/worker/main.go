package main

import (
	"os"
	"os/signal"
	"syscall"

	"failmon/internal/app"
	"failmon/internal/config"
	"failmon/internal/tasks"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Load()
	if cfg.LogDebug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	zlog.Info().Msg("Starting failmon standalone worker")

	a, err := app.Bootstrap(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to bootstrap app")
	}
	defer a.Close()

	asynqServer := asynq.NewServer(
		a.RedisOpts,
		asynq.Config{
			Concurrency: 20, // Dedicated worker can have higher concurrency
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info().Msg("Shutting down worker...")
	asynqServer.Shutdown()
	zlog.Info().Msg("Worker exiting")
}
