package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"failmon/internal/agent"
	"failmon/internal/agent/eventlog"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	configPath := flag.String("config", "config.yaml", "path to agent config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}

	hostName, err := os.Hostname()
	if err != nil {
		hostName = cfg.HostID
	}

	source, err := eventlog.NewSource("Security", cfg.EventID)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to open security event channel")
	}

	seen := agent.LoadSeen(cfg.HostID + "_seen.json")
	sender := agent.NewSender(cfg.CollectorURL, cfg.HostID, hostName)

	a := agent.New(cfg, source, seen, sender)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("agent exited with error")
	}
	zlog.Info().Msg("agent stopped")
}
