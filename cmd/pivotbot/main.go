package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pivot-signals/config"
	"pivot-signals/internal/bot"
	"pivot-signals/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.Init("pivotbot", "info", "console")
		boot.Fatal().Err(err).Msg("config")
	}

	log := logger.Init("pivotbot", cfg.Log.Level, cfg.Log.Format)
	log.Info().
		Str("state_backend", cfg.State.Backend).
		Bool("redis", cfg.Redis.Enabled).
		Dur("interval", cfg.PollInterval).
		Msg("config loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	svc, err := bot.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init failed")
	}

	if err := svc.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("fatal")
	}
}
