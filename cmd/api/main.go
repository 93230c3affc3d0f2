package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"votecommit/app"
	"votecommit/config"
	"votecommit/logger"
)

func main() {
	cfg, err := config.Load(os.Getenv("VOTECOMMIT_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	zl, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, zl)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer a.Close()

	zl.Infof("Starting vote commitment API on %s", cfg.ApiServer.Address())
	if err := a.Server().Start(ctx); err != nil {
		zl.Errorf("Server stopped: %v", err)
	}
}
