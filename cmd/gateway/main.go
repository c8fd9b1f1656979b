package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/TIC-PURP/purp-sync/internal/gateway"
	"github.com/TIC-PURP/purp-sync/internal/logging"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cfg, err := gateway.LoadConfig()
	if err != nil {
		log.Fatalf("%v", err)
	}

	srv, err := gateway.NewServer(cfg, logging.NewDefault(slog.LevelInfo))
	if err != nil {
		log.Fatalf("%v", err)
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}
}
