package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TIC-PURP/purp-sync/internal/agent"
	"github.com/TIC-PURP/purp-sync/internal/logging"
	"github.com/TIC-PURP/purp-sync/internal/syncer"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	logger := logging.NewDefault(slog.LevelInfo)
	cfg := agent.LoadConfig()

	a := agent.New(cfg, logger, func(ev syncer.Event) {
		if ev.Err != nil {
			logger.Warn(ctx, "sync event", "type", string(ev.Type), "error", ev.Err)
			return
		}
		logger.Info(ctx, "sync event", "type", string(ev.Type), "doc", ev.DocID)
	})

	if err := a.Open(ctx); err != nil {
		log.Fatalf("%v", err)
	}
	defer a.Close()

	name := os.Getenv("PURP_NAME")
	password := os.Getenv("PURP_PASSWORD")
	if name != "" {
		_, online, err := a.Login(ctx, name, password)
		if err != nil {
			log.Fatalf("login: %v", err)
		}
		logger.Info(ctx, "logged in", "name", name, "online", online)
	}

	<-ctx.Done()

	if name != "" {
		_ = a.Logout(context.Background())
	}
}
