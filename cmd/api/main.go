package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vadim/neo-social/internal/app"
	"github.com/vadim/neo-social/internal/config"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	// Root context is cancelled on SIGINT/SIGTERM so startup can be interrupted too
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	// Run application (blocks until shutdown)
	if err := application.Run(ctx); err != nil {
		log.Printf("application error: %v", err)
		stop()
		os.Exit(1)
	}
}
