package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"replicanet/server/internal/app"
	"replicanet/server/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Env: cfg}); err != nil {
		log.Fatalf("%v", err)
	}
}
