// Package main is the entry point for Shuttuflix.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"shuttuflix-go/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Printf("server error: %v", err)
		application.Shutdown()
		os.Exit(1)
	}
	application.Shutdown()
}
