package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sergio-bershadsky/pipecat-light/internal/broker"
	"github.com/sergio-bershadsky/pipecat-light/internal/config"
	"github.com/sergio-bershadsky/pipecat-light/internal/httpserver"
	"github.com/sergio-bershadsky/pipecat-light/internal/supervisor"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	rooms := broker.NewClient(cfg.RoomsAPIURL, cfg.RoomsAPIKey)
	sup := supervisor.New(&cfg, rooms, nil)
	srv := httpserver.New(&cfg, sup)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	// stop taking new sessions, then drain the live ones
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	if err := sup.DrainAll(drainCtx); err != nil {
		log.Printf("session drain incomplete: %v", err)
	}
}
