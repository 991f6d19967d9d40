package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DevJoghurt/fhir-relay/internal/config"
	"github.com/DevJoghurt/fhir-relay/internal/engine"
	"github.com/DevJoghurt/fhir-relay/internal/store"
	"github.com/rs/zerolog/log"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML configuration file")
	dataDir := flag.String("data-dir", "", "Queue data directory (overrides config)")
	serverAddr := flag.String("addr", "", "HTTP server address (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile, *dataDir, *serverAddr, *logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// The dev server runs against the in-memory store. A deployment wires
	// the real resource repository behind the same interface.
	mem := store.NewMemory()
	e, err := engine.CreateEngine(cfg, mem, store.NewTypeMatcher(), store.NewMembershipEvaluator())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Caught signal, shutting down")
		cancel()
	}()

	if err := e.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Engine stopped with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
		os.Exit(1)
	}
}
