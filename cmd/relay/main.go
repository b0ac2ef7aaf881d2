package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/graphroom/relay/internal/config"
	"github.com/graphroom/relay/internal/monitoring"
	"github.com/graphroom/relay/internal/relay"
)

func main() {
	var (
		debug = flag.Bool("debug", false, "enable debug logging (overrides RELAY_LOG_LEVEL)")
	)
	flag.Parse()

	// Plain logger until configuration tells us how to build the real one.
	startup := log.New(os.Stdout, "[relay] ", log.LstdFlags)

	// automaxprocs caps GOMAXPROCS to the container CPU quota at import time.
	startup.Printf("GOMAXPROCS: %d", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		startup.Fatalf("Failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
		startup.Printf("Debug mode enabled via flag")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	server, err := relay.NewServer(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("Shutdown signal received")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
	}
}
