package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/appconfig/internal/application"
	"github.com/eugenenazirov/appconfig/internal/config"
	"github.com/eugenenazirov/appconfig/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	overrides, err := parseFlags(os.Args[1:])
	kingpin.FatalIfError(err, "parse flags")

	cfg, err := config.Load(overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	app, err := application.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}
	defer app.Close()

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)
}

// parseFlags turns command-line arguments into configuration overrides.
// Flags left unset do not override lower-precedence sources.
func parseFlags(args []string) (*config.CLIOverrides, error) {
	app := kingpin.New("appconfig", "Settings registry - typed key/value settings cached in front of a table")
	configFile := app.Flag("config", "Path to YAML configuration file").String()
	port := app.Flag("port", "HTTP port exposed by the service").String()
	logLevel := app.Flag("log-level", "Log level (debug, info, warn, error)").String()
	backend := app.Flag("backend", "Settings table backend (memory or postgres)").String()
	databaseURL := app.Flag("database-url", "PostgreSQL connection string for the postgres backend").String()
	table := app.Flag("table", "Name of the settings table").String()
	seedFile := app.Flag("seed-file", "YAML file with settings to seed the memory backend").String()
	rateLimitRPS := app.Flag("rate-limit-rps", "Requests per second allowed (set 0 to disable)").Default("-1").Float64()
	rateLimitBurst := app.Flag("rate-limit-burst", "Burst capacity for rate limiter (set 0 to disable)").Default("-1").Int()

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	overrides := &config.CLIOverrides{
		ConfigFile:  *configFile,
		Port:        nonEmpty(port),
		LogLevel:    nonEmpty(logLevel),
		Backend:     nonEmpty(backend),
		DatabaseURL: nonEmpty(databaseURL),
		Table:       nonEmpty(table),
		SeedFile:    nonEmpty(seedFile),
	}

	if *rateLimitRPS >= 0 {
		overrides.RateLimitRPS = rateLimitRPS
	}

	if *rateLimitBurst >= 0 {
		overrides.RateLimitBurst = rateLimitBurst
	}

	return overrides, nil
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
