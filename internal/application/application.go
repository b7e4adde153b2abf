package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/eugenenazirov/appconfig/internal/api"
	"github.com/eugenenazirov/appconfig/internal/config"
	"github.com/eugenenazirov/appconfig/internal/registry"
	"github.com/eugenenazirov/appconfig/internal/storage"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	table    storage.Table
	registry *registry.Registry
	handler  *api.Handler
	router   http.Handler
	logger   *zap.Logger
	server   *http.Server
	closers  []func()
}

// New initializes the application with all dependencies from the provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{logger: logger}

	table, err := app.openTable(ctx, cfg.Store)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.table = table

	app.registry = registry.New(
		registry.WithLogger(logger.Named("registry")),
		registry.WithCodec(cfg.Store.Codec()),
	)
	app.registry.Configure(registry.Binding{
		Table:        table,
		KeyColumn:    cfg.Store.KeyColumn,
		ValueColumn:  cfg.Store.ValueColumn,
		FormatColumn: cfg.Store.FormatColumn,
	})

	if cfg.Store.LoadOnStart {
		loadCtx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
		result := app.registry.Reload(loadCtx)
		cancel()
		if result.Degraded() {
			logger.Warn("starting with empty settings", zap.Error(result.Err))
		}
	}

	app.handler = api.NewHandler(app.registry,
		api.WithStoreTimeout(cfg.Store.Timeout),
		api.WithHandlerLogger(logger),
	)
	app.router = api.NewRouter(app.handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
	app.server = NewServer(cfg, app.router)

	return app, nil
}

func (a *App) openTable(ctx context.Context, cfg config.StoreConfig) (storage.Table, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		pool, err := storage.NewPool(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to settings database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.logger.Info("using postgres settings table", zap.String("table", cfg.Table))
		return storage.NewPostgresTable(pool, cfg.Table), nil

	case config.BackendMemory, "":
		table := storage.NewMemoryTable("id", cfg.KeyColumn, cfg.ValueColumn, cfg.FormatColumn)
		if cfg.SeedFile != "" {
			records, err := storage.ReadSeedFile(cfg.SeedFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read seed file: %w", err)
			}
			cols := storage.SeedColumns{Key: cfg.KeyColumn, Value: cfg.ValueColumn, Format: cfg.FormatColumn}
			if err := table.SeedRecords(cols, records); err != nil {
				return nil, fmt.Errorf("failed to apply seed file: %w", err)
			}
			a.logger.Info("seeded in-memory settings table", zap.Int("count", len(records)))
		}
		return table, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Registry returns the settings registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Close releases the backing store connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
