package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/outfold/dispatch/config"
	"github.com/outfold/dispatch/middleware"
	"github.com/outfold/dispatch/repositories"
	"github.com/outfold/dispatch/repositories/postgres"
	"github.com/outfold/dispatch/services/dispatch"
	"github.com/outfold/dispatch/services/providers"
	"github.com/outfold/dispatch/services/providers/anthropic"
	"github.com/outfold/dispatch/services/providers/openai"
	"github.com/outfold/dispatch/services/roles"
	"github.com/outfold/dispatch/services/telemetry"
	"go.uber.org/zap"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Dependencies holds all application dependencies. This is the central
// wiring point for dependency injection.
type Dependencies struct {
	Config  *config.Config
	Logger  *zap.Logger
	Version string

	Registry   *providers.Registry
	Resolver   *roles.Resolver
	Sink       telemetry.Sink
	Dispatcher *dispatch.Service
	Usage      repositories.UsageRepository

	AuthMiddleware *middleware.AuthMiddleware

	db *sql.DB
}

// NewDependencies creates and wires up all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:  cfg,
		Logger:  logger,
		Version: Version,
	}

	if err := deps.initProviders(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}
	if err := deps.initRoles(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize role table: %w", err)
	}
	if err := deps.initTelemetry(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	deps.Dispatcher = dispatch.NewService(dispatch.Config{
		MaxRetries:     cfg.Dispatch.MaxRetries,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
		BaseBackoff:    cfg.Dispatch.BaseBackoff,
	}, deps.Resolver, deps.Registry, deps.Sink, logger)

	deps.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, logger)
	if !deps.AuthMiddleware.Enabled() {
		logger.Warn("no JWT secret configured, authentication disabled")
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initProviders registers every configured backend with the registry.
// Registration is unconditional; a missing credential surfaces as an auth
// error on first use so fallback chains can route around it.
func (d *Dependencies) initProviders(cfg *config.Config) error {
	registry := providers.NewRegistry()

	if err := registry.Register(openai.Descriptor(), openai.New, providers.Config{
		APIKey:  cfg.Providers.OpenAI.APIKey,
		BaseURL: cfg.Providers.OpenAI.BaseURL,
		Timeout: cfg.Providers.OpenAI.Timeout,
	}); err != nil {
		return err
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		d.Logger.Info("registered OpenAI provider")
	}

	if err := registry.Register(anthropic.Descriptor(), anthropic.New, providers.Config{
		APIKey:  cfg.Providers.Anthropic.APIKey,
		BaseURL: cfg.Providers.Anthropic.BaseURL,
		Timeout: cfg.Providers.Anthropic.Timeout,
	}); err != nil {
		return err
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		d.Logger.Info("registered Anthropic provider")
	}

	d.Registry = registry
	return nil
}

// initRoles loads the role manifest and builds the resolver over it.
func (d *Dependencies) initRoles(cfg *config.Config) error {
	table, err := config.LoadRoles(cfg.RolesFile)
	if err != nil {
		return err
	}

	resolver, err := roles.NewResolver(table, d.Registry)
	if err != nil {
		return err
	}

	d.Resolver = resolver
	d.Logger.Info("role table loaded",
		zap.String("file", cfg.RolesFile),
		zap.Int("roles", len(table)))
	return nil
}

// initTelemetry selects the usage sink. Without a database URL usage records
// go to the structured log only.
func (d *Dependencies) initTelemetry(ctx context.Context, cfg *config.Config) error {
	logSink := telemetry.NewLogSink(d.Logger)

	if cfg.Telemetry.DatabaseURL == "" {
		d.Sink = logSink
		return nil
	}

	db, err := postgres.Connect(cfg.Telemetry.DatabaseURL)
	if err != nil {
		return err
	}
	d.db = db

	repo := postgres.NewUsageRepository(db)
	d.Usage = repo
	d.Sink = telemetry.NewMultiSink(logSink, telemetry.NewStoreSink(repo, d.Logger))
	d.Logger.Info("telemetry database connected")
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close telemetry database: %w", err))
		}
	}
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
