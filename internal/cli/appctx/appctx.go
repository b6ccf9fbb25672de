// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger construction, and database opening
// to reduce boilerplate across commands.
package appctx

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/config"
	"github.com/lherron/clinicsync/internal/db"
	"github.com/lherron/clinicsync/internal/id"
	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/store"
)

// ErrInvalidConfig marks configuration and flag problems, which the CLI
// reports as usage errors.
var ErrInvalidConfig = errors.New("invalid configuration")

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration with flag overrides applied
	Config *config.Config

	// Logger writes to stderr
	Logger *zap.Logger

	// Classifier tells placeholder ids from authoritative ones
	Classifier *id.Classifier

	// DB is the opened database connection (nil if NeedsDB is false)
	DB *db.DB

	// Store wraps DB with the configured dependent tables
	Store *store.Store
}

// Close releases resources held by the App.
// Safe to call multiple times.
func (a *App) Close() {
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsDB indicates whether to open the database.
	NeedsDB bool

	// AllowPending skips the pending-migration check (for migrate itself).
	AllowPending bool
}

// DefaultOptions returns default options (DB required, schema current).
func DefaultOptions() Options {
	return Options{NeedsDB: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The database is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load(flagValue(cmd, "config"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	app.Config = cfg

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	app.Logger = logger

	// Validate already compiled the pattern
	app.Classifier = id.MustClassifier(cfg.PlaceholderPattern)

	if !opts.NeedsDB {
		return app, nil
	}

	database, err := db.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if !opts.AllowPending {
		if err := database.RequiresMigrationError(); err != nil {
			database.Close()
			return nil, err
		}
	}

	app.DB = database
	app.Store = store.New(database, cfg.Tables())
	logger.Debug("database opened", zap.String("driver", database.Driver()), zap.String("dsn", database.Path()))
	return app, nil
}

// applyFlags layers global flags over the loaded configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if v := flagValue(cmd, "driver"); v != "" {
		cfg.DBDriver = v
	}
	switch cfg.DBDriver {
	case "sqlite", "":
		cfg.DBDriver = db.DriverSQLite
	case "postgresql", "pq":
		cfg.DBDriver = db.DriverPostgres
	}
	if v := flagValue(cmd, "db"); v != "" {
		if cfg.DBDriver == db.DriverPostgres {
			cfg.DatabaseURL = v
		} else {
			cfg.DBPath = v
		}
	}
	if v := flagValue(cmd, "log-level"); v != "" {
		cfg.LogLevel = v
	}
}

func flagValue(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}
