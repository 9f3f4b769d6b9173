// ABOUTME: Entry point for the upkeep operator CLI
// ABOUTME: Wires config, logging, store, migrations and auth behind a cobra command tree

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/2389/upkeep/internal/auth"
	"github.com/2389/upkeep/internal/config"
	"github.com/2389/upkeep/internal/logging"
	"github.com/2389/upkeep/internal/metrics"
	"github.com/2389/upkeep/internal/migrate"
	"github.com/2389/upkeep/internal/schema"
	"github.com/2389/upkeep/internal/store"
)

// version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _   _ _ __ | | _____  ___ _ __
| | | | '_ \| |/ / _ \/ _ \ '_ \
| |_| | |_) |   <  __/  __/ |_) |
 \__,_| .__/|_|\_\___|\___| .__/
      |_|                 |_|
`

// getConfigPath returns the path to the upkeep config file.
// Priority: UPKEEP_CONFIG env var > XDG_CONFIG_HOME/upkeep/upkeep.yaml > ~/.config/upkeep/upkeep.yaml
func getConfigPath() string {
	if envPath := os.Getenv("UPKEEP_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "upkeep.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "upkeep", "upkeep.yaml")
}

// env holds everything a command needs once the config is loaded.
type env struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	registry   *prometheus.Registry
	metrics    *metrics.Collector
	db         *store.DB
	runner     *migrate.Runner
	auth       *auth.Manager
}

func openEnv(ctx context.Context, configPath string, logOut io.Writer) (*env, error) {
	if configPath == "" {
		configPath = getConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, logCloser := logging.New(cfg.Logging, logOut)

	if cfg.Database.Driver != "" && cfg.Database.Driver != store.BuildMode {
		logger.Warn("database.driver does not match the compiled driver",
			"configured", cfg.Database.Driver,
			"compiled", store.BuildMode,
		)
	}

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	db, err := store.Open(ctx, cfg.Database.Path,
		store.WithLogger(logger),
		store.WithMetrics(collector),
		store.WithBusyTimeout(cfg.Database.BusyTimeout),
		store.WithStatementCacheSize(cfg.Database.StatementCacheSize),
	)
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	runner := migrate.NewRunner(db, schema.Registry(),
		migrate.WithAllowRollback(cfg.Migrations.AllowSchemaRollback),
		migrate.WithLogger(logger),
		migrate.WithMetrics(collector),
	)

	manager := auth.NewManager(db,
		auth.WithLogger(logger),
		auth.WithMetrics(collector),
		auth.WithLockPolicy(cfg.Auth.LockThreshold, cfg.Auth.LockDuration),
		auth.WithSessionLifetime(cfg.Auth.SessionLifetime),
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
	)

	return &env{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		logCloser:  logCloser,
		registry:   reg,
		metrics:    collector,
		db:         db,
		runner:     runner,
		auth:       manager,
	}, nil
}

func (e *env) Close() error {
	err := e.db.Close()
	e.logCloser.Close()
	return err
}

// withEnv adapts a command body that needs an env into a cobra RunE.
func withEnv(configPath *string, fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context(), *configPath, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd, args, e)
	}
}

// withMigratedEnv is withEnv for commands that touch application tables: the
// schema is brought to the latest version before fn runs.
func withMigratedEnv(configPath *string, fn func(cmd *cobra.Command, args []string, e *env) error) func(*cobra.Command, []string) error {
	return withEnv(configPath, func(cmd *cobra.Command, args []string, e *env) error {
		applied, err := e.runner.Migrate(cmd.Context())
		if err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		if applied > 0 {
			e.logger.Info("schema migrated before command", "command", cmd.Name(), "applied", applied)
		}
		return fn(cmd, args, e)
	})
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "upkeep",
		Short:         "Operator tool for the upkeep maintenance store",
		Long:          `Manage the embedded maintenance database: schema migrations, credentials, sessions and scheduled upkeep.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $UPKEEP_CONFIG or ~/.config/upkeep/upkeep.yaml)")

	rootCmd.AddCommand(
		newMigrateCmd(&configPath),
		newStatusCmd(&configPath),
		newRollbackCmd(&configPath),
		newProvisionCmd(&configPath),
		newLoginCmd(&configPath),
		newValidateCmd(&configPath),
		newLogoutCmd(&configPath),
		newUnlockCmd(&configPath),
		newSetActiveCmd(&configPath, "activate", true),
		newSetActiveCmd(&configPath, "deactivate", false),
		newHistoryCmd(&configPath),
		newSessionsCmd(&configPath),
		newMaintainCmd(&configPath),
		newServeCmd(&configPath),
	)

	return rootCmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
