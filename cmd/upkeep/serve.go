// ABOUTME: Long-running mode: migrate, arm the maintenance scheduler, expose metrics
// ABOUTME: Runs until SIGINT/SIGTERM, then stops the scheduler and closes the store

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/upkeep/internal/metrics"
	"github.com/2389/upkeep/internal/store"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Migrate, then run scheduled maintenance until interrupted",
		Args:  cobra.NoArgs,
		RunE: withEnv(configPath, func(cmd *cobra.Command, _ []string, e *env) error {
			return runServe(cmd.Context(), cmd, e)
		}),
	}
}

func runServe(ctx context.Context, cmd *cobra.Command, e *env) error {
	out := cmd.OutOrStdout()

	cyan := color.New(color.FgCyan)
	cyan.Fprint(out, banner)
	gray := color.New(color.FgHiBlack)
	gray.Fprintf(out, "    version: %s (%s driver)\n\n", version, store.BuildMode)

	applied, err := e.runner.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	current, err := e.runner.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	sched, err := newScheduler(e)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:      %s\n", e.configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Database:    %s\n", e.db.Path())
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Schema:      v%d (%d applied now)\n", current, applied)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Maintenance: every %s, compaction on %s\n", e.cfg.Maintenance.Period, e.cfg.Maintenance.CompactionDay)
	if e.cfg.Metrics.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Metrics:     http://%s%s\n", e.cfg.Metrics.Addr, e.cfg.Metrics.Path)
	}
	fmt.Fprintln(out)

	e.logger.Info("starting upkeep",
		"config", e.configPath,
		"database", e.db.Path(),
		"schema_version", current,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})

	if e.cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              e.cfg.Metrics.Addr,
			Handler:           metrics.Handler(e.registry, e.cfg.Metrics.Path),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	e.logger.Info("upkeep stopped", "maintenance_runs", sched.Runs())
	return err
}

