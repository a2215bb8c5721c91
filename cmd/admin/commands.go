package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/changeanyfile/internal/artifact"
	"github.com/kiranshivaraju/changeanyfile/internal/cache"
	"github.com/kiranshivaraju/changeanyfile/internal/config"
	"github.com/kiranshivaraju/changeanyfile/internal/events"
	"github.com/kiranshivaraju/changeanyfile/internal/jobs"
	"github.com/kiranshivaraju/changeanyfile/internal/metrics"
	"github.com/kiranshivaraju/changeanyfile/internal/store"
	"github.com/spf13/cobra"
)

type loadFunc func() (*config.Config, error)

func newRootCmd(load loadFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "admin",
		Short:         "changeanyfile maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(load))
	root.AddCommand(newReconcileCmd(load))
	root.AddCommand(newRecoverCmd(load))
	return root
}

func newMigrateCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			dir, _ := cmd.Flags().GetString("dir")

			if err := store.Migrate(cfg.Database, dir); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
	cmd.Flags().String("dir", "migrations", "Root directory holding per-driver migrations")
	return cmd
}

func newReconcileCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Remove processed files no completed job references",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			grace, _ := cmd.Flags().GetDuration("grace")

			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, closeStore, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer closeStore()

			r := jobs.NewReconciler(st, cfg.Storage.ProcessedDir, grace, metrics.Discard())
			orphans, err := r.Sweep(cmd.Context(), dryRun)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			out := cmd.OutOrStdout()
			for _, p := range orphans {
				fmt.Fprintln(out, p)
			}
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			fmt.Fprintf(out, "%s %d orphaned file(s)\n", verb, len(orphans))
			return nil
		},
	}
	cmd.Flags().Bool("dry-run", false, "List orphans without deleting them")
	cmd.Flags().Duration("grace", time.Hour, "Skip files modified within this window")
	return cmd
}

func newRecoverCmd(load loadFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Fail stale processing jobs and report queued jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := cmd.Context()

			staleAfter := cfg.Worker.StaleAfter()
			if cmd.Flags().Changed("stale-after") {
				staleAfter, _ = cmd.Flags().GetDuration("stale-after")
			}
			if staleAfter <= 0 {
				return fmt.Errorf("--stale-after must be positive, got %s", staleAfter)
			}

			st, closeStore, err := store.Open(ctx, cfg.Database)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer closeStore()

			c, closeCache, err := openCache(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer closeCache()

			var pub events.Publisher = events.Nop{}
			if cfg.NATS.URL != "" {
				np, err := events.Connect(cfg.NATS.URL, cfg.NATS.Subject)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer np.Close()
				pub = np
			}

			resolver := artifact.NewResolver(cfg.Storage.UploadDir, cfg.Storage.ProcessedDir)
			svc := jobs.NewService(st, resolver, nil, c, pub, metrics.Discard(), cfg.Redis.StatusTTL)

			report, err := svc.RecoverInterrupted(ctx, jobs.RecoverOptions{StaleAfter: staleAfter})
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}

			pretty, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return fmt.Errorf("format report: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(pretty))
			return nil
		},
	}
	cmd.Flags().Duration("stale-after", 0, "Only fail processing jobs idle this long (default WORKER_JOB_TIMEOUT + 1m)")
	return cmd
}

// openCache returns the Redis status cache when configured so recovered
// statuses do not linger stale in it.
func openCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, func(), error) {
	if cfg.URL == "" {
		return cache.Nop{}, func() {}, nil
	}
	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	return rc, func() { rc.Close() }, nil
}
