package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/opsloop/opsloop/config"
	"github.com/opsloop/opsloop/internal/events"
	"github.com/opsloop/opsloop/internal/queue"
	srv "github.com/opsloop/opsloop/internal/server"
	"github.com/opsloop/opsloop/internal/store"
	"github.com/opsloop/opsloop/internal/worker"
)

func main() {
	var cfgPath string

	root := &cobra.Command{Use: "opsloop"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return srv.Run(cfg)
		},
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the run queue and execute runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return runWorker(cfg)
		},
	}

	var migDir, direction string
	var steps int
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return srv.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps)
		},
	}
	migrateCmd.Flags().StringVar(&migDir, "dir", "file://migrations", "migrations source")
	migrateCmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrateCmd.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	root.AddCommand(serve, workerCmd, migrateCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWorker(cfg *config.Config) error {
	if !cfg.Queue.Enabled {
		return fmt.Errorf("queue is disabled; the worker requires queue.enabled=true")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("worker redis ping: %w", err)
	}
	defer func() { _ = rdb.Close() }()

	registry := queue.NewSchemaRegistry()
	if err := queue.RegisterBaseSchemas(registry); err != nil {
		return err
	}
	if err := queue.EnsureGroup(ctx, rdb, cfg.Queue.RunStream, cfg.Queue.Group); err != nil {
		return fmt.Errorf("worker ensure group: %w", err)
	}

	pl, manager, err := srv.BuildExecutor(ctx, cfg, st, events.NewBroker())
	if err != nil {
		return err
	}
	defer manager.Close()

	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := queue.NewConsumer(rdb, registry, cfg.Queue.Group, consumerName)

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	processor := worker.NewProcessor(logger, st, consumer, pl, cfg.Queue.RunStream)
	return processor.Start(ctx)
}
