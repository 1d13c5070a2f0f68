package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"booklog/internal/amqp"
	"booklog/internal/cli"
	applog "booklog/internal/log"
	gsheet "booklog/internal/sheets/google"
	"booklog/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadConfig()
	logger := cli.SetupLogger(cfg.LogLevel).WithComponent(applog.ComponentWorker)
	cli.MustValidate(logger, cfg.ValidateWorker)

	logger.Info("Starting booklog-worker")

	repo := cli.InitSQLite(logger, cfg.SQLiteDBPath)
	defer repo.Close()

	sheetsClient, err := gsheet.New(context.Background(), cfg.GoogleSpreadsheetID, cfg.GoogleSheetName)
	if err != nil {
		logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)

	amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		logger.Error("Failed to initialize AMQP client", applog.FieldError, err)
		os.Exit(1)
	}
	defer amqpClient.Close()

	ctx, done := cli.GracefulShutdown(logger, shutdownTimeout, nil)

	if err := sheetsClient.EnsureHeader(ctx); err != nil {
		// Not fatal: rows are still mirrored, just without a header.
		logger.Error("Failed to prepare diary sheet", applog.FieldError, err)
	}

	mirror := worker.NewMirrorWorker(repo, sheetsClient, cfg.SyncBatchSize)

	// Entries created while the worker was down never produced a delivery.
	logger.Info("Performing startup sync check...")
	if err := mirror.StartupSyncCheck(ctx); err != nil {
		logger.Error("Failed startup sync check", applog.FieldError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqpClient.Consume(gctx, mirror.HandleMessage)
	})
	g.Go(func() error {
		mirror.RunPeriodic(gctx, cfg.SyncInterval)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped", applog.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
