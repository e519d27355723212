package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/collector"
	"github.com/navid-fn/perpdesk/internal/downloader"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/rwlock"
	"github.com/navid-fn/perpdesk/internal/workerpool"
)

func main() {
	now := time.Now().UTC()
	fromFlag := flag.String("from", time.Date(now.Year()-1, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.DateOnly), "First day to backfill (YYYY-MM-DD)")
	toFlag := flag.String("to", now.Format(time.DateOnly), "Day to stop before (YYYY-MM-DD)")
	workers := flag.Int("workers", runtime.NumCPU(), "Parallel archive parsers")
	flag.Parse()

	appConfig := configs.AppLoad()
	logger := configs.NewLogger(appConfig.LogLevel)

	from, err := time.Parse(time.DateOnly, *fromFlag)
	if err != nil {
		logger.WithError(err).Fatal("Invalid -from")
	}
	to, err := time.Parse(time.DateOnly, *toFlag)
	if err != nil {
		logger.WithError(err).Fatal("Invalid -to")
	}
	if !from.Before(to) {
		logger.Fatal("-from must be before -to")
	}

	settings, err := configs.LoadSettings(appConfig.DataPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load settings")
	}

	client := binance.NewClient(binance.Config{}, logger)
	pool := workerpool.New(*workers, logger)
	defer pool.Close()

	col := collector.New(collector.Config{
		DataPath: appConfig.DataPath,
		Symbols:  settings.Data.TargetSymbols,
	}, client, monitor.Discard{}, logger).
		WithBackfill(
			downloader.New(client, downloader.ArchiveBaseURL, logger),
			pool,
			monitor.NewLogProgress("backfill", logger),
		)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = rwlock.NewTask(ctx)

	var years []int
	for y := from.Year(); y <= to.Year(); y++ {
		years = append(years, y)
	}
	if err := col.Load(ctx, years...); err != nil {
		logger.WithError(err).Fatal("Failed to load candles")
	}

	backfillErr := col.Backfill(ctx, from, to)
	if backfillErr != nil {
		logger.WithError(backfillErr).Error("Backfill incomplete")
	}

	// Whatever was merged is kept even when interrupted.
	if err := col.Save(rwlock.NewTask(context.Background())); err != nil {
		logger.WithError(err).Fatal("Failed to save candles")
	}
	if backfillErr != nil {
		os.Exit(1)
	}
	logger.Info("Backfill complete")
}
