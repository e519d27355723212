package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/ingester"
	"github.com/navid-fn/perpdesk/internal/storage"
	"github.com/navid-fn/perpdesk/internal/transactor"
)

func main() {
	exportAssets := flag.Bool("assets", false, "Export the persisted asset record once and exit")
	account := flag.String("account", "default", "Account label for exported asset rows")
	flag.Parse()

	appConfig := configs.AppLoad()
	logger := configs.NewLogger(appConfig.LogLevel)

	store, err := storage.NewClickHouseStorage(appConfig.DBDSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to DB")
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *exportAssets {
		record, err := transactor.LoadAssetRecord(appConfig.DataPath)
		if err != nil {
			logger.WithError(err).Fatal("Failed to read asset record")
		}
		if err := store.CreateAssetRows(ctx, *account, record.Rows); err != nil {
			logger.WithError(err).Fatal("Failed to export asset record")
		}
		logger.Infof("Exported %d asset rows", record.Len())
		return
	}

	kafkaReader := ingester.NewReader(
		appConfig.KafkaCandle.Broker,
		appConfig.KafkaCandle.Topic,
		appConfig.KafkaCandle.GroupID,
	)
	defer kafkaReader.Close()

	svc := ingester.NewIngester(kafkaReader, store, logger, ingester.Config{
		BatchSize:    appConfig.Ingester.BatchSize,
		BatchTimeout: time.Duration(appConfig.Ingester.BatchTimeoutSeconds) * time.Second,
	})

	logger.Info("Ingester started successfully")
	if err := svc.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Ingester stopped with error")
	}
	logger.Info("Ingester shutdown complete")
}
