package main

import (
	"database/sql"
	"flag"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/migrations"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	"github.com/pressly/goose/v3"
)

func main() {
	down := flag.Bool("down", false, "Roll back the latest migration instead")
	flag.Parse()

	cfg := configs.AppLoad()
	logger := configs.NewLogger(cfg.LogLevel)

	db, err := sql.Open("clickhouse", cfg.DBDSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("Failed to ping database")
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(logger)
	if err := goose.SetDialect("clickhouse"); err != nil {
		logger.WithError(err).Fatal("Goose: failed to set dialect")
	}

	if *down {
		logger.Info("Rolling back latest migration...")
		if err := goose.Down(db, "."); err != nil {
			logger.WithError(err).Fatal("Goose rollback failed")
		}
		return
	}

	logger.Info("Running database migrations...")
	if err := goose.Up(db, "."); err != nil {
		logger.WithError(err).Fatal("Goose migration failed")
	}
	logger.Info("Migrations completed successfully")
}
