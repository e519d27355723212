package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/server/config"
	"github.com/navid-fn/perpdesk/server/internal/handler"
	"github.com/navid-fn/perpdesk/server/internal/repository"
	"github.com/navid-fn/perpdesk/server/internal/router"
	"github.com/navid-fn/perpdesk/server/internal/service"
	"gorm.io/driver/clickhouse"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()
	logger := configs.NewLogger(cfg.LogLevel)

	db, err := gorm.Open(clickhouse.Open(cfg.ClickHouseDSN), &gorm.Config{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	candleRepo := repository.NewGormCandleRepository(db)
	candleService := service.NewCandlesService(candleRepo)
	candleHandler := handler.NewCandleHandler(candleService)

	engine := router.NewRouter(&router.Config{
		CandleHandler: candleHandler,
		Debug:         cfg.DebugMode,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Infof("API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("API shutdown failed")
	}
}
