package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/binance"
	"github.com/navid-fn/perpdesk/internal/coingecko"
	"github.com/navid-fn/perpdesk/internal/collector"
	"github.com/navid-fn/perpdesk/internal/faulttolerance"
	"github.com/navid-fn/perpdesk/internal/logfile"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/publisher"
	"github.com/navid-fn/perpdesk/internal/rwlock"
	"github.com/navid-fn/perpdesk/internal/strategist"
	"github.com/navid-fn/perpdesk/internal/transactor"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	drainTimeout    = time.Second
	shutdownTimeout = 30 * time.Second
	rateLimitEvery  = 10 * time.Second
)

func main() {
	exitCode := 0
	defer func() {
		if exitCode != 0 {
			os.Exit(exitCode)
		}
	}()

	started := time.Now()
	appConfig := configs.AppLoad()
	logger := configs.NewLogger(appConfig.LogLevel)

	hook, err := logfile.NewHook(appConfig.DataPath, started, 256, 5*time.Second)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open session log")
	}
	logger.AddHook(hook)
	hook.Start()
	defer func() {
		if err := hook.Stop(); err != nil {
			logger.WithError(err).Error("Failed to flush session log")
		}
	}()

	settings, err := configs.LoadSettings(appConfig.DataPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load settings")
	}
	symbols := settings.Data.TargetSymbols

	client := binance.NewClient(binance.Config{
		APIKey:    settings.Transaction.BinanceAPIKey,
		APISecret: settings.Transaction.BinanceAPISecret,
	}, logger)
	reporter := monitor.NewLogReporter(logger)

	col := collector.New(collector.Config{
		DataPath: appConfig.DataPath,
		Symbols:  symbols,
	}, client, reporter, logger)
	if appConfig.PublishCandles {
		writer := publisher.NewWriter(appConfig.KafkaCandle.Broker, appConfig.KafkaCandle.Topic)
		defer writer.Close()
		col.WithSink(publisher.NewSender(writer, logger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := col.Load(rwlock.NewTask(ctx)); err != nil {
		logger.WithError(err).Fatal("Failed to load candles")
	}

	strategies := strategist.New(appConfig.DataPath, logger)
	if err := strategies.Load(); err != nil {
		logger.WithError(err).Fatal("Failed to load strategies")
	}

	var trader *transactor.Transactor
	if client.HasKeys() {
		entry, err := strategies.At(settings.Transaction.StrategyIndex)
		if err != nil {
			logger.WithError(err).Fatal("Failed to select strategy")
		}
		trader = transactor.New(transactor.Config{
			DataPath:   appConfig.DataPath,
			Symbols:    symbols,
			AssetToken: settings.Data.AssetToken,
		}, client, col.Candles(), reporter, logger)
		trader.SetSettings(settings.Transaction, entry.Strategy)
		if err := trader.Load(rwlock.NewTask(ctx)); err != nil {
			logger.WithError(err).Fatal("Failed to load transactor records")
		}
	} else {
		logger.Warn("No Binance API keys, running without the transactor")
	}

	connectivity := faulttolerance.NewConnectivityMonitor(faulttolerance.DefaultConnectivityConfig(), logger)
	connectivity.OnDisconnected(col.OnDisconnected)
	connectivity.OnConnected(func() { reporter.Status("is_internet_connected", true) })
	connectivity.OnDisconnected(func() { reporter.Status("is_internet_connected", false) })

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coins, err := coingecko.NewClient(logger).CoinsFor(gctx, symbols, settings.Data.AssetToken)
		if err != nil {
			logger.WithError(err).Warn("Coin metadata unavailable")
			return nil
		}
		reporter.Status("coin_info", coins)
		return nil
	})
	g.Go(func() error { return col.Run(rwlock.NewTask(gctx)) })
	g.Go(func() error { return connectivity.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(rateLimitEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				reporter.Status("rate_limits", client.RateLimits())
			}
		}
	})
	if trader != nil {
		g.Go(func() error { return trader.Run(rwlock.NewTask(gctx)) })
	}

	logger.WithField("symbols", symbols).Info("Workstation started")
	runErr := g.Wait()
	if runErr != nil {
		logger.WithError(runErr).Error("Workstation stopped with error")
	}

	// drain in-flight stream handlers
	time.Sleep(drainTimeout)

	if err := saveAll(logger, col, trader, strategies); err != nil {
		logger.WithError(err).Error("Shutdown saves failed")
		exitCode = 1
		return
	}
	logger.Info("Workstation shutdown complete")
}

// saveAll runs every save task concurrently on a fresh context and waits
// for all of them.
func saveAll(logger logrus.FieldLogger, col *collector.Collector, trader *transactor.Transactor, strategies *strategist.Strategist) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	tasks := map[string]func(ctx context.Context) error{
		"save_candle_data": col.Save,
		"save_strategies":  func(context.Context) error { return strategies.Save() },
	}
	if trader != nil {
		tasks["save_large_data"] = trader.Save
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for name, task := range tasks {
		g.Go(func() error {
			if err := task(rwlock.NewTask(ctx)); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
				return nil
			}
			logger.Infof("Shutdown task %s done", name)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
