package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/navid-fn/perpdesk/configs"
	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/rwlock"
	"github.com/navid-fn/perpdesk/internal/simulator"
	"github.com/navid-fn/perpdesk/internal/strategist"
	"github.com/navid-fn/perpdesk/internal/workerpool"
	"github.com/sirupsen/logrus"
)

func main() {
	year := flag.Int("year", 0, "Year to simulate (defaults to simulation settings)")
	workers := flag.Int("workers", runtime.NumCPU(), "Parallel simulation chunks")
	flag.Parse()

	appConfig := configs.AppLoad()
	logger := configs.NewLogger(appConfig.LogLevel)

	settings, err := configs.LoadSettings(appConfig.DataPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load settings")
	}
	sim := settings.Simulation
	if *year != 0 {
		sim.Year = *year
	}
	symbols := settings.Data.TargetSymbols

	strategies := strategist.New(appConfig.DataPath, logger)
	if err := strategies.Load(); err != nil {
		logger.WithError(err).Fatal("Failed to load strategies")
	}
	entry, err := strategies.At(sim.StrategyIndex)
	if err != nil {
		logger.WithError(err).Fatal("Failed to select strategy")
	}
	factory, err := strategist.FactoryFor(entry.Info.CodeName)
	if err != nil {
		logger.WithError(err).Fatal("Strategy has no implementation")
	}

	// The previous year supplies the indicator warm-up.
	frame, err := candle.LoadYears(appConfig.DataPath, []int{sim.Year - 1, sim.Year}, symbols)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load candles")
	}
	frame.Organize()

	pool := workerpool.New(*workers, logger)
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := simulator.New(appConfig.DataPath, pool, logger).
		WithProgress(monitor.NewLogProgress("simulation", logger))
	state, err := runner.Run(rwlock.NewTask(ctx), simulator.Request{
		Info:    entry.Info,
		New:     factory,
		Symbols: symbols,
		Year:    sim.Year,
		Params:  simulator.ParamsFrom(sim),
	}, frame)
	if err != nil {
		logger.WithError(err).Fatal("Simulation failed")
	}

	last, _ := state.AssetRecord.Last()
	logger.WithFields(logrus.Fields{
		"strategy": entry.Info.CodeName,
		"year":     sim.Year,
		"rows":     state.AssetRecord.Len(),
		"asset":    last.ResultAsset,
	}).Info("Simulation finished")
}
