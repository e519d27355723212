// Package simulator replays a strategy over recorded candles, one 10 second
// bar at a time, and keeps the results per strategy version and year so
// later runs only simulate what is new.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/navid-fn/perpdesk/internal/candle"
	"github.com/navid-fn/perpdesk/internal/indicator"
	"github.com/navid-fn/perpdesk/internal/models"
	"github.com/navid-fn/perpdesk/internal/monitor"
	"github.com/navid-fn/perpdesk/internal/strategist"
	"github.com/navid-fn/perpdesk/internal/workerpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// Request describes one simulation.
type Request struct {
	Info    models.StrategyInfo
	New     strategist.Factory
	Symbols []string
	Year    int
	Params  Params
}

// Simulator runs requests on a worker pool and persists their state under
// datapath.
type Simulator struct {
	datapath string
	pool     *workerpool.Pool
	logger   logrus.FieldLogger
	progress monitor.Progress
}

func New(datapath string, pool *workerpool.Pool, logger logrus.FieldLogger) *Simulator {
	return &Simulator{
		datapath: datapath,
		pool:     pool,
		logger:   logger.WithField("component", "simulator"),
		progress: monitor.Discard{},
	}
}

// WithProgress reports simulated bars to p.
func (s *Simulator) WithProgress(p monitor.Progress) *Simulator {
	s.progress = p
	return s
}

type span struct {
	from, to int64
}

// chunks splits [from, to) at multiples of days since the epoch. days ≤ 0
// yields a single span.
func chunks(from, to int64, days int) []span {
	if from >= to {
		return nil
	}
	if days <= 0 {
		return []span{{from, to}}
	}
	size := int64(days) * dayMs
	var out []span
	for start := from; start < to; {
		end := (start/size + 1) * size
		if end > to {
			end = to
		}
		out = append(out, span{start, end})
		start = end
	}
	return out
}

// Run simulates req over candles, resuming from persisted state, and saves
// the result. candles must cover the year plus the indicator warm-up before
// it and must not be written to while Run is in progress. Nothing is saved
// when the run fails.
func (s *Simulator) Run(ctx context.Context, req Request, candles *candle.Frame) (*State, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"strategy": req.Info.CodeName,
		"version":  req.Info.Version,
		"year":     req.Year,
	})
	if req.New == nil {
		return nil, errors.New("simulation request has no strategy")
	}

	paths := PathsFor(s.datapath, req.Info.CodeName, req.Info.Version, req.Year)
	yearStart, yearEnd := candle.YearBounds(req.Year)

	state := BlankState(req.Symbols, time.UnixMilli(yearStart).UTC())
	if paths.Exists() {
		loaded, err := LoadState(paths)
		if err != nil {
			return nil, err
		}
		state = loaded
		state.ensureSymbols(req.Symbols)
	}

	from := state.Account.ObservedUntil.UnixMilli()
	if from < yearStart {
		from = yearStart
	}
	to := yearEnd
	if n := candles.Len(); n > 0 && candles.Index[n-1]+candle.Interval < to {
		to = candles.Index[n-1] + candle.Interval
	}

	days := 0
	if d := req.Info.ParallelSimulationChunkDays; d != nil {
		days = *d
	}
	spans := chunks(from, to, days)
	if len(spans) == 0 {
		logger.Info("Simulation is up to date")
		return state, nil
	}
	logger.Infof("Simulating %s to %s in %d chunks",
		time.UnixMilli(from).UTC().Format(time.DateTime), time.UnixMilli(to).UTC().Format(time.DateTime), len(spans))

	s.progress.SetTotal(int((to - from) / candle.Interval))
	defer s.progress.Done()

	results := make([]*State, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range spans {
		g.Go(func() error {
			return s.pool.Do(gctx, func(ctx context.Context) error {
				var seed *State
				if i == 0 {
					seed = state.Clone()
				} else {
					seed = BlankState(req.Symbols, time.UnixMilli(sp.from).UTC())
				}
				if err := s.runChunk(ctx, req, candles, sp, seed); err != nil {
					return err
				}
				results[i] = seed
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Simulation failed, discarding results")
		return nil, err
	}

	final := chain(results)
	if err := SaveState(paths, final); err != nil {
		return nil, err
	}
	logger.Infof("Simulation finished with wallet %.6f", final.Account.WalletBalance)
	return final, nil
}

func (s *Simulator) runChunk(ctx context.Context, req Request, candles *candle.Frame, sp span, state *State) error {
	strategy := req.New()

	view := candles.Slice(sp.from-indicator.WarmUpDays*dayMs, sp.to)
	ind, err := indicator.Compute(ctx, strategy, req.Symbols, view)
	if err != nil {
		return fmt.Errorf("chunk from %s: %w", time.UnixMilli(sp.from).UTC().Format(time.DateOnly), err)
	}
	ind.TrimBefore(sp.from)
	bars := view.Interpolated().Slice(sp.from, sp.to)

	k := newKernel(strategy, req.Symbols, req.Params, uint64(sp.from), state)
	k.advance = s.progress.Advance
	return k.run(ctx, bars, ind)
}

// chain joins chunk results in order. Every chunk after the first started
// from InitialWallet, so it is rescaled to the wallet the previous one ended
// with and its opening row is dropped.
func chain(results []*State) *State {
	final := results[0]
	for _, r := range results[1:] {
		r.Scale(final.Account.WalletBalance / InitialWallet)
		if len(r.AssetRecord.Rows) > 0 && r.AssetRecord.Rows[0].Cause == models.Other {
			r.AssetRecord.Rows = r.AssetRecord.Rows[1:]
		}
		final.AssetRecord.Append(r.AssetRecord)
		final.Unrealized.Merge(r.Unrealized)
		final.Account = r.Account
		final.Virtual = r.Virtual
		final.Scribbles = r.Scribbles
	}
	return final
}
