package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"symmetry/internal/config"
	"symmetry/internal/database"
	"symmetry/internal/engine"
	"symmetry/internal/execution"
)

// Runner replays aligned bars through a fresh engine and reports on the
// trades it closed.
type Runner struct {
	logger *slog.Logger
	cfg    config.Config
	repo   database.Repository
}

// NewRunner creates a Runner. repo receives every candle, level, signal and
// trade of the replay; it should be empty.
func NewRunner(logger *slog.Logger, cfg config.Config, repo database.Repository) *Runner {
	return &Runner{logger: logger.With("component", "backtest"), cfg: cfg, repo: repo}
}

// Run replays bars for index. Positions still open after the last bar are
// closed at its prices.
func (r *Runner) Run(ctx context.Context, index string, bars []engine.Bar) (Report, error) {
	if _, ok := r.cfg.Indices[index]; !ok {
		return Report{}, fmt.Errorf("unknown index %q", index)
	}
	if len(bars) == 0 {
		return Report{}, fmt.Errorf("no bars for %s", index)
	}

	// only the replayed index takes part
	cfg := r.cfg
	cfg.Indices = map[string]config.IndexConfig{index: r.cfg.Indices[index]}
	last := bars[len(bars)-1].Start
	e := engine.NewEngine(r.logger, r.repo, cfg, engine.Deps{
		Now: func() time.Time { return time.UnixMilli(last) },
	})

	r.logger.Info("Backtest: replay started", "index", index, "bars", len(bars),
		"from", time.UnixMilli(bars[0].Start).UTC(), "to", time.UnixMilli(last).UTC())
	for i, bar := range bars {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}
		}
		e.ReplayBar(ctx, bar)
	}
	e.CloseAll(ctx, execution.ExitEndOfData)

	trades, err := r.repo.ClosedTrades(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load trades: %w", err)
	}
	report := NewReport(index, trades)
	report.Balance = e.Positions().Balance()
	r.logger.Info("Backtest: replay finished",
		"index", index,
		"trades", report.Trades,
		"winRate", report.WinRate,
		"totalPnL", report.TotalPnL,
	)
	return report, nil
}
