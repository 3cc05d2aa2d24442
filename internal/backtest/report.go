package backtest

import (
	"math"

	"symmetry/internal/model"
)

// Report summarizes the closed trades of a replay.
type Report struct {
	Index       string
	Trades      int
	Wins        int
	WinRate     float64
	TotalPnL    float64
	AvgPnL      float64
	MaxDrawdown float64
	// Sharpe is mean over sample deviation of trade PnL, annualized by
	// sqrt(252).
	Sharpe  float64
	Balance float64
	Exits   map[string]int
}

// NewReport computes a Report over trades in close order.
func NewReport(index string, trades []model.Position) Report {
	r := Report{Index: index, Exits: make(map[string]int)}
	pnls := make([]float64, 0, len(trades))
	for _, t := range trades {
		if t.Status != model.StatusClosed || (index != "" && t.Index != index) {
			continue
		}
		pnls = append(pnls, t.PnL)
		r.Exits[t.ExitReason]++
	}
	r.Trades = len(pnls)
	if r.Trades == 0 {
		return r
	}

	// drawdown is measured from the best cumulative PnL reached so far
	peak, cum := math.Inf(-1), 0.0
	for _, p := range pnls {
		if p > 0 {
			r.Wins++
		}
		r.TotalPnL += p
		cum += p
		peak = math.Max(peak, cum)
		r.MaxDrawdown = math.Min(r.MaxDrawdown, cum-peak)
	}
	r.WinRate = float64(r.Wins) / float64(r.Trades) * 100
	r.AvgPnL = r.TotalPnL / float64(r.Trades)

	if r.Trades > 1 {
		var ss float64
		for _, p := range pnls {
			ss += (p - r.AvgPnL) * (p - r.AvgPnL)
		}
		if std := math.Sqrt(ss / float64(r.Trades-1)); std > 0 {
			r.Sharpe = r.AvgPnL / std * math.Sqrt(252)
		}
	}
	return r
}
