package backtest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symmetry/internal/config"
	"symmetry/internal/database"
	"symmetry/internal/execution"
	"symmetry/internal/model"
	"symmetry/internal/provider"
)

const base = int64(1_700_000_100_000)

func candle(key string, i int, open, high, low, close float64) model.Candle {
	return model.Candle{InstrumentKey: key, Interval: 1, Start: base + int64(i)*60_000, Open: open, High: high, Low: low, Close: close}
}

func TestAlign_FillsLegGaps(t *testing.T) {
	index := provider.Series{Candles: []model.Candle{
		candle("IDX", 0, 10, 11, 9, 10),
		candle("IDX", 1, 10, 12, 10, 11),
		candle("IDX", 2, 11, 13, 11, 12),
	}}
	legA := provider.Series{
		Candles: []model.Candle{candle("A", 0, 5, 6, 4, 5.5), candle("A", 2, 6, 7, 6, 6.5)},
		OI:      map[int64]float64{base: 1000},
	}
	legB := provider.Series{Candles: []model.Candle{candle("B", 1, 3, 4, 3, 3.5), candle("B", 2, 3.5, 4, 3, 3.2)}}

	bars := Align("NIFTY", index, legA, legB)
	require.Len(t, bars, 3)
	for _, b := range bars {
		assert.Equal(t, "NIFTY", b.Index)
		assert.True(t, b.HasOI)
	}

	assert.Equal(t, 5.5, bars[0].LegA.Close)
	assert.Equal(t, 1000.0, bars[0].LegAOI)
	assert.Zero(t, bars[0].LegB.Close, "leg B has not started yet")

	// a missing leg minute is the previous close, flat, with OI carried
	assert.Equal(t, model.Candle{InstrumentKey: "A", Interval: 1, Start: base + 60_000, Open: 5.5, High: 5.5, Low: 5.5, Close: 5.5}, bars[1].LegA)
	assert.Equal(t, 1000.0, bars[1].LegAOI)
	assert.Equal(t, 3.5, bars[1].LegB.Close)

	assert.Equal(t, 6.5, bars[2].LegA.Close)
	assert.Equal(t, 3.2, bars[2].LegB.Close)
}

func TestNewReport(t *testing.T) {
	closed := func(index string, pnl float64, reason string) model.Position {
		return model.Position{Index: index, Status: model.StatusClosed, PnL: pnl, ExitReason: reason}
	}
	trades := []model.Position{
		closed("NIFTY", 100, execution.ExitTrailingStop),
		closed("BANKNIFTY", -1000, execution.ExitHardStop),
		closed("NIFTY", -50, execution.ExitHardStop),
		{Index: "NIFTY", Status: model.StatusOpen},
		closed("NIFTY", 50, execution.ExitTrailingStop),
	}

	r := NewReport("NIFTY", trades)
	assert.Equal(t, 3, r.Trades)
	assert.Equal(t, 2, r.Wins)
	assert.InDelta(t, 66.6667, r.WinRate, 1e-3)
	assert.Equal(t, 100.0, r.TotalPnL)
	assert.InDelta(t, 100.0/3, r.AvgPnL, 1e-9)
	assert.Equal(t, -50.0, r.MaxDrawdown)
	assert.InDelta(t, (100.0/3)/math.Sqrt(17500.0/3)*math.Sqrt(252), r.Sharpe, 1e-9)
	assert.Equal(t, map[string]int{execution.ExitTrailingStop: 2, execution.ExitHardStop: 1}, r.Exits)
}

func TestNewReport_Edges(t *testing.T) {
	empty := NewReport("NIFTY", nil)
	assert.Zero(t, empty.Trades)
	assert.Zero(t, empty.WinRate)

	// an opening loss is not a drawdown from a peak
	r := NewReport("", []model.Position{
		{Index: "NIFTY", Status: model.StatusClosed, PnL: -100},
		{Index: "NIFTY", Status: model.StatusClosed, PnL: 50},
	})
	assert.Zero(t, r.MaxDrawdown)

	single := NewReport("", []model.Position{{Status: model.StatusClosed, PnL: 10}})
	assert.Zero(t, single.Sharpe)
	assert.Equal(t, 100.0, single.WinRate)
}

func writeSeries(t *testing.T, path string, rows []model.Candle) {
	t.Helper()
	var b strings.Builder
	b.WriteString("ts,open,high,low,close,volume\n")
	for _, c := range rows {
		fmt.Fprintf(&b, "%d,%g,%g,%g,%g,%g\n", c.Start, c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

// writeSetup writes an index impulse to a High wall with a three bar
// pullback and a retest where the call outruns its wall price.
func writeSetup(t *testing.T, dir string) {
	t.Helper()
	idxMid := []float64{1000, 1004, 1008, 1012, 1016, 1020, 1024, 1028, 1032, 1036, 1040, 1044, 1040, 1036, 1032, 1049}
	ce := []float64{100, 102, 104, 106, 108, 110, 112, 114, 116, 118, 120, 122, 118, 115, 112, 130}
	pe := []float64{150, 148, 146, 144, 142, 140, 138, 136, 134, 132, 130, 128, 131, 134, 137, 120}

	var index, legA, legB []model.Candle
	for i := range idxMid {
		index = append(index, candle("", i, idxMid[i], idxMid[i]+5, idxMid[i]-5, idxMid[i]))
		prevCE, prevPE := ce[max(i-1, 0)], pe[max(i-1, 0)]
		legA = append(legA, candle("", i, prevCE, max(prevCE, ce[i])+1, min(prevCE, ce[i])-1, ce[i]))
		legB = append(legB, candle("", i, prevPE, max(prevPE, pe[i])+1, min(prevPE, pe[i])-1, pe[i]))
	}
	sub := filepath.Join(dir, "nifty")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeSeries(t, filepath.Join(sub, IndexFile), index)
	writeSeries(t, filepath.Join(sub, LegAFile), legA)
	writeSeries(t, filepath.Join(sub, LegBFile), legB)
}

func TestRunner_ReplaysDataDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeSetup(t, dir)

	cfg := config.Default()
	cfg.Indices = map[string]config.IndexConfig{"NIFTY": {IndexKey: "NSE_INDEX|NIFTY 50", LotSize: 75}}

	bars, err := LoadDir(dir, "NIFTY", cfg.Indices["NIFTY"])
	require.NoError(t, err)
	require.Len(t, bars, 16)
	assert.Equal(t, "NIFTY|LEG_A", bars[0].LegA.InstrumentKey)
	assert.False(t, bars[0].HasOI)

	repo, err := database.NewSQLiteRepository(ctx, ":memory:")
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.Migrate(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	report, err := NewRunner(logger, cfg, repo).Run(ctx, "NIFTY", bars)
	require.NoError(t, err)

	// the retest opens the call, the data ends with it still held
	assert.Equal(t, 1, report.Trades)
	assert.Equal(t, map[string]int{execution.ExitEndOfData: 1}, report.Exits)
	assert.Less(t, report.TotalPnL, 0.0)
	assert.Less(t, report.Balance, cfg.Execution.InitialBalance)

	open, err := repo.OpenTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRunner_RejectsUnknownIndex(t *testing.T) {
	r := NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)), config.Default(), nil)
	_, err := r.Run(context.Background(), "SENSEX", nil)
	assert.ErrorContains(t, err, "unknown index")
}
