package backtest

import (
	"fmt"
	"path/filepath"
	"strings"

	"symmetry/internal/config"
	"symmetry/internal/engine"
	"symmetry/internal/model"
	"symmetry/internal/provider"
)

// Data file names inside <data_dir>/<index>.
const (
	IndexFile = "index.csv"
	LegAFile  = "leg_a.csv"
	LegBFile  = "leg_b.csv"
)

// Keys returns the instrument keys used for a replay of index. Legs without
// a configured key get a synthetic one.
func Keys(name string, idx config.IndexConfig) model.Instruments {
	keys := model.Instruments{Index: idx.IndexKey, LegA: idx.LegA, LegB: idx.LegB}
	if keys.Index == "" {
		keys.Index = name + "|INDEX"
	}
	if keys.LegA == "" {
		keys.LegA = name + "|LEG_A"
	}
	if keys.LegB == "" {
		keys.LegB = name + "|LEG_B"
	}
	return keys
}

// LoadDir reads the three CSV series of index from dir/<index> and aligns
// them.
func LoadDir(dir, name string, idx config.IndexConfig) ([]engine.Bar, error) {
	base := filepath.Join(dir, strings.ToLower(name))
	keys := Keys(name, idx)

	index, err := provider.LoadCandlesFile(filepath.Join(base, IndexFile), keys.Index, 1)
	if err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	legA, err := provider.LoadCandlesFile(filepath.Join(base, LegAFile), keys.LegA, 1)
	if err != nil {
		return nil, fmt.Errorf("load leg a: %w", err)
	}
	legB, err := provider.LoadCandlesFile(filepath.Join(base, LegBFile), keys.LegB, 1)
	if err != nil {
		return nil, fmt.Errorf("load leg b: %w", err)
	}
	return Align(name, index, legA, legB), nil
}

// Align joins the series on the index timestamps. A leg minute missing from
// its series repeats the leg's previous close as a flat bar, and its OI
// carries forward. Index minutes are never invented.
func Align(name string, index, legA, legB provider.Series) []engine.Bar {
	a := newCursor(legA)
	b := newCursor(legB)
	hasOI := len(legA.OI) > 0 || len(legB.OI) > 0

	bars := make([]engine.Bar, 0, len(index.Candles))
	for _, c := range index.Candles {
		bar := engine.Bar{
			Index: name,
			Start: c.Start,
			Idx:   c,
			HasOI: hasOI,
		}
		bar.LegA, bar.LegAOI = a.at(c.Start)
		bar.LegB, bar.LegBOI = b.at(c.Start)
		bars = append(bars, bar)
	}
	return bars
}

type cursor struct {
	series provider.Series
	next   int
	last   model.Candle
	seen   bool
	oi     float64
}

func newCursor(s provider.Series) *cursor {
	return &cursor{series: s}
}

// at returns the bar starting at ts, or a flat copy of the latest earlier
// bar. Calls must come in ascending ts order.
func (c *cursor) at(ts int64) (model.Candle, float64) {
	candles := c.series.Candles
	for c.next < len(candles) && candles[c.next].Start <= ts {
		c.last = candles[c.next]
		c.seen = true
		if oi, ok := c.series.OI[c.last.Start]; ok {
			c.oi = oi
		}
		c.next++
	}
	if !c.seen {
		return model.Candle{}, 0
	}
	if c.last.Start == ts {
		return c.last, c.oi
	}
	return model.Candle{
		InstrumentKey: c.last.InstrumentKey,
		Interval:      c.last.Interval,
		Start:         ts,
		Open:          c.last.Close,
		High:          c.last.Close,
		Low:           c.last.Close,
		Close:         c.last.Close,
	}, c.oi
}
