package engine

import (
	"context"

	"symmetry/internal/model"
)

// Bar is one aligned minute of index and leg candles for back-tests.
type Bar struct {
	Index string
	Start int64
	Idx   model.Candle
	LegA  model.Candle
	LegB  model.Candle
	// OI readings of the legs, when the data set has them.
	LegAOI float64
	LegBOI float64
	HasOI  bool
}

// ReplayBar feeds a finalized minute to the engine as if it had just
// closed, then evaluates exits and entries at the bar's close. It must run
// on the goroutine that owns the engine.
func (e *Engine) ReplayBar(ctx context.Context, bar Bar) {
	st, ok := e.indices[bar.Index]
	if !ok {
		return
	}
	st.legs = model.Instruments{
		Index: norm(bar.Idx.InstrumentKey),
		LegA:  norm(bar.LegA.InstrumentKey),
		LegB:  norm(bar.LegB.InstrumentKey),
	}
	ts := bar.Start

	legs := []struct {
		c  model.Candle
		oi float64
	}{{bar.LegA, bar.LegAOI}, {bar.LegB, bar.LegBOI}}
	for _, l := range legs {
		if l.c.Close <= 0 {
			continue
		}
		l.c.Start = ts
		e.updateQuote(norm(l.c.InstrumentKey), l.c.Close, l.oi, bar.HasOI, ts)
		e.push(ctx, l.c)
	}

	// the index bar goes last so a new level sees this minute's leg closes
	if bar.Idx.Close > 0 {
		idx := bar.Idx
		idx.Start = ts
		e.updateQuote(st.legs.Index, idx.Close, 0, false, ts)
		e.push(ctx, idx)
	}

	e.evaluate(ctx, st, ts)
}

// push appends a finalized minute and handles it and any 5 minute bar it
// completes like live closes.
func (e *Engine) push(ctx context.Context, c model.Candle) {
	fives := e.agg.PushClosed(c)
	c.InstrumentKey = norm(c.InstrumentKey)
	c.Interval = 1
	e.onCandle(ctx, c)
	for _, f := range fives {
		e.onCandle(ctx, f)
	}
}
