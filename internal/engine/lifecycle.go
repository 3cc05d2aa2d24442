package engine

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"

	"symmetry/internal/model"
	"symmetry/internal/provider"
)

// Subscribe registers the engine as a consumer of every tracked instrument.
// It must be called before Run.
func (e *Engine) Subscribe(ctx context.Context) error {
	if e.router == nil {
		return nil
	}
	for _, name := range e.order {
		for _, key := range e.indices[name].legs.Keys() {
			if _, err := e.router.Subscribe(ctx, key, "1", e.cfg.App.ConsumerID); err != nil {
				return fmt.Errorf("subscribe %s: %w", key, err)
			}
		}
	}
	return nil
}

// Warmup replays recent history into the aggregator and swing detector so
// levels exist before live ticks arrive. Bars of the current minute are
// skipped because live ticks will build them. It must be called before Run.
func (e *Engine) Warmup(ctx context.Context) error {
	if e.history == nil || e.cfg.Strategy.WarmupCandles <= 0 {
		return nil
	}
	current := e.now().UnixMilli() / 60_000 * 60_000

	for _, name := range e.order {
		st := e.indices[name]
		// replayed minute by minute with the legs ahead of the index, so a
		// level finds contemporaneous leg closes still inside the ring
		var bars []model.Candle
		for _, key := range []string{st.legs.LegA, st.legs.LegB, st.legs.Index} {
			if key == "" {
				continue
			}
			candles, err := e.history.GetCandles(ctx, key, "1", e.cfg.Strategy.WarmupCandles)
			if err != nil {
				e.logger.Warn("Engine: warm-up fetch failed", "instrument", key, "error", err)
				continue
			}
			n := 0
			for _, c := range candles {
				if c.Start >= current {
					continue
				}
				c.InstrumentKey = key
				bars = append(bars, c)
				n++
			}
			e.logger.Info("Engine: warm-up loaded", "index", name, "instrument", key, "candles", n)
		}
		index := norm(st.legs.Index)
		slices.SortStableFunc(bars, func(a, b model.Candle) int {
			if a.Start != b.Start {
				return cmp.Compare(a.Start, b.Start)
			}
			return cmp.Compare(warmupRank(a, index), warmupRank(b, index))
		})
		for _, c := range bars {
			e.updateQuote(c.InstrumentKey, c.Close, 0, false, c.Start)
			e.push(ctx, c)
		}
	}
	return nil
}

func warmupRank(c model.Candle, index string) int {
	if norm(c.InstrumentKey) == index {
		return 1
	}
	return 0
}

// Recover restores open positions, today's reference levels and today's
// realized PnL. It must be called before Run.
func (e *Engine) Recover(ctx context.Context) error {
	if e.repo == nil {
		return nil
	}
	now := e.now().UnixMilli()
	start := e.risk.StartOfDay(now)

	trades, err := e.repo.OpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("recover trades: %w", err)
	}
	for _, pos := range trades {
		if _, ok := e.indices[pos.Index]; !ok {
			e.logger.Warn("Engine: open trade for unknown index", "index", pos.Index, "id", pos.ID)
			continue
		}
		e.positions.Restore(pos)
		if e.router != nil {
			e.router.Protect(pos.LegAKey, pos.LegBKey)
			for _, k := range []string{pos.LegAKey, pos.LegBKey} {
				if _, err := e.router.Subscribe(ctx, k, "1", e.cfg.App.ConsumerID); err != nil {
					e.logger.Warn("Engine: resubscribe failed", "instrument", k, "error", err)
				}
			}
		}
	}

	levels, err := e.repo.LatestReferenceLevels(ctx, start)
	if err != nil {
		return fmt.Errorf("recover levels: %w", err)
	}
	for _, l := range levels {
		st, ok := e.indices[l.Index]
		if !ok {
			continue
		}
		level := l
		if l.Kind == model.LevelHigh {
			st.high = &level
		} else {
			st.low = &level
		}
	}

	pnl, err := e.repo.RealizedPnL(ctx, start)
	if err != nil {
		return fmt.Errorf("recover pnl: %w", err)
	}
	e.risk.Recover(pnl, now)

	e.logger.Info("Engine: state recovered", "positions", len(trades), "levels", len(levels), "dailyPnL", pnl)
	return nil
}

// RunDiscovery selects the at-the-money legs of every index that needs a
// refresh. It must be called before Run; while running, refreshes are
// scheduled on the engine goroutine.
func (e *Engine) RunDiscovery(ctx context.Context) error {
	if e.chains == nil {
		return nil
	}
	for _, name := range e.order {
		st := e.indices[name]
		if !e.needsRefresh(st) {
			continue
		}
		chain, err := e.chains.GetChain(ctx, st.cfg.Underlying)
		if err != nil {
			e.logger.Error("Engine: option chain fetch failed", "index", name, "error", err)
			continue
		}
		e.applyChain(ctx, st, chain)
	}
	return nil
}

func (e *Engine) needsRefresh(st *indexState) bool {
	if !st.refreshed {
		return true
	}
	price := e.price(st.legs.Index)
	if price <= 0 {
		return false
	}
	return math.Abs(price-st.lastRefreshPrice) >= st.cfg.RefreshThreshold
}

// scheduleRefresh fetches chains off the engine goroutine and applies them
// back on it.
func (e *Engine) scheduleRefresh(ctx context.Context) {
	var due []*indexState
	for _, name := range e.order {
		if st := e.indices[name]; e.needsRefresh(st) {
			due = append(due, st)
		}
	}
	if len(due) == 0 {
		return
	}
	go func() {
		for _, st := range due {
			st := st
			chain, err := e.chains.GetChain(ctx, st.cfg.Underlying)
			if err != nil {
				e.logger.Error("Engine: option chain fetch failed", "index", st.name, "error", err)
				continue
			}
			apply := func(ctx context.Context) { e.applyChain(ctx, st, chain) }
			select {
			case e.commands <- apply:
			case <-ctx.Done():
				return
			}
		}
	}()
}

// applyChain switches the index to the chain's ATM legs. Replaced legs are
// released unless an open position still holds them.
func (e *Engine) applyChain(ctx context.Context, st *indexState, chain provider.Chain) {
	atm, ok := chain.ATM()
	if !ok {
		e.logger.Warn("Engine: option chain has no usable strike", "index", st.name)
		return
	}
	st.refreshed = true
	st.lastRefreshPrice = chain.Spot
	if p := e.price(st.legs.Index); p > 0 {
		st.lastRefreshPrice = p
	}

	next := model.Instruments{Index: st.legs.Index, LegA: norm(atm.CallKey), LegB: norm(atm.PutKey)}
	if next == st.legs {
		return
	}
	prev := st.legs
	st.legs = next
	e.logger.Info("Engine: legs refreshed",
		"index", st.name,
		"strike", atm.Strike,
		"legA", next.LegA,
		"legB", next.LegB,
	)

	if e.router == nil {
		return
	}
	for _, k := range []string{next.LegA, next.LegB} {
		if k == prev.LegA || k == prev.LegB {
			continue
		}
		if _, err := e.router.Subscribe(ctx, k, "1", e.cfg.App.ConsumerID); err != nil {
			e.logger.Error("Engine: leg subscribe failed", "instrument", k, "error", err)
		}
	}
	pos, open := e.positions.Position(st.name)
	for _, k := range []string{prev.LegA, prev.LegB} {
		if k == "" || k == next.LegA || k == next.LegB {
			continue
		}
		if open && (norm(pos.LegAKey) == k || norm(pos.LegBKey) == k) {
			continue
		}
		e.logErr("Failed to release leg", e.router.Unsubscribe(ctx, k, "1", e.cfg.App.ConsumerID), "instrument", k)
	}
}
