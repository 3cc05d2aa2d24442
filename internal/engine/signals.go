package engine

import (
	"context"

	"symmetry/internal/execution"
	"symmetry/internal/model"
	"symmetry/internal/strategy"
)

// Events broadcast on the alerts room.
const (
	EventLevel          = "reference_level"
	EventSignal         = "signal"
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
)

// detectLevel runs swing detection on the index's finalized minutes and
// overwrites the matching reference level.
func (e *Engine) detectLevel(ctx context.Context, st *indexState) {
	swing, ok := e.swings.Detect(e.agg.History(st.legs.Index, 1))
	if !ok {
		return
	}
	ts := swing.Candle.Start
	level := model.ReferenceLevel{
		Index:      st.name,
		Kind:       swing.Kind,
		IndexPrice: swing.Price,
		LegAPrice:  e.closeAt(st.legs.LegA, ts),
		LegBPrice:  e.closeAt(st.legs.LegB, ts),
		LegAKey:    st.legs.LegA,
		LegBKey:    st.legs.LegB,
		Timestamp:  ts,
	}
	if level.LegAPrice <= 0 || level.LegBPrice <= 0 {
		e.logger.Debug("Engine: swing without leg prices", "index", st.name, "kind", swing.Kind)
		return
	}

	if swing.Kind == model.LevelHigh {
		st.high = &level
	} else {
		st.low = &level
	}
	e.logger.Info("Reference level detected",
		"index", st.name,
		"kind", level.Kind,
		"indexPrice", level.IndexPrice,
		"legA", level.LegAPrice,
		"legB", level.LegBPrice,
	)
	e.metrics.RecordLevel(st.name, string(level.Kind))
	if e.repo != nil {
		e.logErr("Failed to save reference level", e.repo.SaveReferenceLevel(ctx, level), "index", st.name)
	}
	e.emit(ctx, EventLevel, level)
}

// closeAt is the leg's close on the bar starting at ts, or the latest bar
// before it. A leg without a finalized bar yields 0 so the level is skipped
// rather than anchored to a quote taken after the swing.
func (e *Engine) closeAt(key string, ts int64) float64 {
	if key == "" {
		return 0
	}
	price, _ := strategy.CloseAt(e.agg.History(key, 1), ts)
	return price
}

func (e *Engine) leg(key string) strategy.Leg {
	l := strategy.Leg{Key: key, Price: e.price(key), Candles: e.agg.History(key, 1)}
	if q, ok := e.quotes[norm(key)]; ok && q.hasOI {
		l.HasOI = true
		l.OIDelta = q.oiDelta
	}
	return l
}

func (e *Engine) snapshot(st *indexState, ts int64) strategy.Snapshot {
	return strategy.Snapshot{
		Index:         st.name,
		Timestamp:     ts,
		IndexPrice:    e.price(st.legs.Index),
		IndexCandles:  e.agg.History(st.legs.Index, 1),
		IndexFive:     e.agg.History(st.legs.Index, 5),
		LegA:          e.leg(st.legs.LegA),
		LegB:          e.leg(st.legs.LegB),
		High:          st.high,
		Low:           st.low,
		RecentSignals: st.signals,
	}
}

func (e *Engine) evaluateEntry(ctx context.Context, st *indexState, ts int64) {
	if st.legs.LegA == "" || st.legs.LegB == "" || (st.high == nil && st.low == nil) {
		return
	}
	sig, evals, ok := e.scorer.Evaluate(e.snapshot(st, ts))
	if !ok {
		for _, ev := range evals {
			if ev.Veto != strategy.VetoNoLevel && ev.Veto != strategy.VetoNoPrice {
				e.logger.Debug("Engine: setup rejected", "index", st.name, "side", ev.Side, "score", ev.Score, "veto", ev.Veto)
			}
		}
		return
	}
	if e.cfg.Strategy.IndexSync && !e.synced(st.name, sig.Side) {
		e.logger.Info("Engine: signal blocked by index sync", "index", st.name, "side", sig.Side)
		return
	}

	st.signals = append(st.signals, sig.Timestamp)
	if n := e.cfg.Strategy.CooldownLookback; n > 0 && len(st.signals) > n {
		st.signals = append([]int64(nil), st.signals[len(st.signals)-n:]...)
	}
	e.logger.Info("Signal generated",
		"index", sig.Index,
		"side", sig.Side,
		"score", sig.Score,
		"factors", sig.Factors,
		"optionPrice", sig.OptionPrice,
		"stop", sig.Stop,
		"target", sig.Target,
	)
	e.metrics.RecordSignal(sig.Index, string(sig.Side))
	if e.repo != nil {
		e.logErr("Failed to save signal", e.repo.SaveSignal(ctx, sig), "index", sig.Index)
	}
	e.emit(ctx, EventSignal, sig)

	if err := e.risk.Allow(e.positions.Count(), ts); err != nil {
		e.logger.Warn("Engine: trade blocked by risk gate", "index", sig.Index, "reason", err)
		return
	}
	pos, err := e.positions.Open(sig, st.legs, st.cfg.LotSize)
	if err != nil {
		e.logger.Warn("Engine: could not open position", "index", sig.Index, "error", err)
		return
	}
	if e.router != nil {
		e.router.Protect(pos.LegAKey, pos.LegBKey)
	}
	if e.repo != nil {
		e.logErr("Failed to log trade", e.repo.LogTrade(ctx, pos), "index", pos.Index)
	}
	e.emit(ctx, EventPositionOpened, pos)
}

// synced reports whether every other index agrees with side. An index is
// bullish when it trades above its High level, or above the open of its
// oldest retained bar when it has no High level.
func (e *Engine) synced(name string, side model.Side) bool {
	bull := side == model.BuyLegA
	for _, other := range e.order {
		if other == name {
			continue
		}
		if !e.trendAgrees(e.indices[other], bull) {
			return false
		}
	}
	return true
}

func (e *Engine) trendAgrees(st *indexState, bull bool) bool {
	ltp := e.price(st.legs.Index)
	if ltp <= 0 {
		return true
	}
	if bull && st.high != nil {
		return ltp > st.high.IndexPrice
	}
	if !bull && st.low != nil {
		return ltp < st.low.IndexPrice
	}
	history := e.agg.History(st.legs.Index, 1)
	if len(history) == 0 {
		return true
	}
	if bull {
		return ltp > history[0].Open
	}
	return ltp < history[0].Open
}

func (e *Engine) evaluateExit(ctx context.Context, st *indexState, pos model.Position, ts int64) {
	opposite := pos.LegBKey
	if pos.Side == model.BuyLegB {
		opposite = pos.LegAKey
	}
	mkt := execution.Market{
		Timestamp:       ts,
		IndexPrice:      e.price(st.legs.Index),
		ActivePrice:     e.price(pos.InstrumentKey),
		ActiveATR:       strategy.RollingATR(e.agg.History(pos.InstrumentKey, 1), e.cfg.Strategy.ATRPeriod),
		OppositeCandles: e.agg.History(opposite, 1),
		High:            st.high,
		Low:             st.low,
	}
	if q, ok := e.quotes[norm(opposite)]; ok && q.hasOI {
		mkt.OppositeHasOI = true
		mkt.OppositeOIDelta = q.oiDelta
	}

	d := e.positions.Evaluate(st.name, mkt)
	if d.StopMoved && e.repo != nil {
		e.logErr("Failed to update trailing stop", e.repo.UpdateTrailingStop(ctx, pos.ID, d.TrailingStop), "index", st.name)
	}
	if d.Exit {
		e.closePosition(ctx, st, mkt.ActivePrice, ts, d.Reason)
	}
}

func (e *Engine) closePosition(ctx context.Context, st *indexState, price float64, ts int64, reason string) {
	closed, err := e.positions.Close(st.name, price, ts, reason)
	if err != nil {
		e.logger.Warn("Engine: could not close position", "index", st.name, "error", err)
		return
	}
	e.risk.Record(closed.PnL, ts)
	e.metrics.RecordClose(st.name, reason)
	if e.repo != nil {
		e.logErr("Failed to close trade", e.repo.CloseTrade(ctx, closed), "index", st.name)
	}
	if e.router != nil {
		e.router.Unprotect(closed.LegAKey, closed.LegBKey)
		// legs replaced while the position was open are no longer needed
		for _, k := range []string{closed.LegAKey, closed.LegBKey} {
			if k != st.legs.LegA && k != st.legs.LegB {
				e.logErr("Failed to release leg", e.router.Unsubscribe(ctx, k, "1", e.cfg.App.ConsumerID), "instrument", k)
			}
		}
	}
	e.emit(ctx, EventPositionClosed, closed)
}

// CloseAll exits every open position at the last known price.
func (e *Engine) CloseAll(ctx context.Context, reason string) {
	for _, pos := range e.positions.Positions() {
		st, ok := e.indices[pos.Index]
		if !ok {
			continue
		}
		e.closePosition(ctx, st, e.price(pos.InstrumentKey), e.lastTimestamp(pos.InstrumentKey), reason)
	}
}

func (e *Engine) lastTimestamp(key string) int64 {
	if q, ok := e.quotes[norm(key)]; ok {
		return q.ts
	}
	return e.now().UnixMilli()
}
