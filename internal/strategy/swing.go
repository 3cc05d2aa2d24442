package strategy

import (
	"math"

	"symmetry/internal/config"
	"symmetry/internal/model"
)

// Swing is a confirmed structural extreme. Candle is the bar that printed it.
type Swing struct {
	Kind   model.LevelKind
	Price  float64
	Candle model.Candle
}

// SwingDetector finds walls: a window extreme followed by a strict three
// candle pullback.
type SwingDetector struct {
	window     int
	atrPeriod  int
	multiplier float64
	fallback   float64
}

// NewSwingDetector creates a SwingDetector from strategy settings.
func NewSwingDetector(cfg config.StrategyConfig) *SwingDetector {
	return &SwingDetector{
		window:     cfg.SwingWindow,
		atrPeriod:  cfg.ATRPeriod,
		multiplier: cfg.SwingATRMultiplier,
		fallback:   cfg.SwingFallbackThreshold,
	}
}

// Threshold is the minimum excursion from the window open for a swing.
func (d *SwingDetector) Threshold(candles []model.Candle) float64 {
	atr := ATR(candles, d.atrPeriod)
	if atr <= 0 {
		return d.fallback
	}
	return atr * d.multiplier
}

// Detect inspects ascending candles and reports a swing confirmed by the
// latest candle.
func (d *SwingDetector) Detect(candles []model.Candle) (Swing, bool) {
	if len(candles) < d.window || len(candles) < 4 {
		return Swing{}, false
	}
	threshold := d.Threshold(candles)

	window := candles[len(candles)-d.window:]
	high, low := math.Inf(-1), math.Inf(1)
	for _, c := range window {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}
	start := window[0].Open
	if math.Abs(high-start) <= threshold && math.Abs(low-start) <= threshold {
		return Swing{}, false
	}

	n := len(candles)
	c, p, pp, ppp := candles[n-1], candles[n-2], candles[n-3], candles[n-4]

	if ppp.High == high && pp.High < ppp.High && p.High < pp.High && c.High < p.High {
		return Swing{Kind: model.LevelHigh, Price: ppp.High, Candle: ppp}, true
	}
	if ppp.Low == low && pp.Low > ppp.Low && p.Low > pp.Low && c.Low > p.Low {
		return Swing{Kind: model.LevelLow, Price: ppp.Low, Candle: ppp}, true
	}
	return Swing{}, false
}

// CloseAt returns the close of the candle starting at ts, falling back to
// the latest candle that started before it.
func CloseAt(candles []model.Candle, ts int64) (float64, bool) {
	found := false
	var price float64
	for _, c := range candles {
		if c.Start == ts {
			return c.Close, true
		}
		if c.Start < ts {
			price, found = c.Close, true
		}
	}
	return price, found
}
