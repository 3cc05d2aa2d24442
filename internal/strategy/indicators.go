package strategy

import (
	"math"

	"github.com/markcheno/go-talib"

	"symmetry/internal/model"
)

// ATR is the average of the last period true ranges. It needs period+1
// candles and returns 0 otherwise.
func ATR(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}
	tr := trueRanges(candles)
	return mean(tr[len(tr)-period:])
}

// RollingATR is ATR with the period shortened to the available history, so
// it is usable from the second candle on.
func RollingATR(candles []model.Candle, period int) float64 {
	if len(candles) < 2 || period <= 0 {
		return 0
	}
	effective := period
	if n := len(candles) - 1; n < effective {
		effective = n
	}
	tr := trueRanges(candles)
	return mean(tr[len(tr)-effective:])
}

// EMA returns the latest exponential moving average of closes, or 0 when
// there are fewer closes than period.
func EMA(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period {
		return 0
	}
	series := talib.Ema(closes, period)
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Velocity is the fractional close-to-close change over lookback candles.
func Velocity(candles []model.Candle, lookback int) float64 {
	if lookback <= 0 || len(candles) < lookback+1 {
		return 0
	}
	past := candles[len(candles)-1-lookback].Close
	if past <= 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - past) / past
}

// AvgVolume is the mean volume of the last period candles.
func AvgVolume(candles []model.Candle, period int) float64 {
	if period <= 0 || len(candles) < period {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-period:] {
		sum += c.Volume
	}
	return sum / float64(period)
}

// Closes extracts close prices.
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// trueRanges drops talib's unused leading slot.
func trueRanges(candles []model.Candle) []float64 {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	return talib.TRange(highs, lows, closes)[1:]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
