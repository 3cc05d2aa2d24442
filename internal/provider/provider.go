package provider

import (
	"context"
	"math"

	"symmetry/internal/model"
)

// HistoricalProvider serves finalized candles for warm-up and replay.
type HistoricalProvider interface {
	GetCandles(ctx context.Context, instrumentKey, interval string, count int) ([]model.Candle, error)
}

// ChainProvider serves option chains for leg discovery.
type ChainProvider interface {
	GetChain(ctx context.Context, underlying string) (Chain, error)
}

// Strike is one row of an option chain.
type Strike struct {
	Strike  float64 `json:"strike"`
	CallKey string  `json:"call_key"`
	PutKey  string  `json:"put_key"`
	Expiry  string  `json:"expiry"`
}

// Chain is the option chain of an underlying at a spot price.
type Chain struct {
	Spot    float64  `json:"spot"`
	Strikes []Strike `json:"strikes"`
}

// ATM returns the strike nearest to spot that has both legs listed. Ties
// go to the lower strike.
func (c Chain) ATM() (Strike, bool) {
	var best Strike
	found := false
	for _, s := range c.Strikes {
		if s.CallKey == "" || s.PutKey == "" {
			continue
		}
		if !found {
			best, found = s, true
			continue
		}
		d, bd := math.Abs(s.Strike-c.Spot), math.Abs(best.Strike-c.Spot)
		if d < bd || (d == bd && s.Strike < best.Strike) {
			best = s
		}
	}
	return best, found
}
