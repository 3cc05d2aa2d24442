package model

import "time"

// Source tags where a tick came from. Chart-derived ticks carry per-bar
// cumulative volume that restarts when a new bar opens.
type Source string

const (
	SourceQuote Source = "quote"
	SourceChart Source = "chart"
)

// IsChart reports whether the source is a candle/snapshot counter.
func (s Source) IsChart() bool {
	return s == SourceChart
}

// Tick is a normalized market update for a single instrument.
type Tick struct {
	InstrumentKey string  `json:"instrument_key"`
	CanonicalKey  string  `json:"canonical_key"`
	Alias         string  `json:"alias"`
	Price         float64 `json:"price"`
	Volume        float64 `json:"volume"`
	CumVolume     float64 `json:"cum_volume"`
	OI            float64 `json:"oi,omitempty"`
	HasOI         bool    `json:"-"`
	Timestamp     int64   `json:"ts_ms"`
	Source        Source  `json:"source"`
	Interval      string  `json:"-"`
}

// Time returns the tick timestamp as a time.Time.
func (t Tick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// Candle is an OHLCV bar. Start is the bucket start in milliseconds.
type Candle struct {
	InstrumentKey string  `json:"instrument_key"`
	Interval      int     `json:"interval"`
	Start         int64   `json:"start"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
}

// Green reports whether the bar closed above its open.
func (c Candle) Green() bool {
	return c.Close > c.Open
}

// LevelKind distinguishes resistance from support.
type LevelKind string

const (
	LevelHigh LevelKind = "High"
	LevelLow  LevelKind = "Low"
)

// ReferenceLevel is a confirmed swing extreme of an index together with the
// leg prices observed on the bar where the extreme printed.
type ReferenceLevel struct {
	Index      string    `json:"index"`
	Kind       LevelKind `json:"kind"`
	IndexPrice float64   `json:"index_price"`
	LegAPrice  float64   `json:"leg_a_price"`
	LegBPrice  float64   `json:"leg_b_price"`
	LegAKey    string    `json:"leg_a_key"`
	LegBKey    string    `json:"leg_b_key"`
	Timestamp  int64     `json:"ts_ms"`
}

// Side is the direction of a signal. Leg A is the call, leg B the put.
type Side string

const (
	BuyLegA Side = "BUY_LEG_A"
	BuyLegB Side = "BUY_LEG_B"
)

// Signal is an accepted confluence setup.
type Signal struct {
	ID          string   `json:"id"`
	Index       string   `json:"index"`
	Side        Side     `json:"side"`
	IndexPrice  float64  `json:"index_price"`
	OptionPrice float64  `json:"option_price"`
	Stop        float64  `json:"stop"`
	Target      float64  `json:"target"`
	Score       int      `json:"score"`
	Factors     []string `json:"factors"`
	Timestamp   int64    `json:"ts_ms"`
}

// PositionStatus is the lifecycle state of a trade.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// Position is a single trade on one leg of an index. It is persisted as one
// trade row that is updated when the position closes.
type Position struct {
	ID            string         `json:"id"`
	Index         string         `json:"index"`
	Side          Side           `json:"side"`
	InstrumentKey string         `json:"instrument_key"`
	LegAKey       string         `json:"leg_a_key"`
	LegBKey       string         `json:"leg_b_key"`
	EntryPrice    float64        `json:"entry_price"`
	Quantity      float64        `json:"quantity"`
	Stop          float64        `json:"stop"`
	Target        float64        `json:"target"`
	TrailingStop  float64        `json:"trailing_stop"`
	Status        PositionStatus `json:"status"`
	ExitPrice     float64        `json:"exit_price"`
	ExitReason    string         `json:"exit_reason"`
	PnL           float64        `json:"pnl"`
	EntryTime     int64          `json:"entry_ts_ms"`
	ExitTime      int64          `json:"exit_ts_ms"`
}

// Instruments groups the three streams tracked for one index.
type Instruments struct {
	Index string `json:"index"`
	LegA  string `json:"leg_a"`
	LegB  string `json:"leg_b"`
}

// Keys returns the non-empty keys of the set.
func (i Instruments) Keys() []string {
	keys := make([]string, 0, 3)
	for _, k := range []string{i.Index, i.LegA, i.LegB} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
