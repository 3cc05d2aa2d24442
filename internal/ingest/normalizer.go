package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"symmetry/internal/model"
)

// RawTick is a parsed but not yet deduplicated feed update.
type RawTick struct {
	Key       string
	Price     float64
	CumVolume Number
	OI        Number
	Timestamp int64
	Source    model.Source
	Interval  string
}

// IntervalSelector reports the most granular active interval for a key.
type IntervalSelector interface {
	PrimaryInterval(key string) string
}

// Normalizer turns feed messages into raw ticks.
type Normalizer struct {
	intervals IntervalSelector
	now       func() time.Time
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(intervals IntervalSelector) *Normalizer {
	return &Normalizer{intervals: intervals, now: time.Now}
}

// Normalize extracts ticks from msg. A chart snapshot yields a tick only
// when its interval is the primary one for the instrument, so concurrently
// streamed intervals are not double counted.
func (n *Normalizer) Normalize(msg Message) ([]RawTick, error) {
	var ticks []RawTick
	if msg.Type == chartUpdate && msg.InstrumentKey != "" && len(msg.Data) > 0 {
		tick, ok, err := n.fromChart(msg)
		if err != nil {
			return nil, err
		}
		if ok {
			ticks = append(ticks, tick)
		}
	}
	if len(ticks) > 0 {
		return ticks, nil
	}

	for key, datum := range msg.Feeds {
		if key == "" {
			continue
		}
		source := model.SourceQuote
		if isChartSource(datum.Source) {
			source = model.SourceChart
		}
		interval := datum.Interval
		if interval == "" {
			interval = "1"
		}
		ticks = append(ticks, RawTick{
			Key:       strings.ToUpper(key),
			Price:     datum.LastPrice.Value,
			CumVolume: datum.Volume(),
			OI:        datum.OI,
			Timestamp: n.normalizeTs(datum.TsMs),
			Source:    source,
			Interval:  interval,
		})
	}
	return ticks, nil
}

func (n *Normalizer) fromChart(msg Message) (RawTick, bool, error) {
	interval := string(msg.Interval)
	if interval == "" {
		interval = "1"
	}
	key := strings.ToUpper(msg.InstrumentKey)
	if n.intervals != nil && interval != n.intervals.PrimaryInterval(key) {
		return RawTick{}, false, nil
	}

	var data ChartData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return RawTick{}, false, err
	}
	if len(data.OHLCV) == 0 {
		return RawTick{}, false, nil
	}
	bar := data.OHLCV[len(data.OHLCV)-1]
	if len(bar) < 6 {
		return RawTick{}, false, nil
	}

	return RawTick{
		Key:       key,
		Price:     bar[4].Value,
		CumVolume: bar[5],
		Timestamp: n.normalizeTs(bar[0]),
		Source:    model.SourceChart,
		Interval:  interval,
	}, true, nil
}

// Seconds-resolution timestamps are promoted to milliseconds.
func (n *Normalizer) normalizeTs(ts Number) int64 {
	if !ts.Valid || ts.Value == 0 {
		return n.now().UnixMilli()
	}
	v := int64(ts.Value)
	if v > 0 && v < 10_000_000_000 {
		v *= 1000
	}
	return v
}

func isChartSource(source string) bool {
	switch strings.ToLower(source) {
	case "chart", "candle", "tv_chart_fallback":
		return true
	}
	return false
}
