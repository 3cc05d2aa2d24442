package ingest

import (
	"log/slog"
	"math"

	"symmetry/internal/metrics"
	"symmetry/internal/model"
)

const (
	maxTickVolume    = 5_000_000
	indexClampVolume = 100
	clampModulus     = 10_000
	resetRatio       = 0.5
	heartbeatVolume  = 1
)

// Identity resolves the canonical key and alias of an instrument and tells
// indices apart from tradable legs.
type Identity interface {
	ToCanonical(key string) string
	ToAlias(key string) string
	IsIndex(key string) bool
}

type dedupKey struct {
	key    string
	source model.Source
}

type lastSeen struct {
	ts     int64
	price  float64
	volume Number
}

// Tracker drops repeated updates and reconstructs per-tick traded quantity
// from cumulative volume counters. It is not safe for concurrent use.
type Tracker struct {
	logger   *slog.Logger
	identity Identity
	metrics  *metrics.Metrics
	last     map[dedupKey]lastSeen
	totals   map[string]float64
}

// NewTracker creates a Tracker.
func NewTracker(logger *slog.Logger, identity Identity, m *metrics.Metrics) *Tracker {
	return &Tracker{
		logger:   logger.With("component", "tracker"),
		identity: identity,
		metrics:  m,
		last:     make(map[dedupKey]lastSeen),
		totals:   make(map[string]float64),
	}
}

// Apply returns the normalized tick for raw, or false if raw repeats the
// previous update of the same instrument and source.
func (t *Tracker) Apply(raw RawTick) (model.Tick, bool) {
	dk := dedupKey{key: raw.Key, source: raw.Source}
	prev, seen := t.last[dk]
	if seen && prev.ts == raw.Timestamp && prev.price == raw.Price && prev.volume == raw.CumVolume {
		t.metrics.RecordDrop("duplicate")
		return model.Tick{}, false
	}
	t.last[dk] = lastSeen{ts: raw.Timestamp, price: raw.Price, volume: raw.CumVolume}

	isIndex := t.identity.IsIndex(raw.Key)
	delta := t.volumeDelta(raw)

	// Indices rarely report traded volume; give each new chart timestamp a
	// unit of volume so candles still carry activity.
	if isIndex && raw.Source.IsChart() && delta <= 0 && (!seen || prev.ts != raw.Timestamp) {
		delta = heartbeatVolume
	}

	if delta > maxTickVolume {
		clamped := math.Mod(delta, clampModulus)
		if isIndex {
			clamped = indexClampVolume
		}
		t.logger.Warn("Tracker: extreme volume detected, clamping", "instrument", raw.Key, "delta", delta, "clamped", clamped)
		t.metrics.RecordVolumeAnomaly()
		delta = clamped
	}

	t.metrics.RecordTick()
	return model.Tick{
		InstrumentKey: raw.Key,
		CanonicalKey:  t.identity.ToCanonical(raw.Key),
		Alias:         t.identity.ToAlias(raw.Key),
		Price:         raw.Price,
		Volume:        delta,
		CumVolume:     raw.CumVolume.Value,
		OI:            raw.OI.Value,
		HasOI:         raw.OI.Valid,
		Timestamp:     raw.Timestamp,
		Source:        raw.Source,
		Interval:      raw.Interval,
	}, true
}

// Chart counters are tracked per interval since each bar restarts its own
// count; quote counters are day totals.
func (t *Tracker) volumeDelta(raw RawTick) float64 {
	if !raw.CumVolume.Valid {
		return 0
	}
	trackerKey := raw.Key + "_daily"
	if raw.Source.IsChart() {
		trackerKey = raw.Key + "_" + raw.Interval + "_candle"
	}

	curr := raw.CumVolume.Value
	prev := t.totals[trackerKey]
	t.totals[trackerKey] = curr

	switch {
	case prev <= 0:
		return 0
	case raw.Source.IsChart() && curr < prev*resetRatio:
		return curr
	default:
		return math.Max(0, curr-prev)
	}
}
