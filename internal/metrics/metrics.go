package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	TicksProcessed   prometheus.Counter
	TicksDropped     *prometheus.CounterVec
	VolumeAnomalies  prometheus.Counter
	CandlesClosed    *prometheus.CounterVec
	LevelsDetected   *prometheus.CounterVec
	Signals          *prometheus.CounterVec
	PositionsClosed  *prometheus.CounterVec
	FlushBatches     *prometheus.CounterVec
	BufferSize       prometheus.Gauge
	BroadcastSkipped prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
}

// New creates and registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "symmetry_ticks_processed_total",
			Help: "Normalized ticks accepted after deduplication",
		}),
		TicksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_ticks_dropped_total",
			Help: "Inbound ticks or messages dropped, by reason",
		}, []string{"reason"}),
		VolumeAnomalies: f.NewCounter(prometheus.CounterOpts{
			Name: "symmetry_volume_anomalies_total",
			Help: "Volume deltas clamped as corrupt",
		}),
		CandlesClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_candles_closed_total",
			Help: "Finalized candles by interval",
		}, []string{"interval"}),
		LevelsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_reference_levels_total",
			Help: "Confirmed reference levels by index and kind",
		}, []string{"index", "kind"}),
		Signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_signals_total",
			Help: "Accepted signals by index and side",
		}, []string{"index", "side"}),
		PositionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_positions_closed_total",
			Help: "Closed positions by index and exit reason",
		}, []string{"index", "reason"}),
		FlushBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_flush_batches_total",
			Help: "Tick batch flushes by outcome",
		}, []string{"outcome"}),
		BufferSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "symmetry_tick_buffer_size",
			Help: "Ticks waiting in the persistence buffer",
		}),
		BroadcastSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "symmetry_broadcasts_skipped_total",
			Help: "Broadcasts skipped because the room had no subscribers",
		}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "symmetry_errors_total",
			Help: "Total number of errors by component and type",
		}, []string{"component", "error_type"}),
	}
}

// RecordTick increments the accepted tick counter.
func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.TicksProcessed.Inc()
}

// RecordDrop counts a dropped tick or message.
func (m *Metrics) RecordDrop(reason string) {
	if m == nil {
		return
	}
	m.TicksDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordVolumeAnomaly() {
	if m == nil {
		return
	}
	m.VolumeAnomalies.Inc()
}

func (m *Metrics) RecordCandle(interval string) {
	if m == nil {
		return
	}
	m.CandlesClosed.WithLabelValues(interval).Inc()
}

func (m *Metrics) RecordLevel(index, kind string) {
	if m == nil {
		return
	}
	m.LevelsDetected.WithLabelValues(index, kind).Inc()
}

func (m *Metrics) RecordSignal(index, side string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(index, side).Inc()
}

func (m *Metrics) RecordClose(index, reason string) {
	if m == nil {
		return
	}
	m.PositionsClosed.WithLabelValues(index, reason).Inc()
}

// RecordFlush counts a flush attempt outcome: ok, retry or failed.
func (m *Metrics) RecordFlush(outcome string) {
	if m == nil {
		return
	}
	m.FlushBatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.BufferSize.Set(float64(n))
}

func (m *Metrics) RecordBroadcastSkipped() {
	if m == nil {
		return
	}
	m.BroadcastSkipped.Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
