package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"symmetry/internal/metrics"
	"symmetry/internal/model"
)

// Emitter broadcasts an event to rooms that have listeners.
type Emitter interface {
	Emit(ctx context.Context, event string, rooms []string, payload any)
}

// RoomNamer lists the broadcast rooms of an instrument.
type RoomNamer interface {
	Rooms(key string) []string
}

// Buffer accepts ticks for persistence.
type Buffer interface {
	Add(ticks ...model.Tick)
}

// ChartEvent is the chart_update broadcast payload.
type ChartEvent struct {
	InstrumentKey string          `json:"instrumentKey"`
	Interval      string          `json:"interval"`
	Data          json.RawMessage `json:"data"`
}

// Pipeline runs every inbound frame through normalization, deduplication,
// broadcast, persistence and hands accepted ticks to the strategy loop.
type Pipeline struct {
	logger       *slog.Logger
	normalizer   *Normalizer
	tracker      *Tracker
	emitter      Emitter
	rooms        RoomNamer
	buffer       Buffer
	metrics      *metrics.Metrics
	rawTickEvery time.Duration
	lastRawEmit  time.Time
	now          func() time.Time
}

// NewPipeline creates a Pipeline. emitter and buffer may be nil.
func NewPipeline(logger *slog.Logger, normalizer *Normalizer, tracker *Tracker, emitter Emitter, rooms RoomNamer, buffer Buffer, m *metrics.Metrics, rawTickEvery time.Duration) *Pipeline {
	return &Pipeline{
		logger:       logger.With("component", "pipeline"),
		normalizer:   normalizer,
		tracker:      tracker,
		emitter:      emitter,
		rooms:        rooms,
		buffer:       buffer,
		metrics:      m,
		rawTickEvery: rawTickEvery,
		now:          time.Now,
	}
}

// Run consumes frames until ctx is cancelled or frames is closed.
func (p *Pipeline) Run(ctx context.Context, frames <-chan []byte, out chan<- []model.Tick) error {
	p.logger.Info("Pipeline: started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Pipeline: context cancelled, shutting down")
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			ticks := p.Handle(ctx, frame)
			if len(ticks) == 0 || out == nil {
				continue
			}
			select {
			case out <- ticks:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Handle processes one frame and returns the ticks that survived
// deduplication. Malformed frames are logged and dropped.
func (p *Pipeline) Handle(ctx context.Context, frame []byte) []model.Tick {
	msg, err := Decode(frame)
	if err != nil {
		p.logger.Warn("Pipeline: dropping malformed message", "error", err)
		p.metrics.RecordDrop("malformed")
		return nil
	}

	if msg.Type == chartUpdate && msg.InstrumentKey != "" {
		p.emitChart(ctx, msg)
	}

	raws, err := p.normalizer.Normalize(msg)
	if err != nil {
		p.logger.Warn("Pipeline: dropping unreadable chart payload", "instrument", msg.InstrumentKey, "error", err)
		p.metrics.RecordDrop("malformed")
		return nil
	}

	ticks := make([]model.Tick, 0, len(raws))
	for _, raw := range raws {
		if raw.Price <= 0 {
			p.metrics.RecordDrop("no_price")
			continue
		}
		tick, ok := p.tracker.Apply(raw)
		if !ok {
			continue
		}
		ticks = append(ticks, tick)
	}
	if len(ticks) == 0 {
		return nil
	}

	p.emitRawTicks(ctx, ticks)
	if p.buffer != nil {
		p.buffer.Add(ticks...)
	}
	return ticks
}

func (p *Pipeline) emitChart(ctx context.Context, msg Message) {
	if p.emitter == nil {
		return
	}
	key := strings.ToUpper(msg.InstrumentKey)
	interval := string(msg.Interval)
	if interval == "" {
		interval = "1"
	}
	p.emitter.Emit(ctx, "chart_update", p.rooms.Rooms(key), ChartEvent{
		InstrumentKey: msg.InstrumentKey,
		Interval:      interval,
		Data:          msg.Data,
	})
}

// raw_tick is throttled globally; chart_update is not.
func (p *Pipeline) emitRawTicks(ctx context.Context, ticks []model.Tick) {
	if p.emitter == nil {
		return
	}
	now := p.now()
	if !p.lastRawEmit.IsZero() && now.Sub(p.lastRawEmit) <= p.rawTickEvery {
		return
	}
	for _, tick := range ticks {
		for _, room := range p.rooms.Rooms(tick.InstrumentKey) {
			p.emitter.Emit(ctx, "raw_tick", []string{room}, map[string]model.Tick{room: tick})
		}
	}
	p.lastRawEmit = now
}
