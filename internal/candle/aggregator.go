package candle

import (
	"strings"

	"symmetry/internal/model"
)

const (
	minuteMs = int64(60_000)
	fiveMs   = 5 * minuteMs

	// DefaultMinuteHistory and DefaultFiveHistory bound the retained bars.
	DefaultMinuteHistory = 20
	DefaultFiveHistory   = 10
)

type series struct {
	open    *model.Candle
	five    *model.Candle
	minutes []model.Candle
	fives   []model.Candle
}

// Aggregator rolls ticks into 1 minute bars and derives 5 minute bars from
// finalized 1 minute bars. Bucket boundaries come from tick timestamps.
// It is not safe for concurrent use.
type Aggregator struct {
	maxMinutes int
	maxFives   int
	series     map[string]*series
}

// NewAggregator creates an Aggregator keeping the given history lengths.
func NewAggregator(maxMinutes, maxFives int) *Aggregator {
	if maxMinutes <= 0 {
		maxMinutes = DefaultMinuteHistory
	}
	if maxFives <= 0 {
		maxFives = DefaultFiveHistory
	}
	return &Aggregator{
		maxMinutes: maxMinutes,
		maxFives:   maxFives,
		series:     make(map[string]*series),
	}
}

// Update applies tick and returns the bars it finalized, 1 minute bars
// before 5 minute bars. Ticks without a price are ignored.
func (a *Aggregator) Update(tick model.Tick) []model.Candle {
	if tick.Price <= 0 {
		return nil
	}
	key := strings.ToUpper(tick.InstrumentKey)
	s := a.get(key)
	start := floor(tick.Timestamp, minuteMs)

	if s.open != nil && start <= s.open.Start {
		c := s.open
		if tick.Price > c.High {
			c.High = tick.Price
		}
		if tick.Price < c.Low {
			c.Low = tick.Price
		}
		c.Close = tick.Price
		c.Volume += tick.Volume
		return nil
	}

	var closed []model.Candle
	if s.open != nil {
		bar := *s.open
		closed = append(closed, bar)
		if five, ok := a.addMinute(s, bar); ok {
			closed = append(closed, five)
		}
	}

	// The 5 minute bar closes as soon as a new 5 minute boundary opens.
	if s.five != nil && (start/minuteMs)%5 == 0 && floor(start, fiveMs) > s.five.Start {
		closed = append(closed, a.closeFive(s))
	}

	s.open = &model.Candle{
		InstrumentKey: key,
		Interval:      1,
		Start:         start,
		Open:          tick.Price,
		High:          tick.Price,
		Low:           tick.Price,
		Close:         tick.Price,
	}
	return closed
}

// PushClosed appends an already finalized 1 minute bar, as delivered by a
// historical provider or a back-test, and returns a 5 minute bar if one
// completed.
func (a *Aggregator) PushClosed(c model.Candle) []model.Candle {
	key := strings.ToUpper(c.InstrumentKey)
	c.InstrumentKey = key
	c.Interval = 1
	c.Start = floor(c.Start, minuteMs)
	s := a.get(key)

	var closed []model.Candle
	if five, ok := a.addMinute(s, c); ok {
		closed = append(closed, five)
	}
	// A bar ending on a 5 minute boundary completes its bucket.
	next := c.Start + minuteMs
	if s.five != nil && (next/minuteMs)%5 == 0 && floor(next, fiveMs) > s.five.Start {
		closed = append(closed, a.closeFive(s))
	}
	return closed
}

// History returns a copy of the finalized bars for key, oldest first.
// interval is 1 or 5.
func (a *Aggregator) History(key string, interval int) []model.Candle {
	s, ok := a.series[strings.ToUpper(key)]
	if !ok {
		return nil
	}
	src := s.minutes
	if interval == 5 {
		src = s.fives
	}
	out := make([]model.Candle, len(src))
	copy(out, src)
	return out
}

// Current returns the open 1 minute bar of key.
func (a *Aggregator) Current(key string) (model.Candle, bool) {
	s, ok := a.series[strings.ToUpper(key)]
	if !ok || s.open == nil {
		return model.Candle{}, false
	}
	return *s.open, true
}

// Reset drops all state for key.
func (a *Aggregator) Reset(key string) {
	delete(a.series, strings.ToUpper(key))
}

func (a *Aggregator) get(key string) *series {
	s, ok := a.series[key]
	if !ok {
		s = &series{}
		a.series[key] = s
	}
	return s
}

func (a *Aggregator) addMinute(s *series, bar model.Candle) (model.Candle, bool) {
	s.minutes = appendBounded(s.minutes, bar, a.maxMinutes)

	var closed model.Candle
	var ok bool
	bucket := floor(bar.Start, fiveMs)
	if s.five != nil && bucket > s.five.Start {
		closed, ok = a.closeFive(s), true
	}
	if s.five == nil {
		s.five = &model.Candle{
			InstrumentKey: bar.InstrumentKey,
			Interval:      5,
			Start:         bucket,
			Open:          bar.Open,
			High:          bar.High,
			Low:           bar.Low,
			Close:         bar.Close,
			Volume:        bar.Volume,
		}
		return closed, ok
	}
	f := s.five
	if bar.High > f.High {
		f.High = bar.High
	}
	if bar.Low < f.Low {
		f.Low = bar.Low
	}
	f.Close = bar.Close
	f.Volume += bar.Volume
	return closed, ok
}

func (a *Aggregator) closeFive(s *series) model.Candle {
	five := *s.five
	s.five = nil
	s.fives = appendBounded(s.fives, five, a.maxFives)
	return five
}

func appendBounded(list []model.Candle, c model.Candle, limit int) []model.Candle {
	list = append(list, c)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func floor(ts, width int64) int64 {
	return ts - ts%width
}
