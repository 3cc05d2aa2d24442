package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"symmetry/internal/config"
)

var (
	// ErrDailyLoss is returned once realized losses for the day reach the cap.
	ErrDailyLoss = errors.New("max daily loss reached")
	// ErrMaxPositions is returned when the open position cap is reached.
	ErrMaxPositions = errors.New("max open positions reached")
)

// Gate enforces the daily loss cap and the open position cap. The daily
// PnL resets when a timestamp from a new calendar day is seen.
type Gate struct {
	mu       sync.Mutex
	cfg      config.RiskConfig
	loc      *time.Location
	day      string
	dailyPnL float64
}

// NewGate creates a Gate that buckets days in loc (UTC when nil).
func NewGate(cfg config.RiskConfig, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{cfg: cfg, loc: loc}
}

// Allow reports whether a new position may be opened at ts (unix ms) with
// open positions already held.
func (g *Gate) Allow(open int, ts int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(ts)

	if g.cfg.MaxDailyLoss > 0 && g.dailyPnL <= -g.cfg.MaxDailyLoss {
		return fmt.Errorf("%w: %.2f", ErrDailyLoss, g.dailyPnL)
	}
	if g.cfg.MaxPositions > 0 && open >= g.cfg.MaxPositions {
		return fmt.Errorf("%w: %d", ErrMaxPositions, open)
	}
	return nil
}

// Record adds realized PnL of a trade closed at ts.
func (g *Gate) Record(pnl float64, ts int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(ts)
	g.dailyPnL += pnl
}

// Recover seeds the day's realized PnL after a restart.
func (g *Gate) Recover(pnl float64, ts int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.day = g.dayOf(ts)
	g.dailyPnL = pnl
}

// DailyPnL returns realized PnL for the current day.
func (g *Gate) DailyPnL() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dailyPnL
}

// StartOfDay returns the start of the day containing ts in the gate's zone.
func (g *Gate) StartOfDay(ts int64) time.Time {
	t := time.UnixMilli(ts).In(g.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, g.loc)
}

func (g *Gate) roll(ts int64) {
	if day := g.dayOf(ts); day != g.day {
		g.day = day
		g.dailyPnL = 0
	}
}

func (g *Gate) dayOf(ts int64) string {
	return time.UnixMilli(ts).In(g.loc).Format(time.DateOnly)
}
