package execution

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"symmetry/internal/config"
	"symmetry/internal/model"
)

var (
	// ErrPositionOpen is returned when an index already holds an open position.
	ErrPositionOpen = errors.New("position already open for index")
	// ErrNoPosition is returned when closing an index that is flat.
	ErrNoPosition = errors.New("no open position for index")
)

// Exit reasons, in evaluation order.
const (
	ExitTrailingStop  = "trailing_stop"
	ExitOppositeOI    = "opposite_oi_reversal"
	ExitHardStop      = "hard_stop"
	ExitSymmetryBreak = "symmetry_break"
	ExitStagnation    = "stagnation"
	ExitDynamicTP     = "dynamic_tp"
	ExitAsymmetry     = "asymmetry_absorption"
	ExitManual        = "manual"
	ExitEndOfData     = "end_of_data"
)

// Market is the view of an index the exit rules need on one update.
type Market struct {
	Timestamp       int64
	IndexPrice      float64
	ActivePrice     float64
	ActiveATR       float64
	OppositeOIDelta float64
	OppositeHasOI   bool
	// OppositeCandles are finalized one minute candles of the non-active leg.
	OppositeCandles []model.Candle
	High            *model.ReferenceLevel
	Low             *model.ReferenceLevel
}

// Decision is the outcome of one exit evaluation.
type Decision struct {
	Exit         bool
	Reason       string
	TrailingStop float64
	StopMoved    bool
}

type tracking struct {
	indexExtreme float64
	activePeak   float64
	misses       int
}

// Manager owns the position state machine of every index: flat, open,
// closed. At most one position per index is open.
type Manager struct {
	logger *slog.Logger
	exec   config.ExecutionConfig
	exits  config.ExitConfig

	mu        sync.RWMutex
	positions map[string]*model.Position
	tracking  map[string]*tracking
	balance   decimal.Decimal
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger, exec config.ExecutionConfig, exits config.ExitConfig) *Manager {
	return &Manager{
		logger:    logger,
		exec:      exec,
		exits:     exits,
		positions: make(map[string]*model.Position),
		tracking:  make(map[string]*tracking),
		balance:   decimal.NewFromFloat(exec.InitialBalance),
	}
}

// Open enters a position for an accepted signal. The fill is the signal's
// option price moved against the buyer by the configured slippage.
func (m *Manager) Open(sig model.Signal, legs model.Instruments, lotSize float64) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.positions[sig.Index]; ok {
		return model.Position{}, fmt.Errorf("%s: %w", sig.Index, ErrPositionOpen)
	}
	if sig.OptionPrice <= 0 {
		return model.Position{}, fmt.Errorf("open %s: invalid option price %v", sig.Index, sig.OptionPrice)
	}

	active := legs.LegA
	if sig.Side == model.BuyLegB {
		active = legs.LegB
	}
	lots := m.exec.Lots
	if lots <= 0 {
		lots = 1
	}

	pos := &model.Position{
		ID:            uuid.NewString(),
		Index:         sig.Index,
		Side:          sig.Side,
		InstrumentKey: active,
		LegAKey:       legs.LegA,
		LegBKey:       legs.LegB,
		EntryPrice:    m.fill(sig.OptionPrice, true).InexactFloat64(),
		Quantity:      lots * lotSize,
		Stop:          sig.Stop,
		Target:        sig.Target,
		Status:        model.StatusOpen,
		EntryTime:     sig.Timestamp,
	}
	m.positions[sig.Index] = pos
	m.tracking[sig.Index] = &tracking{indexExtreme: sig.IndexPrice, activePeak: pos.EntryPrice}

	m.logger.Info("Position opened",
		"index", pos.Index,
		"side", pos.Side,
		"instrument", pos.InstrumentKey,
		"entry", pos.EntryPrice,
		"quantity", pos.Quantity,
	)
	return *pos, nil
}

// Restore puts a recovered open position back under management.
func (m *Manager) Restore(pos model.Position) {
	if pos.Status != model.StatusOpen {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pos
	m.positions[pos.Index] = &p
	m.tracking[pos.Index] = &tracking{activePeak: pos.EntryPrice}
}

// Position returns the open position of index.
func (m *Manager) Position(index string) (model.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[index]
	if !ok {
		return model.Position{}, false
	}
	return *pos, true
}

// Positions returns every open position ordered by index.
func (m *Manager) Positions() []model.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Count returns the number of open positions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Balance is the initial balance plus realized PnL.
func (m *Manager) Balance() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance.InexactFloat64()
}

// Evaluate runs the exit rules for the open position of index. The first
// matching rule wins. A zero active price is not evaluable.
func (m *Manager) Evaluate(index string, mkt Market) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[index]
	if !ok || mkt.ActivePrice <= 0 {
		return Decision{}
	}
	tr := m.tracking[index]
	d := Decision{TrailingStop: pos.TrailingStop}
	price := mkt.ActivePrice
	bull := pos.Side == model.BuyLegA

	if m.exits.Trailing && mkt.ActiveATR > 0 {
		d.StopMoved = m.trail(pos, price, mkt.ActiveATR)
		d.TrailingStop = pos.TrailingStop
		if price < pos.TrailingStop {
			return d.exit(ExitTrailingStop)
		}
	}

	if m.exits.OppositeOIExit && mkt.OppositeHasOI && mkt.OppositeOIDelta < 0 {
		return d.exit(ExitOppositeOI)
	}

	if m.exits.HardStopPct > 0 && price < pos.EntryPrice*(1-m.exits.HardStopPct) {
		return d.exit(ExitHardStop)
	}

	if m.exits.SymmetryBreak && symmetryBroken(bull, mkt) {
		return d.exit(ExitSymmetryBreak)
	}

	if m.exits.Stagnation && m.exits.StagnationAfter > 0 && pos.EntryTime > 0 {
		held := time.Duration(mkt.Timestamp-pos.EntryTime) * time.Millisecond
		if held >= m.exits.StagnationAfter && (price-pos.EntryPrice)/pos.EntryPrice < m.exits.StagnationMinPnL {
			return d.exit(ExitStagnation)
		}
	}

	if m.exits.DynamicTP && price > pos.EntryPrice && bounced(mkt.OppositeCandles, m.exits.BounceCandles) {
		return d.exit(ExitDynamicTP)
	}

	if m.exits.Asymmetry && tr != nil && mkt.IndexPrice > 0 {
		if tr.observe(bull, mkt.IndexPrice, price) >= m.exits.AsymmetryRun && m.exits.AsymmetryRun > 0 {
			return d.exit(ExitAsymmetry)
		}
	}
	return d
}

func (d Decision) exit(reason string) Decision {
	d.Exit = true
	d.Reason = reason
	return d
}

// trail initialises the stop on first use and afterwards only raises it.
func (m *Manager) trail(pos *model.Position, price, atr float64) bool {
	mult := m.exits.TrailingMultiplier
	prev := pos.TrailingStop
	if prev == 0 {
		pos.TrailingStop = pos.EntryPrice - mult*atr
	} else if candidate := price - mult*atr; candidate > pos.TrailingStop {
		pos.TrailingStop = candidate
	}
	if m.exits.ProfitLockATR > 0 && price-pos.EntryPrice > m.exits.ProfitLockATR*atr {
		if lock := pos.EntryPrice + atr; lock > pos.TrailingStop {
			pos.TrailingStop = lock
		}
	}
	return pos.TrailingStop != prev
}

// The index trades beyond the level on the side of the position while the
// active leg sits below its price at that level.
func symmetryBroken(bull bool, mkt Market) bool {
	if mkt.IndexPrice <= 0 {
		return false
	}
	if bull {
		return mkt.High != nil && mkt.IndexPrice > mkt.High.IndexPrice && mkt.ActivePrice < mkt.High.LegAPrice
	}
	return mkt.Low != nil && mkt.IndexPrice < mkt.Low.IndexPrice && mkt.ActivePrice < mkt.Low.LegBPrice
}

// bounced reports whether each of the last n candles is green and closes
// above the high of the candle before it.
func bounced(candles []model.Candle, n int) bool {
	if n <= 0 || len(candles) < n+1 {
		return false
	}
	for i := len(candles) - n; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		if !c.Green() || c.Close <= prev.High {
			return false
		}
	}
	return true
}

// observe counts consecutive new index extremes the active leg failed to
// match and returns the current run.
func (t *tracking) observe(bull bool, index, active float64) int {
	if t.indexExtreme == 0 {
		t.indexExtreme = index
	}
	newExtreme := index > t.indexExtreme
	if !bull {
		newExtreme = index < t.indexExtreme
	}
	if newExtreme {
		t.indexExtreme = index
		if active > t.activePeak {
			t.misses = 0
		} else {
			t.misses++
		}
	}
	if active > t.activePeak {
		t.activePeak = active
	}
	return t.misses
}

// Close exits the open position of index at price. Realized PnL is net of
// slippage on both fills and commission on both sides.
func (m *Manager) Close(index string, price float64, ts int64, reason string) (model.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.positions[index]
	if !ok {
		return model.Position{}, fmt.Errorf("%s: %w", index, ErrNoPosition)
	}
	delete(m.positions, index)
	delete(m.tracking, index)

	qty := decimal.NewFromFloat(pos.Quantity)
	entry := decimal.NewFromFloat(pos.EntryPrice)
	exit := m.fill(price, false)
	pnl := exit.Sub(entry).Mul(qty).Sub(m.cost(entry, qty)).Sub(m.cost(exit, qty))

	pos.Status = model.StatusClosed
	pos.ExitPrice = exit.InexactFloat64()
	pos.ExitReason = reason
	pos.ExitTime = ts
	pos.PnL = pnl.InexactFloat64()
	m.balance = m.balance.Add(pnl)

	m.logger.Info("Position closed",
		"index", pos.Index,
		"side", pos.Side,
		"reason", reason,
		"exit", pos.ExitPrice,
		"pnl", pos.PnL,
	)
	return *pos, nil
}

func (m *Manager) fill(price float64, buy bool) decimal.Decimal {
	one := decimal.NewFromInt(1)
	slip := decimal.NewFromFloat(m.exec.Slippage)
	if buy {
		return decimal.NewFromFloat(price).Mul(one.Add(slip))
	}
	return decimal.NewFromFloat(price).Mul(one.Sub(slip))
}

// cost is turnover commission plus the flat per-order charge.
func (m *Manager) cost(fill, qty decimal.Decimal) decimal.Decimal {
	rate := decimal.NewFromFloat(m.exec.CommissionRate)
	return fill.Mul(qty).Mul(rate).Add(decimal.NewFromFloat(m.exec.FixedCharge))
}
