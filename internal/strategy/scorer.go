package strategy

import (
	"math"

	"github.com/google/uuid"

	"symmetry/internal/config"
	"symmetry/internal/model"
)

// Factor names reported on a signal.
const (
	FactorVolume        = "volume_surge"
	FactorTrend         = "trend"
	FactorVelocity      = "relative_velocity"
	FactorColor         = "active_leg_color"
	FactorOppositeBreak = "opposite_leg_breakdown"
	FactorWriterPanic   = "writer_panic"
	FactorDecay         = "decay_divergence"
)

// Veto reasons.
const (
	VetoAbsorption = "absorption"
	VetoProximity  = "proximity"
	VetoCooldown   = "cooldown"
	VetoThreshold  = "below_threshold"
	VetoNoLevel    = "no_level"
	VetoNoPrice    = "no_price"
)

// Leg is the scorer's view of one option leg.
type Leg struct {
	Key     string
	Price   float64
	Candles []model.Candle
	OIDelta float64
	HasOI   bool
}

// Snapshot is everything the scorer looks at for one index.
type Snapshot struct {
	Index        string
	Timestamp    int64
	IndexPrice   float64
	IndexCandles []model.Candle
	IndexFive    []model.Candle
	LegA         Leg
	LegB         Leg
	High         *model.ReferenceLevel
	Low          *model.ReferenceLevel
	// RecentSignals holds timestamps of signals already emitted for the index.
	RecentSignals []int64
}

// Evaluation is the outcome of scoring one side.
type Evaluation struct {
	Side     model.Side
	Score    int
	Factors  []string
	Veto     string
	Accepted bool
}

// Scorer computes weighted confluence scores and applies vetoes.
type Scorer struct {
	cfg        config.StrategyConfig
	thresholds func(index string) (withOI, withoutOI int)
}

// NewScorer creates a Scorer.
func NewScorer(cfg config.Config) *Scorer {
	return &Scorer{cfg: cfg.Strategy, thresholds: cfg.Thresholds}
}

// Evaluate scores the bullish side, then the bearish side, and returns the
// first accepted signal.
func (s *Scorer) Evaluate(snap Snapshot) (model.Signal, []Evaluation, bool) {
	var evals []Evaluation
	for _, side := range []model.Side{model.BuyLegA, model.BuyLegB} {
		ev := s.Score(snap, side)
		evals = append(evals, ev)
		if ev.Accepted {
			return s.signal(snap, ev), evals, true
		}
	}
	return model.Signal{}, evals, false
}

// Score evaluates one side of snap.
func (s *Scorer) Score(snap Snapshot, side model.Side) Evaluation {
	ev := Evaluation{Side: side}
	bull := side == model.BuyLegA

	level := snap.Low
	active, opposite := snap.LegB, snap.LegA
	if bull {
		level = snap.High
		active, opposite = snap.LegA, snap.LegB
	}
	if level == nil {
		ev.Veto = VetoNoLevel
		return ev
	}
	if snap.IndexPrice <= 0 || active.Price <= 0 || opposite.Price <= 0 {
		ev.Veto = VetoNoPrice
		return ev
	}
	activeRef, oppositeRef := level.LegBPrice, level.LegAPrice
	if bull {
		activeRef, oppositeRef = level.LegAPrice, level.LegBPrice
	}

	add := func(name string, weight int) {
		ev.Score += weight
		ev.Factors = append(ev.Factors, name)
	}
	w := s.cfg.Weights

	if avg := AvgVolume(snap.IndexCandles, s.cfg.VolumePeriod); avg > 0 {
		if last := snap.IndexCandles[len(snap.IndexCandles)-1]; last.Volume > avg*s.cfg.VolumeMultiplier {
			add(FactorVolume, w.Volume)
		}
	}

	if s.trendAligned(snap, bull) {
		add(FactorTrend, w.Trend)
	}

	idxVel := Velocity(snap.IndexCandles, s.cfg.VelocityLookback)
	activeVel := Velocity(active.Candles, s.cfg.VelocityLookback)
	oppositeVel := Velocity(opposite.Candles, s.cfg.VelocityLookback)
	expected := idxVel
	if !bull {
		expected = math.Abs(idxVel)
	}
	if activeVel > 0 && activeVel > expected*s.cfg.OptionDelta*s.cfg.VelocityRatio {
		add(FactorVelocity, w.Velocity)
	}

	if greenRun(active.Candles, s.cfg.ColorCandles) {
		add(FactorColor, w.Color)
	}

	if opposite.Price < oppositeRef && oppositeVel < 0 {
		add(FactorOppositeBreak, w.OppositeBreak)
	}

	writerPanic := s.cfg.AssumeWriterPanicWithoutOI
	if active.HasOI {
		writerPanic = active.OIDelta < s.cfg.WriterPanicOIDelta
	}
	if writerPanic {
		add(FactorWriterPanic, w.WriterPanic)
	}

	if bull && snap.IndexPrice >= level.IndexPrice-s.cfg.DecayTolerance && active.Price > activeRef {
		add(FactorDecay, w.Decay)
	}
	if !bull && snap.IndexPrice <= level.IndexPrice+s.cfg.DecayTolerance && active.Price > activeRef {
		add(FactorDecay, w.Decay)
	}

	// Vetoes apply regardless of score.
	switch {
	case s.absorbed(snap.IndexPrice, level.IndexPrice, active.Price, activeRef, opposite.Price, oppositeRef, bull):
		ev.Veto = VetoAbsorption
	case active.HasOI && active.OIDelta > 0:
		// writers still adding on the side being bought
		ev.Veto = VetoAbsorption
	case s.tooFar(snap.IndexPrice, level.IndexPrice, bull):
		ev.Veto = VetoProximity
	case s.coolingDown(snap.Timestamp, snap.RecentSignals):
		ev.Veto = VetoCooldown
	}
	if ev.Veto != "" {
		return ev
	}

	withOI, withoutOI := s.thresholds(snap.Index)
	if active.HasOI {
		ev.Accepted = ev.Score >= withOI && writerPanic
	} else {
		ev.Accepted = ev.Score >= withoutOI
	}
	if !ev.Accepted {
		ev.Veto = VetoThreshold
	}
	return ev
}

func (s *Scorer) trendAligned(snap Snapshot, bull bool) bool {
	fast := EMA(Closes(snap.IndexCandles), s.cfg.FastEMAPeriod)
	slow := EMA(Closes(snap.IndexFive), s.cfg.SlowEMAPeriod)
	for _, ema := range []float64{fast, slow} {
		if ema == 0 {
			continue
		}
		if bull && snap.IndexPrice <= ema {
			return false
		}
		if !bull && snap.IndexPrice >= ema {
			return false
		}
	}
	return true
}

// The index has moved through the level but the active leg has not
// followed, or the opposite leg is still holding its reference price.
func (s *Scorer) absorbed(idx, levelIdx, active, activeRef, opposite, oppositeRef float64, bull bool) bool {
	if opposite >= oppositeRef {
		return true
	}
	if bull {
		return idx >= levelIdx && active <= activeRef
	}
	return idx <= levelIdx && active <= activeRef
}

func (s *Scorer) tooFar(idx, levelIdx float64, bull bool) bool {
	if s.cfg.ProximityPct <= 0 {
		return false
	}
	if bull {
		return idx < levelIdx*(1-s.cfg.ProximityPct)
	}
	return idx > levelIdx*(1+s.cfg.ProximityPct)
}

func (s *Scorer) coolingDown(ts int64, recent []int64) bool {
	lookback := s.cfg.CooldownLookback
	if lookback <= 0 || len(recent) < lookback {
		lookback = len(recent)
	}
	cooldown := s.cfg.Cooldown.Milliseconds()
	for _, prev := range recent[len(recent)-lookback:] {
		if ts-prev < cooldown {
			return true
		}
	}
	return false
}

func (s *Scorer) signal(snap Snapshot, ev Evaluation) model.Signal {
	active := snap.LegA
	if ev.Side == model.BuyLegB {
		active = snap.LegB
	}
	entry := active.Price
	stop := s.stop(entry, active.Candles)
	target := entry + s.cfg.RewardMultiple*(entry-stop)

	return model.Signal{
		ID:          uuid.NewString(),
		Index:       snap.Index,
		Side:        ev.Side,
		IndexPrice:  snap.IndexPrice,
		OptionPrice: entry,
		Stop:        stop,
		Target:      target,
		Score:       ev.Score,
		Factors:     ev.Factors,
		Timestamp:   snap.Timestamp,
	}
}

func (s *Scorer) stop(entry float64, candles []model.Candle) float64 {
	stop := entry - (entry*s.cfg.StopPremiumPct + s.cfg.StopPoints)
	if s.cfg.StopMode == config.StopModeATR {
		if atr := RollingATR(candles, s.cfg.ATRPeriod); atr > 0 {
			stop = entry - s.cfg.StopATRMultiplier*atr
		}
	}
	if stop < 0 {
		stop = 0
	}
	return stop
}

func greenRun(candles []model.Candle, n int) bool {
	if n <= 0 || len(candles) < n {
		return false
	}
	for _, c := range candles[len(candles)-n:] {
		if !c.Green() {
			return false
		}
	}
	return true
}
