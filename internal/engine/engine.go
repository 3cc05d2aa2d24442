package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"symmetry/internal/candle"
	"symmetry/internal/config"
	"symmetry/internal/database"
	"symmetry/internal/execution"
	"symmetry/internal/metrics"
	"symmetry/internal/model"
	"symmetry/internal/provider"
	"symmetry/internal/risk"
	"symmetry/internal/router"
	"symmetry/internal/strategy"
)

// Router is the part of the subscription router the engine drives.
type Router interface {
	Subscribe(ctx context.Context, instrument, interval, consumer string) (string, error)
	Unsubscribe(ctx context.Context, instrument, interval, consumer string) error
	Protect(keys ...string)
	Unprotect(keys ...string)
	Emit(ctx context.Context, event string, rooms []string, payload any)
}

// Deps are the optional collaborators of an Engine.
type Deps struct {
	Router  Router
	History provider.HistoricalProvider
	Chains  provider.ChainProvider
	Metrics *metrics.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
}

type quote struct {
	price   float64
	oi      float64
	oiDelta float64
	hasOI   bool
	ts      int64
}

type indexState struct {
	name    string
	cfg     config.IndexConfig
	legs    model.Instruments
	high    *model.ReferenceLevel
	low     *model.ReferenceLevel
	signals []int64

	refreshed        bool
	lastRefreshPrice float64
}

// Engine evaluates the strategy for every configured index. All state is
// owned by the goroutine running Run; other goroutines reach it through
// commands.
type Engine struct {
	logger  *slog.Logger
	repo    database.Repository
	cfg     config.Config
	router  Router
	history provider.HistoricalProvider
	chains  provider.ChainProvider
	metrics *metrics.Metrics
	now     func() time.Time

	agg       *candle.Aggregator
	swings    *strategy.SwingDetector
	scorer    *strategy.Scorer
	positions *execution.Manager
	risk      *risk.Gate

	indices  map[string]*indexState
	order    []string
	quotes   map[string]*quote
	commands chan func(context.Context)
}

// NewEngine creates a new Engine for the indices in cfg.
func NewEngine(logger *slog.Logger, repo database.Repository, cfg config.Config, deps Deps) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	// Retained depth follows the indicators. Warm-up replays more bars than
	// this through the detector but only the newest stay in the ring.
	minutes := max(cfg.Strategy.SwingWindow, cfg.Strategy.VolumePeriod,
		cfg.Strategy.ATRPeriod+1, cfg.Strategy.FastEMAPeriod, candle.DefaultMinuteHistory)
	fives := max(cfg.Strategy.SlowEMAPeriod*2, candle.DefaultFiveHistory)

	e := &Engine{
		logger:    logger.With("component", "engine"),
		repo:      repo,
		cfg:       cfg,
		router:    deps.Router,
		history:   deps.History,
		chains:    deps.Chains,
		metrics:   deps.Metrics,
		now:       now,
		agg:       candle.NewAggregator(minutes, fives),
		swings:    strategy.NewSwingDetector(cfg.Strategy),
		scorer:    strategy.NewScorer(cfg),
		positions: execution.NewManager(logger.With("component", "execution"), cfg.Execution, cfg.Exits),
		risk:      risk.NewGate(cfg.Risk, cfg.Risk.Location()),
		indices:   make(map[string]*indexState),
		quotes:    make(map[string]*quote),
		commands:  make(chan func(context.Context), 16),
	}
	for name, idx := range cfg.Indices {
		e.indices[name] = &indexState{
			name: name,
			cfg:  idx,
			legs: model.Instruments{
				Index: norm(idx.IndexKey),
				LegA:  norm(idx.LegA),
				LegB:  norm(idx.LegB),
			},
		}
		e.order = append(e.order, name)
	}
	sort.Strings(e.order)
	return e
}

// Positions exposes the position manager. It is safe for concurrent use.
func (e *Engine) Positions() *execution.Manager {
	return e.positions
}

// Run processes tick batches and commands until ctx is cancelled. Leg
// refreshes are scheduled every refresh interval.
func (e *Engine) Run(ctx context.Context, ticks <-chan []model.Tick) error {
	var refresh <-chan time.Time
	if e.chains != nil && e.cfg.Strategy.RefreshInterval > 0 {
		ticker := time.NewTicker(e.cfg.Strategy.RefreshInterval)
		defer ticker.Stop()
		refresh = ticker.C
	}

	e.logger.Info("Engine: started", "indices", e.order)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine: context cancelled, shutting down")
			return nil
		case batch, ok := <-ticks:
			if !ok {
				return nil
			}
			for _, t := range batch {
				e.ProcessTick(ctx, t)
			}
		case cmd := <-e.commands:
			cmd(ctx)
		case <-refresh:
			e.scheduleRefresh(ctx)
		}
	}
}

// do runs fn on the engine goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	cmd := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case e.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Levels returns the current reference levels of every index.
func (e *Engine) Levels(ctx context.Context) ([]model.ReferenceLevel, error) {
	var out []model.ReferenceLevel
	err := e.do(ctx, func(context.Context) {
		out = e.levels()
	})
	return out, err
}

func (e *Engine) levels() []model.ReferenceLevel {
	var out []model.ReferenceLevel
	for _, name := range e.order {
		st := e.indices[name]
		for _, l := range []*model.ReferenceLevel{st.high, st.low} {
			if l != nil {
				out = append(out, *l)
			}
		}
	}
	return out
}

// Instruments returns the instruments currently tracked per index.
func (e *Engine) Instruments(ctx context.Context) (map[string]model.Instruments, error) {
	out := make(map[string]model.Instruments)
	err := e.do(ctx, func(context.Context) {
		for name, st := range e.indices {
			out[name] = st.legs
		}
	})
	return out, err
}

// ProcessTick folds a tick into candles and quotes, then evaluates every
// index the instrument belongs to.
func (e *Engine) ProcessTick(ctx context.Context, tick model.Tick) {
	key := norm(tick.InstrumentKey)
	owners := e.owners(key)
	if len(owners) == 0 || tick.Price <= 0 {
		return
	}
	e.updateQuote(key, tick.Price, tick.OI, tick.HasOI, tick.Timestamp)

	for _, c := range e.agg.Update(tick) {
		e.onCandle(ctx, c)
	}
	for _, st := range owners {
		e.evaluate(ctx, st, tick.Timestamp)
	}
}

// owners returns the indices whose current or position legs include key.
func (e *Engine) owners(key string) []*indexState {
	var out []*indexState
	for _, name := range e.order {
		st := e.indices[name]
		if st.legs.Index == key || st.legs.LegA == key || st.legs.LegB == key {
			out = append(out, st)
			continue
		}
		if pos, ok := e.positions.Position(name); ok && (norm(pos.LegAKey) == key || norm(pos.LegBKey) == key) {
			out = append(out, st)
		}
	}
	return out
}

func (e *Engine) updateQuote(key string, price, oi float64, hasOI bool, ts int64) {
	q, ok := e.quotes[key]
	if !ok {
		q = &quote{}
		e.quotes[key] = q
	}
	q.price = price
	q.ts = ts
	if hasOI {
		if q.hasOI {
			q.oiDelta = oi - q.oi
		}
		q.oi = oi
		q.hasOI = true
	}
}

func (e *Engine) price(key string) float64 {
	if q, ok := e.quotes[norm(key)]; ok {
		return q.price
	}
	return 0
}

func (e *Engine) onCandle(ctx context.Context, c model.Candle) {
	e.metrics.RecordCandle(strconv.Itoa(c.Interval))
	if e.repo != nil {
		if err := e.repo.SaveCandle(ctx, c); err != nil {
			e.logger.Error("Failed to save candle", "instrument", c.InstrumentKey, "error", err)
			e.metrics.RecordError("engine", "save_candle")
		}
	}
	if c.Interval != 1 {
		return
	}
	for _, name := range e.order {
		if st := e.indices[name]; st.legs.Index == norm(c.InstrumentKey) {
			e.detectLevel(ctx, st)
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, st *indexState, ts int64) {
	if pos, ok := e.positions.Position(st.name); ok {
		e.evaluateExit(ctx, st, pos, ts)
		return
	}
	e.evaluateEntry(ctx, st, ts)
}

func (e *Engine) emit(ctx context.Context, event string, payload any) {
	if e.router == nil {
		return
	}
	e.router.Emit(ctx, event, []string{router.RoomAlerts}, payload)
}

func (e *Engine) logErr(msg string, err error, kv ...any) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	e.logger.Error(msg, append(kv, "error", err)...)
	e.metrics.RecordError("engine", "repository")
}

func norm(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

