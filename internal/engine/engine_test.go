package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"symmetry/internal/candle"
	"symmetry/internal/config"
	"symmetry/internal/execution"
	"symmetry/internal/model"
	"symmetry/internal/provider"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) InsertTicks(ctx context.Context, ticks []model.Tick) error {
	return m.Called(ctx, ticks).Error(0)
}

func (m *MockRepository) SaveCandle(ctx context.Context, c model.Candle) error {
	return m.Called(ctx, c).Error(0)
}

func (m *MockRepository) SaveReferenceLevel(ctx context.Context, level model.ReferenceLevel) error {
	return m.Called(ctx, level).Error(0)
}

func (m *MockRepository) SaveSignal(ctx context.Context, sig model.Signal) error {
	return m.Called(ctx, sig).Error(0)
}

func (m *MockRepository) LogTrade(ctx context.Context, pos model.Position) error {
	return m.Called(ctx, pos).Error(0)
}

func (m *MockRepository) CloseTrade(ctx context.Context, pos model.Position) error {
	return m.Called(ctx, pos).Error(0)
}

func (m *MockRepository) UpdateTrailingStop(ctx context.Context, tradeID string, stop float64) error {
	return m.Called(ctx, tradeID, stop).Error(0)
}

func (m *MockRepository) OpenTrades(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	trades, _ := args.Get(0).([]model.Position)
	return trades, args.Error(1)
}

func (m *MockRepository) ClosedTrades(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	trades, _ := args.Get(0).([]model.Position)
	return trades, args.Error(1)
}

func (m *MockRepository) LatestReferenceLevels(ctx context.Context, since time.Time) ([]model.ReferenceLevel, error) {
	args := m.Called(ctx, since)
	levels, _ := args.Get(0).([]model.ReferenceLevel)
	return levels, args.Error(1)
}

func (m *MockRepository) RealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	args := m.Called(ctx, since)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockRepository) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	args := m.Called(ctx, retentionDays)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockRepository) OptimizeStorage(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockRouter struct {
	mock.Mock
}

func (m *MockRouter) Subscribe(ctx context.Context, instrument, interval, consumer string) (string, error) {
	args := m.Called(ctx, instrument, interval, consumer)
	return args.String(0), args.Error(1)
}

func (m *MockRouter) Unsubscribe(ctx context.Context, instrument, interval, consumer string) error {
	return m.Called(ctx, instrument, interval, consumer).Error(0)
}

func (m *MockRouter) Protect(keys ...string) {
	m.Called(keys)
}

func (m *MockRouter) Unprotect(keys ...string) {
	m.Called(keys)
}

func (m *MockRouter) Emit(ctx context.Context, event string, rooms []string, payload any) {
	m.Called(ctx, event, rooms, payload)
}

type stubHistory map[string][]model.Candle

func (s stubHistory) GetCandles(_ context.Context, key, _ string, _ int) ([]model.Candle, error) {
	return s[key], nil
}

type stubChains struct {
	chain provider.Chain
}

func (s *stubChains) GetChain(context.Context, string) (provider.Chain, error) {
	return s.chain, nil
}

const (
	niftyKey = "NSE_INDEX|NIFTY 50"
	ceKey    = "NSE_FO|CE"
	peKey    = "NSE_FO|PE"
	base     = int64(1_700_000_100_000)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Indices = map[string]config.IndexConfig{
		"NIFTY": {IndexKey: niftyKey, Underlying: "NIFTY", LotSize: 75, LegA: ceKey, LegB: peKey, RefreshThreshold: 50},
	}
	cfg.Strategy.IndexSync = false
	return cfg
}

func permissiveRepo() *MockRepository {
	repo := new(MockRepository)
	repo.On("SaveCandle", mock.Anything, mock.Anything).Return(nil)
	repo.On("SaveReferenceLevel", mock.Anything, mock.Anything).Return(nil)
	repo.On("SaveSignal", mock.Anything, mock.Anything).Return(nil)
	repo.On("LogTrade", mock.Anything, mock.Anything).Return(nil)
	repo.On("CloseTrade", mock.Anything, mock.Anything).Return(nil)
	repo.On("UpdateTrailingStop", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	return repo
}

func legCandle(key string, start int64, open, close float64) model.Candle {
	return model.Candle{
		InstrumentKey: key,
		Start:         start,
		Open:          open,
		High:          max(open, close) + 1,
		Low:           min(open, close) - 1,
		Close:         close,
	}
}

// setupBars is an impulse of the index to a High wall at the 12th bar with
// a strict three bar pullback, the call rising and the put falling with it,
// then a bar retesting the wall with the call stronger than at the wall.
func setupBars() []Bar {
	idxMid := []float64{1000, 1004, 1008, 1012, 1016, 1020, 1024, 1028, 1032, 1036, 1040, 1044, 1040, 1036, 1032, 1049}
	ce := []float64{100, 102, 104, 106, 108, 110, 112, 114, 116, 118, 120, 122, 118, 115, 112, 130}
	pe := []float64{150, 148, 146, 144, 142, 140, 138, 136, 134, 132, 130, 128, 131, 134, 137, 120}

	var bars []Bar
	for i := range idxMid {
		start := base + int64(i)*60_000
		prevCE, prevPE := ce[i], pe[i]
		if i > 0 {
			prevCE, prevPE = ce[i-1], pe[i-1]
		}
		bars = append(bars, Bar{
			Index: "NIFTY",
			Start: start,
			Idx: model.Candle{
				InstrumentKey: niftyKey, Start: start,
				Open: idxMid[i], High: idxMid[i] + 5, Low: idxMid[i] - 5, Close: idxMid[i],
			},
			LegA: legCandle(ceKey, start, prevCE, ce[i]),
			LegB: legCandle(peKey, start, prevPE, pe[i]),
		})
	}
	return bars
}

func TestEngine_ReplayLevelSignalAndExit(t *testing.T) {
	ctx := context.Background()
	repo := permissiveRepo()
	e := NewEngine(testLogger(), repo, testConfig(), Deps{})

	bars := setupBars()
	for _, b := range bars[:15] {
		e.ReplayBar(ctx, b)
	}

	levels := e.levels()
	require.Len(t, levels, 1)
	assert.Equal(t, model.LevelHigh, levels[0].Kind)
	assert.Equal(t, 1049.0, levels[0].IndexPrice)
	// leg closes of the wall bar, not of the confirming bar
	assert.Equal(t, 122.0, levels[0].LegAPrice)
	assert.Equal(t, 128.0, levels[0].LegBPrice)
	assert.Equal(t, base+11*60_000, levels[0].Timestamp)
	repo.AssertNumberOfCalls(t, "SaveReferenceLevel", 1)
	repo.AssertNotCalled(t, "SaveSignal", mock.Anything, mock.Anything)

	e.ReplayBar(ctx, bars[15])
	repo.AssertCalled(t, "SaveSignal", mock.Anything, mock.MatchedBy(func(s model.Signal) bool {
		return s.Side == model.BuyLegA && s.OptionPrice == 130 && s.Score >= 4 && s.Stop < s.OptionPrice
	}))
	pos, ok := e.Positions().Position("NIFTY")
	require.True(t, ok)
	assert.Equal(t, ceKey, pos.InstrumentKey)
	assert.Equal(t, 75.0, pos.Quantity)
	repo.AssertCalled(t, "LogTrade", mock.Anything, mock.MatchedBy(func(p model.Position) bool {
		return p.ID == pos.ID && p.Status == model.StatusOpen
	}))

	// the call collapses on the next bar
	next := base + 16*60_000
	e.ReplayBar(ctx, Bar{
		Index: "NIFTY",
		Start: next,
		Idx:   model.Candle{InstrumentKey: niftyKey, Open: 1049, High: 1052, Low: 1045, Close: 1050},
		LegA:  legCandle(ceKey, next, 130, 100),
		LegB:  legCandle(peKey, next, 120, 135),
	})
	assert.Equal(t, 0, e.Positions().Count())
	repo.AssertCalled(t, "CloseTrade", mock.Anything, mock.MatchedBy(func(p model.Position) bool {
		return p.ID == pos.ID && p.ExitReason == execution.ExitTrailingStop && p.PnL < 0
	}))
	assert.Less(t, e.risk.DailyPnL(), 0.0)
}

func TestEngine_LevelSkippedWithoutLegBars(t *testing.T) {
	ctx := context.Background()
	repo := permissiveRepo()
	e := NewEngine(testLogger(), repo, testConfig(), Deps{})

	// live quotes taken long after the wall, no finalized leg minutes
	later := base + 30*60_000
	e.updateQuote(ceKey, 999, 0, false, later)
	e.updateQuote(peKey, 888, 0, false, later)

	for _, b := range setupBars()[:15] {
		b.LegA.Close = 0
		b.LegB.Close = 0
		e.ReplayBar(ctx, b)
	}

	assert.Empty(t, e.levels())
	assert.Empty(t, e.agg.History(ceKey, 1))
	repo.AssertNotCalled(t, "SaveReferenceLevel", mock.Anything, mock.Anything)
}

func TestEngine_CooldownAfterSignal(t *testing.T) {
	ctx := context.Background()
	repo := permissiveRepo()
	e := NewEngine(testLogger(), repo, testConfig(), Deps{})

	for _, b := range setupBars() {
		e.ReplayBar(ctx, b)
	}
	require.Equal(t, 1, e.Positions().Count())
	_, err := e.Positions().Close("NIFTY", 131, base+16*60_000, execution.ExitManual)
	require.NoError(t, err)

	// same setup one minute later is inside the cooldown window
	st := e.indices["NIFTY"]
	e.evaluateEntry(ctx, st, base+16*60_000)
	repo.AssertNumberOfCalls(t, "SaveSignal", 1)
	assert.Equal(t, 0, e.Positions().Count())
}

func TestEngine_RiskGateBlocksTrade(t *testing.T) {
	ctx := context.Background()
	repo := permissiveRepo()
	e := NewEngine(testLogger(), repo, testConfig(), Deps{})
	e.risk.Recover(-1_000_000, base)

	for _, b := range setupBars() {
		e.ReplayBar(ctx, b)
	}
	repo.AssertNumberOfCalls(t, "SaveSignal", 1)
	repo.AssertNotCalled(t, "LogTrade", mock.Anything, mock.Anything)
}

func TestEngine_ProcessTickQuotesAndOIDelta(t *testing.T) {
	ctx := context.Background()
	repo := permissiveRepo()
	e := NewEngine(testLogger(), repo, testConfig(), Deps{})

	e.ProcessTick(ctx, model.Tick{InstrumentKey: "NSE_FO|ce", Price: 100, OI: 1000, HasOI: true, Timestamp: base})
	e.ProcessTick(ctx, model.Tick{InstrumentKey: ceKey, Price: 101, OI: 400, HasOI: true, Timestamp: base + 1000})
	e.ProcessTick(ctx, model.Tick{InstrumentKey: "NSE_FO|OTHER", Price: 5, Timestamp: base})

	leg := e.leg(ceKey)
	assert.Equal(t, 101.0, leg.Price)
	assert.True(t, leg.HasOI)
	assert.Equal(t, -600.0, leg.OIDelta)
	assert.Equal(t, 0.0, e.price("NSE_FO|OTHER"))

	// crossing into the next minute finalizes a bar
	e.ProcessTick(ctx, model.Tick{InstrumentKey: ceKey, Price: 102, Timestamp: base + 60_000})
	repo.AssertCalled(t, "SaveCandle", mock.Anything, mock.MatchedBy(func(c model.Candle) bool {
		return c.InstrumentKey == ceKey && c.Interval == 1 && c.Open == 100 && c.Close == 101
	}))
}

func TestEngine_IndexSync(t *testing.T) {
	cfg := testConfig()
	cfg.Indices["BANKNIFTY"] = config.IndexConfig{IndexKey: "NSE_INDEX|NIFTY BANK", LotSize: 35}
	e := NewEngine(testLogger(), nil, cfg, Deps{})

	bank := e.indices["BANKNIFTY"]
	bank.high = &model.ReferenceLevel{Index: "BANKNIFTY", Kind: model.LevelHigh, IndexPrice: 50000}

	// no price yet: no opinion
	assert.True(t, e.synced("NIFTY", model.BuyLegA))

	e.updateQuote(bank.legs.Index, 49900, 0, false, base)
	assert.False(t, e.synced("NIFTY", model.BuyLegA))
	e.updateQuote(bank.legs.Index, 50100, 0, false, base)
	assert.True(t, e.synced("NIFTY", model.BuyLegA))

	// without a Low level the oldest bar open decides
	e.agg.PushClosed(model.Candle{InstrumentKey: bank.legs.Index, Start: base, Open: 50200, High: 50300, Low: 50000, Close: 50100})
	assert.True(t, e.synced("NIFTY", model.BuyLegB))
	e.updateQuote(bank.legs.Index, 50300, 0, false, base)
	assert.False(t, e.synced("NIFTY", model.BuyLegB))
}

func TestEngine_Recover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 5, 5, 0, 0, 0, time.UTC)
	repo := new(MockRepository)
	router := new(MockRouter)

	open := model.Position{
		ID: "t1", Index: "NIFTY", Side: model.BuyLegA, InstrumentKey: ceKey, LegAKey: ceKey, LegBKey: peKey,
		EntryPrice: 120, Quantity: 75, TrailingStop: 115, Status: model.StatusOpen,
	}
	high := model.ReferenceLevel{Index: "NIFTY", Kind: model.LevelHigh, IndexPrice: 25000, LegAPrice: 100, LegBPrice: 90}
	repo.On("OpenTrades", mock.Anything).Return([]model.Position{open}, nil)
	repo.On("LatestReferenceLevels", mock.Anything, mock.Anything).Return([]model.ReferenceLevel{high}, nil)
	repo.On("RealizedPnL", mock.Anything, mock.Anything).Return(-60_000.0, nil)
	router.On("Protect", []string{ceKey, peKey}).Return()
	router.On("Subscribe", mock.Anything, mock.Anything, "1", "engine").Return("", nil)

	e := NewEngine(testLogger(), repo, testConfig(), Deps{Router: router, Now: func() time.Time { return now }})
	require.NoError(t, e.Recover(ctx))

	pos, ok := e.Positions().Position("NIFTY")
	require.True(t, ok)
	assert.Equal(t, 115.0, pos.TrailingStop)
	assert.Equal(t, []model.ReferenceLevel{high}, e.levels())
	assert.ErrorContains(t, e.risk.Allow(0, now.UnixMilli()), "daily loss")
	router.AssertExpectations(t)

	// levels are read from the start of the risk day
	repo.AssertCalled(t, "LatestReferenceLevels", mock.Anything, mock.MatchedBy(func(since time.Time) bool {
		return since.Equal(e.risk.StartOfDay(now.UnixMilli()))
	}))
}

func TestEngine_Warmup(t *testing.T) {
	ctx := context.Background()
	history := stubHistory{}
	for _, b := range setupBars()[:15] {
		history[niftyKey] = append(history[niftyKey], b.Idx)
		history[ceKey] = append(history[ceKey], b.LegA)
		history[peKey] = append(history[peKey], b.LegB)
	}
	// the legs run on for longer than the minute ring holds
	for i := 15; i < 40; i++ {
		start := base + int64(i)*60_000
		history[ceKey] = append(history[ceKey], legCandle(ceKey, start, 112, 112))
		history[peKey] = append(history[peKey], legCandle(peKey, start, 137, 137))
	}
	// the still open minute is left to live ticks
	current := base + 40*60_000
	history[niftyKey] = append(history[niftyKey], model.Candle{InstrumentKey: niftyKey, Start: current, Open: 1, High: 1, Low: 1, Close: 1})
	now := time.UnixMilli(current + 30_000)

	repo := permissiveRepo()
	e := NewEngine(testLogger(), repo, testConfig(), Deps{History: history, Now: func() time.Time { return now }})
	require.NoError(t, e.Warmup(ctx))

	assert.Len(t, e.agg.History(niftyKey, 1), 15)
	assert.Len(t, e.agg.History(ceKey, 1), candle.DefaultMinuteHistory)
	assert.Equal(t, 1032.0, e.price(niftyKey))
	levels := e.levels()
	require.Len(t, levels, 1)
	assert.Equal(t, 1049.0, levels[0].IndexPrice)
	assert.Equal(t, 122.0, levels[0].LegAPrice)
	assert.Equal(t, 128.0, levels[0].LegBPrice)
	repo.AssertNotCalled(t, "SaveSignal", mock.Anything, mock.Anything)
}

func TestEngine_MinuteHistoryIgnoresWarmupDepth(t *testing.T) {
	cfg := testConfig()
	cfg.Strategy.WarmupCandles = 200
	e := NewEngine(testLogger(), nil, cfg, Deps{})

	for i := 0; i < 60; i++ {
		start := base + int64(i)*60_000
		e.agg.PushClosed(model.Candle{InstrumentKey: niftyKey, Start: start, Open: 1000, High: 1001, Low: 999, Close: 1000})
	}
	got := e.agg.History(niftyKey, 1)
	require.Len(t, got, candle.DefaultMinuteHistory)
	assert.Equal(t, base+40*60_000, got[0].Start)
}

func TestEngine_DiscoveryAndRefresh(t *testing.T) {
	ctx := context.Background()
	router := new(MockRouter)
	chains := &stubChains{chain: provider.Chain{Spot: 25010, Strikes: []provider.Strike{
		{Strike: 25000, CallKey: "NSE_FO|C25000", PutKey: "NSE_FO|P25000"},
		{Strike: 25100, CallKey: "NSE_FO|C25100", PutKey: "NSE_FO|P25100"},
	}}}
	router.On("Subscribe", mock.Anything, mock.Anything, "1", "engine").Return("", nil)
	router.On("Unsubscribe", mock.Anything, mock.Anything, "1", "engine").Return(nil)

	e := NewEngine(testLogger(), nil, testConfig(), Deps{Router: router, Chains: chains})
	require.NoError(t, e.RunDiscovery(ctx))

	st := e.indices["NIFTY"]
	assert.Equal(t, "NSE_FO|C25000", st.legs.LegA)
	assert.Equal(t, "NSE_FO|P25000", st.legs.LegB)
	router.AssertCalled(t, "Subscribe", mock.Anything, "NSE_FO|C25000", "1", "engine")
	router.AssertCalled(t, "Unsubscribe", mock.Anything, ceKey, "1", "engine")
	router.AssertCalled(t, "Unsubscribe", mock.Anything, peKey, "1", "engine")

	// a move below the threshold keeps the legs
	e.updateQuote(niftyKey, 25040, 0, false, base)
	assert.False(t, e.needsRefresh(st))

	// an open position keeps its legs subscribed across a refresh
	_, err := e.Positions().Open(model.Signal{Index: "NIFTY", Side: model.BuyLegA, OptionPrice: 100, Timestamp: base}, st.legs, 75)
	require.NoError(t, err)
	e.updateQuote(niftyKey, 25090, 0, false, base)
	require.True(t, e.needsRefresh(st))
	chains.chain.Spot = 25090
	require.NoError(t, e.RunDiscovery(ctx))
	assert.Equal(t, "NSE_FO|C25100", st.legs.LegA)
	router.AssertNotCalled(t, "Unsubscribe", mock.Anything, "NSE_FO|C25000", "1", "engine")

	// ticks of the old legs still reach the index while the position is open
	assert.Len(t, e.owners("NSE_FO|C25000"), 1)
}

func TestEngine_RunServesCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := NewEngine(testLogger(), permissiveRepo(), testConfig(), Deps{})

	ticks := make(chan []model.Tick, 1)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, ticks) }()

	ticks <- []model.Tick{{InstrumentKey: niftyKey, Price: 25000, Timestamp: base}}
	instruments, err := e.Instruments(ctx)
	require.NoError(t, err)
	assert.Equal(t, ceKey, instruments["NIFTY"].LegA)

	levels, err := e.Levels(ctx)
	require.NoError(t, err)
	assert.Empty(t, levels)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
}
