package database

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"symmetry/internal/model"
)

// Repository defines the standard interface for database operations.
type Repository interface {
	InsertTicks(ctx context.Context, ticks []model.Tick) error
	SaveCandle(ctx context.Context, c model.Candle) error
	SaveReferenceLevel(ctx context.Context, level model.ReferenceLevel) error
	SaveSignal(ctx context.Context, sig model.Signal) error
	LogTrade(ctx context.Context, pos model.Position) error
	CloseTrade(ctx context.Context, pos model.Position) error
	UpdateTrailingStop(ctx context.Context, tradeID string, stop float64) error
	OpenTrades(ctx context.Context) ([]model.Position, error)
	ClosedTrades(ctx context.Context) ([]model.Position, error)
	LatestReferenceLevels(ctx context.Context, since time.Time) ([]model.ReferenceLevel, error)
	RealizedPnL(ctx context.Context, since time.Time) (float64, error)
	CleanupOldData(ctx context.Context, retentionDays int) (int64, error)
	OptimizeStorage(ctx context.Context) error
	Migrate(ctx context.Context) error
}

// schema is valid for both postgres and sqlite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ticks (
		instrument_key TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		cum_volume DOUBLE PRECISION NOT NULL DEFAULT 0,
		oi DOUBLE PRECISION NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT '',
		ts_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ticks_key_ts ON ticks (instrument_key, ts_ms)`,
	`CREATE TABLE IF NOT EXISTS candles (
		instrument_key TEXT NOT NULL,
		interval_min INTEGER NOT NULL,
		start_ms BIGINT NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (instrument_key, interval_min, start_ms)
	)`,
	`CREATE TABLE IF NOT EXISTS reference_levels (
		index_name TEXT NOT NULL,
		kind TEXT NOT NULL,
		index_price DOUBLE PRECISION NOT NULL,
		leg_a_price DOUBLE PRECISION NOT NULL,
		leg_b_price DOUBLE PRECISION NOT NULL,
		leg_a_key TEXT NOT NULL DEFAULT '',
		leg_b_key TEXT NOT NULL DEFAULT '',
		ts_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reference_levels_idx ON reference_levels (index_name, kind, ts_ms)`,
	`CREATE TABLE IF NOT EXISTS signals (
		id TEXT PRIMARY KEY,
		index_name TEXT NOT NULL,
		side TEXT NOT NULL,
		index_price DOUBLE PRECISION NOT NULL,
		option_price DOUBLE PRECISION NOT NULL,
		stop DOUBLE PRECISION NOT NULL,
		target DOUBLE PRECISION NOT NULL,
		score INTEGER NOT NULL,
		details TEXT NOT NULL DEFAULT '[]',
		ts_ms BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		index_name TEXT NOT NULL,
		side TEXT NOT NULL,
		instrument_key TEXT NOT NULL,
		leg_a_key TEXT NOT NULL DEFAULT '',
		leg_b_key TEXT NOT NULL DEFAULT '',
		price DOUBLE PRECISION NOT NULL,
		quantity DOUBLE PRECISION NOT NULL,
		stop DOUBLE PRECISION NOT NULL DEFAULT 0,
		target DOUBLE PRECISION NOT NULL DEFAULT 0,
		trailing_stop DOUBLE PRECISION NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		exit_price DOUBLE PRECISION NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_ms BIGINT NOT NULL,
		exit_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS trades_status ON trades (status)`,
}

const (
	insertTickSQL = `INSERT INTO ticks (instrument_key, price, volume, cum_volume, oi, source, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	saveCandleSQL = `INSERT INTO candles (instrument_key, interval_min, start_ms, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument_key, interval_min, start_ms)
		DO UPDATE SET open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume`

	saveLevelSQL = `INSERT INTO reference_levels
		(index_name, kind, index_price, leg_a_price, leg_b_price, leg_a_key, leg_b_key, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	saveSignalSQL = `INSERT INTO signals
		(id, index_name, side, index_price, option_price, stop, target, score, details, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	logTradeSQL = `INSERT INTO trades
		(id, index_name, side, instrument_key, leg_a_key, leg_b_key, price, quantity, stop, target,
		 trailing_stop, status, entry_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	closeTradeSQL = `UPDATE trades
		SET status = ?, exit_price = ?, exit_reason = ?, pnl = ?, exit_ms = ?, trailing_stop = ?
		WHERE id = ?`

	trailingStopSQL = `UPDATE trades SET trailing_stop = ? WHERE id = ? AND status = 'OPEN'`

	tradeColumns = `id, index_name, side, instrument_key, leg_a_key, leg_b_key, price, quantity, stop, target,
		trailing_stop, status, exit_price, exit_reason, pnl, entry_ms, exit_ms`

	openTradesSQL = `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'OPEN' ORDER BY entry_ms`

	closedTradesSQL = `SELECT ` + tradeColumns + ` FROM trades WHERE status = 'CLOSED' ORDER BY exit_ms, id`

	latestLevelsSQL = `SELECT index_name, kind, index_price, leg_a_price, leg_b_price, leg_a_key, leg_b_key, ts_ms
		FROM reference_levels r
		WHERE ts_ms >= ? AND ts_ms = (
			SELECT MAX(ts_ms) FROM reference_levels r2
			WHERE r2.index_name = r.index_name AND r2.kind = r.kind)
		ORDER BY index_name, kind`

	realizedPnLSQL = `SELECT COALESCE(SUM(pnl), 0) FROM trades WHERE status = 'CLOSED' AND exit_ms >= ?`

	cleanupTicksSQL = `DELETE FROM ticks WHERE ts_ms < ?`

	cleanupCandlesSQL = `DELETE FROM candles WHERE start_ms < ?`
)

// rebind turns ? placeholders into postgres ordinal placeholders.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (model.Position, error) {
	var p model.Position
	var side, status string
	err := row.Scan(&p.ID, &p.Index, &side, &p.InstrumentKey, &p.LegAKey, &p.LegBKey,
		&p.EntryPrice, &p.Quantity, &p.Stop, &p.Target, &p.TrailingStop, &status,
		&p.ExitPrice, &p.ExitReason, &p.PnL, &p.EntryTime, &p.ExitTime)
	p.Side = model.Side(side)
	p.Status = model.PositionStatus(status)
	return p, err
}

func scanLevel(row scanner) (model.ReferenceLevel, error) {
	var l model.ReferenceLevel
	var kind string
	err := row.Scan(&l.Index, &kind, &l.IndexPrice, &l.LegAPrice, &l.LegBPrice, &l.LegAKey, &l.LegBKey, &l.Timestamp)
	l.Kind = model.LevelKind(kind)
	return l, err
}

func tickArgs(t model.Tick) []any {
	return []any{t.InstrumentKey, t.Price, t.Volume, t.CumVolume, t.OI, string(t.Source), t.Timestamp}
}

func candleArgs(c model.Candle) []any {
	return []any{c.InstrumentKey, c.Interval, c.Start, c.Open, c.High, c.Low, c.Close, c.Volume}
}

func levelArgs(l model.ReferenceLevel) []any {
	return []any{l.Index, string(l.Kind), l.IndexPrice, l.LegAPrice, l.LegBPrice, l.LegAKey, l.LegBKey, l.Timestamp}
}

func signalArgs(s model.Signal) ([]any, error) {
	details, err := json.Marshal(s.Factors)
	if err != nil {
		return nil, err
	}
	return []any{s.ID, s.Index, string(s.Side), s.IndexPrice, s.OptionPrice, s.Stop, s.Target, s.Score, string(details), s.Timestamp}, nil
}

func tradeArgs(p model.Position) []any {
	return []any{p.ID, p.Index, string(p.Side), p.InstrumentKey, p.LegAKey, p.LegBKey, p.EntryPrice, p.Quantity,
		p.Stop, p.Target, p.TrailingStop, string(p.Status), p.EntryTime}
}

func closeArgs(p model.Position) []any {
	return []any{string(model.StatusClosed), p.ExitPrice, p.ExitReason, p.PnL, p.ExitTime, p.TrailingStop, p.ID}
}

func retentionCutoff(retentionDays int) int64 {
	return time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
}
