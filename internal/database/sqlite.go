package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"symmetry/internal/model"
)

var _ Repository = (*SQLiteRepository)(nil)

// SQLiteRepository is the embedded store used by back-tests.
type SQLiteRepository struct {
	DB *sql.DB
}

// NewSQLiteRepository opens dsn with the pure Go sqlite driver.
func NewSQLiteRepository(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection keeps in-memory databases alive and serialises writers
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteRepository{DB: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.DB.Close()
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertTicks writes ticks in one transaction.
func (r *SQLiteRepository) InsertTicks(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertTickSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, tickArgs(t)...); err != nil {
			return fmt.Errorf("insert tick %s: %w", t.InstrumentKey, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) SaveCandle(ctx context.Context, c model.Candle) error {
	_, err := r.DB.ExecContext(ctx, saveCandleSQL, candleArgs(c)...)
	return err
}

func (r *SQLiteRepository) SaveReferenceLevel(ctx context.Context, level model.ReferenceLevel) error {
	_, err := r.DB.ExecContext(ctx, saveLevelSQL, levelArgs(level)...)
	return err
}

func (r *SQLiteRepository) SaveSignal(ctx context.Context, sig model.Signal) error {
	args, err := signalArgs(sig)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, saveSignalSQL, args...)
	return err
}

func (r *SQLiteRepository) LogTrade(ctx context.Context, pos model.Position) error {
	_, err := r.DB.ExecContext(ctx, logTradeSQL, tradeArgs(pos)...)
	return err
}

func (r *SQLiteRepository) CloseTrade(ctx context.Context, pos model.Position) error {
	res, err := r.DB.ExecContext(ctx, closeTradeSQL, closeArgs(pos)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("close trade %s: %w", pos.ID, sql.ErrNoRows)
	}
	return nil
}

func (r *SQLiteRepository) UpdateTrailingStop(ctx context.Context, tradeID string, stop float64) error {
	_, err := r.DB.ExecContext(ctx, trailingStopSQL, stop, tradeID)
	return err
}

func (r *SQLiteRepository) OpenTrades(ctx context.Context) ([]model.Position, error) {
	return r.trades(ctx, openTradesSQL)
}

func (r *SQLiteRepository) ClosedTrades(ctx context.Context) ([]model.Position, error) {
	return r.trades(ctx, closedTradesSQL)
}

func (r *SQLiteRepository) trades(ctx context.Context, query string) ([]model.Position, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) LatestReferenceLevels(ctx context.Context, since time.Time) ([]model.ReferenceLevel, error) {
	rows, err := r.DB.QueryContext(ctx, latestLevelsSQL, since.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ReferenceLevel
	for rows.Next() {
		l, err := scanLevel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) RealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := r.DB.QueryRowContext(ctx, realizedPnLSQL, since.UnixMilli()).Scan(&pnl)
	return pnl, err
}

func (r *SQLiteRepository) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := retentionCutoff(retentionDays)
	var total int64
	for _, q := range []string{cleanupTicksSQL, cleanupCandlesSQL} {
		res, err := r.DB.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (r *SQLiteRepository) OptimizeStorage(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, "PRAGMA optimize")
	return err
}
