package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"symmetry/internal/model"
)

var _ Repository = (*PostgresRepository)(nil)

// PostgresRepository is the live store backed by a pgx pool.
type PostgresRepository struct {
	Pool *pgxpool.Pool
}

// NewPostgresRepository connects to dsn and verifies the connection.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRepository{Pool: pool}, nil
}

// Close releases the pool.
func (r *PostgresRepository) Close() {
	r.Pool.Close()
}

// Migrate creates the tables if they do not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// InsertTicks bulk loads ticks with COPY.
func (r *PostgresRepository) InsertTicks(ctx context.Context, ticks []model.Tick) error {
	if len(ticks) == 0 {
		return nil
	}
	_, err := r.Pool.CopyFrom(ctx,
		pgx.Identifier{"ticks"},
		[]string{"instrument_key", "price", "volume", "cum_volume", "oi", "source", "ts_ms"},
		pgx.CopyFromSlice(len(ticks), func(i int) ([]any, error) {
			return tickArgs(ticks[i]), nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy ticks: %w", err)
	}
	return nil
}

func (r *PostgresRepository) SaveCandle(ctx context.Context, c model.Candle) error {
	_, err := r.Pool.Exec(ctx, rebind(saveCandleSQL), candleArgs(c)...)
	return err
}

func (r *PostgresRepository) SaveReferenceLevel(ctx context.Context, level model.ReferenceLevel) error {
	_, err := r.Pool.Exec(ctx, rebind(saveLevelSQL), levelArgs(level)...)
	return err
}

func (r *PostgresRepository) SaveSignal(ctx context.Context, sig model.Signal) error {
	args, err := signalArgs(sig)
	if err != nil {
		return err
	}
	_, err = r.Pool.Exec(ctx, rebind(saveSignalSQL), args...)
	return err
}

// LogTrade records an opened position.
func (r *PostgresRepository) LogTrade(ctx context.Context, pos model.Position) error {
	_, err := r.Pool.Exec(ctx, rebind(logTradeSQL), tradeArgs(pos)...)
	return err
}

// CloseTrade marks the trade row closed with its exit details.
func (r *PostgresRepository) CloseTrade(ctx context.Context, pos model.Position) error {
	tag, err := r.Pool.Exec(ctx, rebind(closeTradeSQL), closeArgs(pos)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close trade %s: %w", pos.ID, pgx.ErrNoRows)
	}
	return nil
}

func (r *PostgresRepository) UpdateTrailingStop(ctx context.Context, tradeID string, stop float64) error {
	_, err := r.Pool.Exec(ctx, rebind(trailingStopSQL), stop, tradeID)
	return err
}

func (r *PostgresRepository) OpenTrades(ctx context.Context) ([]model.Position, error) {
	return r.trades(ctx, openTradesSQL)
}

func (r *PostgresRepository) ClosedTrades(ctx context.Context) ([]model.Position, error) {
	return r.trades(ctx, closedTradesSQL)
}

func (r *PostgresRepository) trades(ctx context.Context, query string) ([]model.Position, error) {
	rows, err := r.Pool.Query(ctx, query)
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

// LatestReferenceLevels returns the newest High and Low per index recorded
// at or after since.
func (r *PostgresRepository) LatestReferenceLevels(ctx context.Context, since time.Time) ([]model.ReferenceLevel, error) {
	rows, err := r.Pool.Query(ctx, rebind(latestLevelsSQL), since.UnixMilli())
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

func (r *PostgresRepository) RealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	var pnl float64
	err := r.Pool.QueryRow(ctx, rebind(realizedPnLSQL), since.UnixMilli()).Scan(&pnl)
	return pnl, err
}

// CleanupOldData deletes ticks and candles older than the retention window.
func (r *PostgresRepository) CleanupOldData(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := retentionCutoff(retentionDays)
	var total int64
	for _, q := range []string{cleanupTicksSQL, cleanupCandlesSQL} {
		tag, err := r.Pool.Exec(ctx, rebind(q), cutoff)
		if err != nil {
			return total, err
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func (r *PostgresRepository) OptimizeStorage(ctx context.Context) error {
	_, err := r.Pool.Exec(ctx, "VACUUM ANALYZE ticks")
	return err
}
