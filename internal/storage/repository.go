package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	ensureSchemaSQL = `CREATE TABLE IF NOT EXISTS cycles (
        id                  BIGSERIAL PRIMARY KEY,
        cycle_ts            TIMESTAMPTZ NOT NULL,
        source_outcome      TEXT NOT NULL,
        price_source        TEXT NOT NULL,
        emission_source     TEXT NOT NULL,
        current_price_milli BIGINT,
        price_status        TEXT NOT NULL,
        green_status        TEXT NOT NULL,
        current_co2         DOUBLE PRECISION,
        should_start_now    BOOLEAN NOT NULL,
        recommendation_key  TEXT NOT NULL,
        tariff              TEXT NOT NULL,
        daily_savings       NUMERIC NOT NULL,
        realistic_annual    NUMERIC NOT NULL,
        payload             JSONB NOT NULL,
        created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS cycles_cycle_ts_idx ON cycles (cycle_ts DESC);`

	insertCycleSQL = `INSERT INTO cycles (
        cycle_ts,
        source_outcome,
        price_source,
        emission_source,
        current_price_milli,
        price_status,
        green_status,
        current_co2,
        should_start_now,
        recommendation_key,
        tariff,
        daily_savings,
        realistic_annual,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    RETURNING id, created_at;`

	listRecentCyclesSQL = `SELECT
        id,
        cycle_ts,
        source_outcome,
        price_source,
        emission_source,
        current_price_milli,
        price_status,
        green_status,
        current_co2,
        should_start_now,
        recommendation_key,
        tariff,
        daily_savings::text,
        realistic_annual::text,
        payload,
        created_at
    FROM cycles
    ORDER BY cycle_ts DESC
    LIMIT $1;`

	countCyclesSQL = `SELECT COUNT(*) FROM cycles;`

	deleteCyclesBeforeSQL = `DELETE FROM cycles WHERE cycle_ts < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// CycleStore defines operations on the cycle audit log.
type CycleStore interface {
	EnsureSchema(ctx context.Context) error
	InsertCycle(ctx context.Context, rec CycleRecord) (CycleRecord, error)
	ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error)
	CountCycles(ctx context.Context) (int64, error)
	DeleteCyclesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

var (
	_ CycleStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

// Store is the PostgreSQL-backed cycle archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also dies with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the cycles table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, ensureSchemaSQL); execErr != nil {
		return fmt.Errorf("ensure schema: %w", execErr)
	}
	return nil
}

// InsertCycle appends a cycle to the audit log.
func (s *Store) InsertCycle(ctx context.Context, rec CycleRecord) (CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return CycleRecord{}, err
	}

	var price interface{}
	if rec.CurrentPriceMilli != nil {
		price = *rec.CurrentPriceMilli
	}
	var co2 interface{}
	if rec.CurrentCO2 != nil {
		co2 = *rec.CurrentCO2
	}
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	row := pool.QueryRow(ctx, insertCycleSQL,
		rec.CycleTS,
		rec.SourceOutcome,
		rec.PriceSource,
		rec.EmissionSource,
		price,
		rec.PriceStatus,
		rec.GreenStatus,
		co2,
		rec.ShouldStartNow,
		rec.RecommendationKey,
		rec.Tariff,
		rec.DailySavings.String(),
		rec.RealisticAnnual.String(),
		payload,
	)
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return CycleRecord{}, fmt.Errorf("insert cycle: %w", scanErr)
	}
	return rec, nil
}

// ListRecentCycles lists the most recent cycles ordered by descending cycle time.
func (s *Store) ListRecentCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentCyclesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent cycles: %w", queryErr)
	}
	defer rows.Close()

	cycles := make([]CycleRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanCycle(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		cycles = append(cycles, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cycles, nil
}

// CountCycles counts archived cycles.
func (s *Store) CountCycles(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countCyclesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count cycles: %w", scanErr)
	}
	return count, nil
}

// DeleteCyclesBefore prunes the archive and returns the number of removed rows.
func (s *Store) DeleteCyclesBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteCyclesBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete cycles before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanCycle(rows pgx.Rows) (CycleRecord, error) {
	var (
		rec          CycleRecord
		price        sql.NullInt64
		co2          sql.NullFloat64
		dailyStr     string
		realisticStr string
		payload      json.RawMessage
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.CycleTS,
		&rec.SourceOutcome,
		&rec.PriceSource,
		&rec.EmissionSource,
		&price,
		&rec.PriceStatus,
		&rec.GreenStatus,
		&co2,
		&rec.ShouldStartNow,
		&rec.RecommendationKey,
		&rec.Tariff,
		&dailyStr,
		&realisticStr,
		&payload,
		&rec.CreatedAt,
	); err != nil {
		return CycleRecord{}, err
	}

	daily, err := decimal.NewFromString(dailyStr)
	if err != nil {
		return CycleRecord{}, fmt.Errorf("parse daily savings: %w", err)
	}
	realistic, err := decimal.NewFromString(realisticStr)
	if err != nil {
		return CycleRecord{}, fmt.Errorf("parse realistic annual: %w", err)
	}
	rec.DailySavings = daily
	rec.RealisticAnnual = realistic
	rec.Payload = payload

	if price.Valid {
		value := price.Int64
		rec.CurrentPriceMilli = &value
	}
	if co2.Valid {
		value := co2.Float64
		rec.CurrentCO2 = &value
	}
	return rec, nil
}
