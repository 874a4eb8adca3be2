package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createPoolEventsSQL = `CREATE TABLE IF NOT EXISTS pool_events (
        id               BIGSERIAL PRIMARY KEY,
        pool             TEXT        NOT NULL,
        event_type       TEXT        NOT NULL,
        block_number     BIGINT      NOT NULL,
        tx_hash          TEXT        NOT NULL,
        log_index        INTEGER     NOT NULL,
        priority         TEXT        NOT NULL,
        reserve0         NUMERIC(78,0),
        reserve1         NUMERIC(78,0),
        price            NUMERIC,
        price_delta      NUMERIC,
        liquidity_change NUMERIC(79,0),
        event_ts         TIMESTAMPTZ NOT NULL,
        received_at      TIMESTAMPTZ NOT NULL,
        created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE (tx_hash, log_index)
    );`

	createPoolEventsIndexSQL = `CREATE INDEX IF NOT EXISTS pool_events_pool_ts_idx ON pool_events (pool, event_ts);`

	createPipelineMetricsSQL = `CREATE TABLE IF NOT EXISTS pipeline_metrics (
        at               TIMESTAMPTZ PRIMARY KEY,
        events_received  BIGINT  NOT NULL,
        events_filtered  BIGINT  NOT NULL,
        events_retained  BIGINT  NOT NULL DEFAULT 0,
        events_emitted   BIGINT  NOT NULL,
        events_dropped   BIGINT  NOT NULL,
        events_debounced BIGINT  NOT NULL,
        avg_latency_ms   NUMERIC NOT NULL,
        throughput       NUMERIC NOT NULL,
        queue_size       INTEGER NOT NULL
    );`

	addEventsRetainedSQL = `ALTER TABLE pipeline_metrics ADD COLUMN IF NOT EXISTS events_retained BIGINT NOT NULL DEFAULT 0;`

	insertPoolEventSQL = `INSERT INTO pool_events (
        pool,
        event_type,
        block_number,
        tx_hash,
        log_index,
        priority,
        reserve0,
        reserve1,
        price,
        price_delta,
        liquidity_change,
        event_ts,
        received_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7::numeric,$8::numeric,$9::numeric,$10::numeric,$11::numeric,$12,$13
    )
    ON CONFLICT (tx_hash, log_index) DO NOTHING;`

	selectPoolEventColumns = `SELECT
        id,
        pool,
        event_type,
        block_number,
        tx_hash,
        log_index,
        priority,
        reserve0::text,
        reserve1::text,
        price::text,
        price_delta::text,
        liquidity_change::text,
        event_ts,
        received_at,
        created_at
    FROM pool_events`

	listPoolEventsBetweenSQL = selectPoolEventColumns + `
    WHERE pool = $1
      AND event_ts >= $2
      AND event_ts < $3
    ORDER BY event_ts
    LIMIT $4;`

	listRecentEventsSQL = selectPoolEventColumns + `
    ORDER BY event_ts DESC
    LIMIT $1;`

	countEventsSQL = `SELECT COUNT(*) FROM pool_events;`

	deleteEventsBeforeSQL = `DELETE FROM pool_events WHERE event_ts < $1;`

	upsertMetricsSQL = `INSERT INTO pipeline_metrics (
        at,
        events_received,
        events_filtered,
        events_retained,
        events_emitted,
        events_dropped,
        events_debounced,
        avg_latency_ms,
        throughput,
        queue_size
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10
    )
    ON CONFLICT (at) DO UPDATE
    SET events_received  = EXCLUDED.events_received,
        events_filtered  = EXCLUDED.events_filtered,
        events_retained  = EXCLUDED.events_retained,
        events_emitted   = EXCLUDED.events_emitted,
        events_dropped   = EXCLUDED.events_dropped,
        events_debounced = EXCLUDED.events_debounced,
        avg_latency_ms   = EXCLUDED.avg_latency_ms,
        throughput       = EXCLUDED.throughput,
        queue_size       = EXCLUDED.queue_size;`

	listRecentMetricsSQL = `SELECT
        at,
        events_received,
        events_filtered,
        events_retained,
        events_emitted,
        events_dropped,
        events_debounced,
        avg_latency_ms::text,
        throughput::text,
        queue_size
    FROM pipeline_metrics
    ORDER BY at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore defines operations for pool event persistence.
type EventStore interface {
	InsertPoolEvent(ctx context.Context, rec EventRecord) error
	ListPoolEventsBetween(ctx context.Context, pool common.Address, from, to time.Time, limit int) ([]EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	CountEvents(ctx context.Context) (int64, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// MetricsStore defines operations for pipeline metrics snapshots.
type MetricsStore interface {
	UpsertMetrics(ctx context.Context, rec MetricsRecord) error
	ListRecentMetrics(ctx context.Context, limit int) ([]MetricsRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to pool events and metrics snapshots.
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

// EnsureSchema creates the tables used by the sink when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createPoolEventsSQL, createPoolEventsIndexSQL, createPipelineMetricsSQL, addEventsRetainedSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
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
		// A failed unlock is released with the session when the connection closes.
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

// InsertPoolEvent persists a filtered event. Duplicate (tx, log index) pairs are ignored.
func (s *Store) InsertPoolEvent(ctx context.Context, rec EventRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertPoolEventSQL,
		rec.Pool.Hex(),
		rec.EventType,
		int64(rec.BlockNumber),
		rec.TxHash.Hex(),
		int32(rec.LogIndex),
		rec.Priority,
		bigParam(rec.Reserve0),
		bigParam(rec.Reserve1),
		decimalParam(rec.Price),
		decimalParam(rec.PriceDelta),
		bigParam(rec.LiquidityChange),
		rec.EventTime,
		rec.ReceivedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert pool event: %w", execErr)
	}
	return nil
}

// ListPoolEventsBetween lists a pool's events within a time window, oldest first.
func (s *Store) ListPoolEventsBetween(ctx context.Context, addr common.Address, from, to time.Time, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPoolEventsBetweenSQL, addr.Hex(), from, to, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list pool events between: %w", queryErr)
	}
	return collectEvents(rows)
}

// ListRecentEvents lists the most recent events ordered by descending event time.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	return collectEvents(rows)
}

// CountEvents counts stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// DeleteEventsBefore deletes events older than the cutoff and reports how many.
func (s *Store) DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete events before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// UpsertMetrics persists a pipeline metrics snapshot keyed by its timestamp.
func (s *Store) UpsertMetrics(ctx context.Context, rec MetricsRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	latencyMs := decimal.NewFromInt(rec.AverageLatency.Microseconds()).Div(decimal.NewFromInt(1000))
	_, execErr := pool.Exec(ctx, upsertMetricsSQL,
		rec.At,
		int64(rec.EventsReceived),
		int64(rec.EventsFiltered),
		int64(rec.EventsRetained),
		int64(rec.EventsEmitted),
		int64(rec.EventsDropped),
		int64(rec.EventsDebounced),
		latencyMs.String(),
		rec.Throughput.String(),
		int32(rec.QueueSize),
	)
	if execErr != nil {
		return fmt.Errorf("upsert metrics: %w", execErr)
	}
	return nil
}

// ListRecentMetrics lists the most recent snapshots ordered by descending time.
func (s *Store) ListRecentMetrics(ctx context.Context, limit int) ([]MetricsRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentMetricsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent metrics: %w", queryErr)
	}
	defer rows.Close()

	records := make([]MetricsRecord, 0, limit)
	for rows.Next() {
		var (
			rec                          MetricsRecord
			received, filtered, emitted  int64
			retained, dropped, debounced int64
			latencyStr, throughputStr    string
			queueSize                    int32
		)
		if err := rows.Scan(
			&rec.At,
			&received,
			&filtered,
			&retained,
			&emitted,
			&dropped,
			&debounced,
			&latencyStr,
			&throughputStr,
			&queueSize,
		); err != nil {
			return nil, err
		}

		latencyMs, convErr := decimal.NewFromString(latencyStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse latency: %w", convErr)
		}
		rec.Throughput, convErr = decimal.NewFromString(throughputStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse throughput: %w", convErr)
		}
		rec.EventsReceived = uint64(received)
		rec.EventsFiltered = uint64(filtered)
		rec.EventsRetained = uint64(retained)
		rec.EventsEmitted = uint64(emitted)
		rec.EventsDropped = uint64(dropped)
		rec.EventsDebounced = uint64(debounced)
		rec.AverageLatency = time.Duration(latencyMs.Mul(decimal.NewFromInt(int64(time.Millisecond))).IntPart())
		rec.QueueSize = int(queueSize)

		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func collectEvents(rows pgx.Rows) ([]EventRecord, error) {
	defer rows.Close()

	events := make([]EventRecord, 0)
	for rows.Next() {
		rec, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanEvent(rows pgx.Rows) (EventRecord, error) {
	var (
		rec        EventRecord
		poolHex    string
		txHex      string
		block      int64
		logIndex   int32
		reserve0   sql.NullString
		reserve1   sql.NullString
		price      sql.NullString
		priceDelta sql.NullString
		liquidity  sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&poolHex,
		&rec.EventType,
		&block,
		&txHex,
		&logIndex,
		&rec.Priority,
		&reserve0,
		&reserve1,
		&price,
		&priceDelta,
		&liquidity,
		&rec.EventTime,
		&rec.ReceivedAt,
		&rec.CreatedAt,
	); err != nil {
		return EventRecord{}, err
	}

	rec.Pool = common.HexToAddress(poolHex)
	rec.TxHash = common.HexToHash(txHex)
	rec.BlockNumber = uint64(block)
	rec.LogIndex = uint(logIndex)

	var err error
	if rec.Reserve0, err = parseBig("reserve0", reserve0); err != nil {
		return EventRecord{}, err
	}
	if rec.Reserve1, err = parseBig("reserve1", reserve1); err != nil {
		return EventRecord{}, err
	}
	if rec.LiquidityChange, err = parseBig("liquidity_change", liquidity); err != nil {
		return EventRecord{}, err
	}
	if rec.Price, err = parseDecimal("price", price); err != nil {
		return EventRecord{}, err
	}
	if rec.PriceDelta, err = parseDecimal("price_delta", priceDelta); err != nil {
		return EventRecord{}, err
	}
	return rec, nil
}

func bigParam(v *big.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func decimalParam(v *decimal.Decimal) interface{} {
	if v == nil {
		return nil
	}
	return v.String()
}

func parseBig(name string, s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s: invalid integer %q", name, s.String)
	}
	return v, nil
}

func parseDecimal(name string, s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	v, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return &v, nil
}
