// Package postgres implements store.Store over a pgx connection pool,
// following the teacher's raw-SQL-constant-plus-NamedArgs idiom rather than
// a code-generation pipeline.
package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leafpulse/tracker/internal/store"
)

// Store persists every §3 entity over a shared pgx pool. The same type backs
// both pooled and transactional execution: conn() picks whichever of tx/pool
// is set, so every method works unmodified inside WithinRetailerProductTx.
type Store struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open creates a pgx pool for dsn and wraps it in a Store.
func Open(ctx context.Context, dsn string) (*Store, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	return New(pool), pool, nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, mirroring the
// teacher's order_store.go dual-mode (pooled vs. transactional) execution.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) conn() execer {
	if s.tx != nil {
		return s.tx
	}
	if s.pool != nil {
		return s.pool
	}
	return errExecer{err: fmt.Errorf("store: no connection")}
}

// WithinRetailerProductTx runs fn inside a single database transaction,
// serializing reads/writes for one (retailer, product) pair per the ingestion
// engine's per-pair requirement (spec §4.4). Postgres's row-level lock on the
// current_inventory upsert provides the actual serialization; the
// transaction boundary makes the read-modify-write ingestion sequence atomic.
func (s *Store) WithinRetailerProductTx(ctx context.Context, retailerID, productID string, fn func(ctx context.Context, tx store.Store) error) error {
	_ = retailerID
	_ = productID
	if s.pool == nil {
		return fmt.Errorf("store: nil pool")
	}

	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite

	tx, err := s.pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	txStore := &Store{tx: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("store: rollback tx: %w (original error: %v)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}

// errExecer lets a missing connection surface through the normal
// conn()-returning call sites instead of panicking.
type errExecer struct{ err error }

func (e errExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, e.err
}
func (e errExecer) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, e.err
}
func (e errExecer) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return errRow{err: e.err}
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

func encodeJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	if m, ok := v.(map[string]any); ok && len(m) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encode json: %w", err)
	}
	return data, nil
}

func decodeJSONMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("store: decode json: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullableInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}
