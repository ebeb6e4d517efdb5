// Package postgres provides PostgreSQL infrastructure components: the
// versioned asset store backing the lifecycle engines and the transactional
// outbox feeding the audit relay.
//
// Store schema:
//
//	CREATE TABLE assets (
//	    key      text PRIMARY KEY,
//	    payload  jsonb,
//	    version  bigint NOT NULL DEFAULT 0,
//	    deleted  boolean NOT NULL DEFAULT false
//	);
//	CREATE TABLE asset_history (
//	    key      text NOT NULL,
//	    version  bigint NOT NULL,
//	    payload  jsonb,
//	    ts       timestamptz NOT NULL DEFAULT now(),
//	    deleted  boolean NOT NULL DEFAULT false,
//	    PRIMARY KEY (key, version)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthlane/rxledger/internal/ledger"
)

// Store is the pgx-backed ledger.Store. Optimistic writes are compare-and-set
// updates on the version column; every accepted write appends a history row
// in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewStore creates a store over pool.
func NewStore(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger, tracer: otel.Tracer("asset-store")}
}

func (s *Store) Get(ctx context.Context, key string) (ledger.Versioned, error) {
	var v ledger.Versioned
	v.Key = key

	query := `SELECT payload, version FROM assets WHERE key = $1 AND NOT deleted`
	err := s.pool.QueryRow(ctx, query, key).Scan(&v.Value, &v.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Versioned{}, ledger.ErrNotFound
		}
		return ledger.Versioned{}, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) error {
	ctx, span := s.tracer.Start(ctx, "store_put",
		trace.WithAttributes(
			attribute.String("key", key),
			attribute.Int64("expected_version", int64(expectedVersion)),
		))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var newVersion uint64
	if expectedVersion == 0 {
		// Create: the key must not exist, or must be a tombstone. Reviving a
		// tombstone keeps its version counter advancing.
		err = tx.QueryRow(ctx, `
			UPDATE assets SET payload = $2, version = version + 1, deleted = false
			WHERE key = $1 AND deleted
			RETURNING version
		`, key, value).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			err = tx.QueryRow(ctx, `
				INSERT INTO assets (key, payload, version, deleted)
				VALUES ($1, $2, 1, false)
				ON CONFLICT (key) DO NOTHING
				RETURNING version
			`, key, value).Scan(&newVersion)
			if errors.Is(err, pgx.ErrNoRows) {
				span.SetAttributes(attribute.Bool("conflict", true))
				return ledger.ErrVersionConflict
			}
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE assets SET payload = $2, version = version + 1
			WHERE key = $1 AND version = $3 AND NOT deleted
			RETURNING version
		`, key, value, expectedVersion).Scan(&newVersion)
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetAttributes(attribute.Bool("conflict", true))
			return ledger.ErrVersionConflict
		}
	}
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO asset_history (key, version, payload, deleted)
		VALUES ($1, $2, $3, false)
	`, key, newVersion, value)
	if err != nil {
		return fmt.Errorf("append history %s: %w", key, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string, expectedVersion uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var newVersion uint64
	err = tx.QueryRow(ctx, `
		UPDATE assets SET payload = NULL, version = version + 1, deleted = true
		WHERE key = $1 AND version = $2 AND NOT deleted
		RETURNING version
	`, key, expectedVersion).Scan(&newVersion)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO asset_history (key, version, payload, deleted)
		VALUES ($1, $2, NULL, true)
	`, key, newVersion)
	if err != nil {
		return fmt.Errorf("append history %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM assets WHERE key = $1 AND NOT deleted)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return exists, nil
}

func (s *Store) Query(ctx context.Context, q ledger.Query) ([]ledger.Versioned, error) {
	ctx, span := s.tracer.Start(ctx, "store_query")
	defer span.End()

	sql, args := buildQuerySQL(q)
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("rich query: %w", err)
	}
	defer rows.Close()

	var out []ledger.Versioned
	for rows.Next() {
		var v ledger.Versioned
		if err := rows.Scan(&v.Key, &v.Value, &v.Version); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, rows.Err()
}

func (s *Store) History(ctx context.Context, key string) ([]ledger.Revision, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT version, payload, ts, deleted
		FROM asset_history
		WHERE key = $1
		ORDER BY version ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", key, err)
	}
	defer rows.Close()

	var out []ledger.Revision
	for rows.Next() {
		var rev ledger.Revision
		if err := rows.Scan(&rev.Version, &rev.Value, &rev.Timestamp, &rev.Deleted); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ledger.ErrNotFound
	}
	return out, nil
}

// buildQuerySQL translates the Query contract to SQL. Selector entries become
// JSONB field equality, Match entries become escaped ILIKE substring checks
// (any-element for "arr[].field" paths), and the sort order is the string
// value of the sort field with the key as deterministic tiebreaker.
func buildQuerySQL(q ledger.Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	where = append(where, "NOT deleted")

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, field := range sortedKeys(q.Selector) {
		where = append(where,
			fmt.Sprintf("payload->>%s = %s", arg(field), arg(q.Selector[field])))
	}
	for _, path := range sortedKeys(q.Match) {
		pattern := "%" + escapeLike(q.Match[path]) + "%"
		if arr, field, nested := strings.Cut(path, "[]."); nested {
			where = append(where, fmt.Sprintf(
				`EXISTS (SELECT 1 FROM jsonb_array_elements(payload->%s) el WHERE el->>%s ILIKE %s ESCAPE '\')`,
				arg(arr), arg(field), arg(pattern)))
		} else {
			where = append(where, fmt.Sprintf(
				`payload->>%s ILIKE %s ESCAPE '\'`, arg(path), arg(pattern)))
		}
	}

	sql := "SELECT key, payload, version FROM assets WHERE " + strings.Join(where, " AND ")
	if q.SortField != "" {
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		sql += fmt.Sprintf(" ORDER BY payload->>%s %s, key ASC", arg(q.SortField), dir)
	} else {
		sql += " ORDER BY key ASC"
	}
	if q.Limit > 0 {
		sql += " LIMIT " + arg(q.Limit)
	}
	return sql, args
}

// escapeLike makes a needle match literally inside an ILIKE pattern.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Deterministic clause order keeps generated SQL stable across calls.
	sort.Strings(keys)
	return keys
}
