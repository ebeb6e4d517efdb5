package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one lifecycle event awaiting publication to the audit
// stream. Entries are written by the gateway alongside the ledger mutation
// and drained by the relay.
//
// Schema:
//
//	CREATE TABLE lifecycle_outbox (
//	    id              bigserial PRIMARY KEY,
//	    prescription_id text NOT NULL,
//	    action          text NOT NULL,
//	    actor           text NOT NULL,
//	    payload         jsonb NOT NULL,
//	    topic           text NOT NULL,
//	    msg_key         text NOT NULL,
//	    created_at      timestamptz NOT NULL DEFAULT now(),
//	    processed_at    timestamptz,
//	    retry_count     int NOT NULL DEFAULT 0,
//	    last_error      text
//	);
type OutboxEntry struct {
	ID             int64
	PrescriptionID string
	Action         string
	Actor          string
	Payload        json.RawMessage
	Topic          string
	Key            string
	CreatedAt      time.Time
	RetryCount     int
	LastError      *string
}

// OutboxConfig tunes the relay's polling behavior.
type OutboxConfig struct {
	// BatchSize is the number of entries fetched per poll.
	BatchSize int
	// PollInterval is the poll period.
	PollInterval time.Duration
	// MaxRetries is the publish attempt limit before dead-lettering.
	MaxRetries int
}

// DefaultOutboxConfig returns defaults sized for a single relay instance.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
	}
}

// DispatchFunc receives each fetched entry. Implementations publish the entry
// and then call MarkProcessed or MarkFailed.
type DispatchFunc func(entry *OutboxEntry)

// Outbox drains lifecycle events from the database to the audit stream.
// A single advisory lock keeps concurrent relay instances from double
// dispatching.
type Outbox struct {
	pool     *pgxpool.Pool
	config   OutboxConfig
	dispatch DispatchFunc
	logger   *zap.Logger
	tracer   trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// outboxLockID identifies this drainer in pg_try_advisory_lock.
const outboxLockID = int64(783310042)

// NewOutbox creates an outbox drainer.
func NewOutbox(pool *pgxpool.Pool, dispatch DispatchFunc, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:     pool,
		config:   cfg,
		dispatch: dispatch,
		logger:   logger,
		tracer:   otel.Tracer("lifecycle-outbox"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// WriteEntry inserts an entry inside the caller's transaction, so the event
// commits atomically with the state it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO lifecycle_outbox (prescription_id, action, actor, payload, topic, msg_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.PrescriptionID, entry.Action, entry.Actor,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Enqueue inserts an entry outside any caller transaction. The gateway uses
// it after a successful ledger write.
func Enqueue(ctx context.Context, pool *pgxpool.Pool, entry *OutboxEntry) error {
	query := `
		INSERT INTO lifecycle_outbox (prescription_id, action, actor, payload, topic, msg_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := pool.QueryRow(ctx, query,
		entry.PrescriptionID, entry.Action, entry.Actor,
		entry.Payload, entry.Topic, entry.Key,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	return nil
}

// Start begins polling.
func (o *Outbox) Start() {
	go o.pollLoop()
	o.logger.Info("outbox drainer started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop halts polling.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox drainer stopped")
}

func (o *Outbox) pollLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.drainBatch()
		}
	}
}

func (o *Outbox) drainBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_drain_batch")
	defer span.End()

	var acquired bool
	if err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", outboxLockID)

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("outbox fetch failed", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		o.dispatch(entry)
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, prescription_id, action, actor, payload, topic, msg_key,
		       created_at, retry_count, last_error
		FROM lifecycle_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.PrescriptionID, &entry.Action, &entry.Actor,
			&entry.Payload, &entry.Topic, &entry.Key,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkProcessed records a successful publish.
func (o *Outbox) MarkProcessed(ctx context.Context, id int64) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE lifecycle_outbox SET processed_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark processed %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed publish attempt; the entry is retried on a
// later poll until it exceeds MaxRetries.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	_, err := o.pool.Exec(ctx,
		`UPDATE lifecycle_outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
		cause.Error(), id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// DeadLetters returns entries that exhausted their retries.
func (o *Outbox) DeadLetters(ctx context.Context) ([]*OutboxEntry, error) {
	query := `
		SELECT id, prescription_id, action, actor, payload, topic, msg_key,
		       created_at, retry_count, last_error
		FROM lifecycle_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		ORDER BY id ASC
	`
	rows, err := o.pool.Query(ctx, query, o.config.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.PrescriptionID, &entry.Action, &entry.Actor,
			&entry.Payload, &entry.Topic, &entry.Key,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CleanupProcessed removes entries published more than olderThan ago.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := o.pool.Exec(ctx, `
		DELETE FROM lifecycle_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return result.RowsAffected(), nil
}

// OutboxStats summarizes outbox depth for the relay's gauges.
type OutboxStats struct {
	Pending       int64
	DeadLettered  int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	err := o.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lifecycle_outbox WHERE processed_at IS NULL AND retry_count < $1`,
		o.config.MaxRetries).Scan(&stats.Pending)
	if err != nil {
		return nil, err
	}
	err = o.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM lifecycle_outbox WHERE processed_at IS NULL AND retry_count >= $1`,
		o.config.MaxRetries).Scan(&stats.DeadLettered)
	if err != nil {
		return nil, err
	}
	o.pool.QueryRow(ctx,
		`SELECT MIN(created_at) FROM lifecycle_outbox WHERE processed_at IS NULL`).Scan(&stats.OldestPending)
	return stats, nil
}
