// Package retry re-executes ledger operations that lost an optimistic write
// race. Only version conflicts are retried; every other failure, including a
// duplicate-key conflict, is returned to the caller on the first attempt.
package retry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/healthlane/rxledger/internal/errs"
)

// Config controls retry behavior.
type Config struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the base delay between tries; it grows linearly.
	Backoff time.Duration
}

// DefaultConfig returns defaults suitable for gateway request handling.
func DefaultConfig() Config {
	return Config{
		Attempts: 3,
		Backoff:  25 * time.Millisecond,
	}
}

// Retryable reports whether err is a lost optimistic write that a fresh
// read-validate-write cycle could resolve.
func Retryable(err error) bool {
	return errs.IsKind(err, errs.KindConflict) && errs.CodeOf(err) == errs.CodeVersionConflict
}

// Do runs fn until it succeeds, fails non-retryably, or attempts run out.
func Do(ctx context.Context, cfg Config, logger *zap.Logger, fn func() error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}

	var err error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt == cfg.Attempts {
			break
		}

		logger.Warn("write conflict, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Backoff * time.Duration(attempt)):
		}
	}
	return err
}
