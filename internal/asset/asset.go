// Package asset holds the helpers shared by every asset lifecycle engine on
// the ledger: the deterministic transaction context, typed existence and
// retrieval checks, required-field validation and audit-record emission.
//
// Nothing in this package reads the local wall clock. Timestamps come from
// the Tx handed in by the invocation boundary, so independent re-executions
// of one logical operation observe identical values.
package asset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthlane/rxledger/internal/errs"
	"github.com/healthlane/rxledger/internal/ledger"
)

// Clock yields the transaction-agreed timestamp for an operation. The real
// implementation lives at the invocation boundary; engines only ever see the
// value already fixed inside a Tx.
type Clock interface {
	Now() time.Time
}

// FixedClock always returns T. Tests inject it to assert exact expiry math.
type FixedClock struct {
	T time.Time
}

func (c FixedClock) Now() time.Time { return c.T }

// SystemClock reads the local clock, truncated to seconds in UTC. Only the
// boundary layer may use it, and only to stamp a Tx before entering an engine.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Second) }

// Tx is the per-invocation transaction context: an identifier, the agreed
// timestamp, and the caller identity established by the authorization layer.
type Tx struct {
	ID        string
	Timestamp time.Time
	Caller    string
}

// NewTx builds a Tx from boundary-supplied values.
func NewTx(id string, ts time.Time, caller string) Tx {
	return Tx{ID: id, Timestamp: ts.UTC(), Caller: caller}
}

// typeProbe extracts only the document type tag from a stored value.
type typeProbe struct {
	DocType string `json:"docType"`
}

// Exists reports whether any live value is stored under key.
func Exists(ctx context.Context, store ledger.Store, key string) (bool, error) {
	ok, err := store.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return ok, nil
}

// Get loads the value under key into out, verifying its docType tag. A missing
// key or a mismatched tag both surface as NotFoundError, so assets of one kind
// can never be read as another even though all kinds share one store.
// The returned version must accompany the subsequent optimistic write.
func Get(ctx context.Context, store ledger.Store, key, assetType, wantDocType, id string, out any) (uint64, error) {
	v, err := store.Get(ctx, key)
	if err != nil {
		if err == ledger.ErrNotFound {
			return 0, errs.NotFound(assetType, id)
		}
		return 0, fmt.Errorf("get %s: %w", key, err)
	}

	var probe typeProbe
	if err := json.Unmarshal(v.Value, &probe); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	if probe.DocType != wantDocType {
		return 0, errs.NotFound(assetType, id)
	}
	if err := json.Unmarshal(v.Value, out); err != nil {
		return 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return v.Version, nil
}

// RequireFields checks that every named field is present and non-empty,
// reporting the first missing one.
func RequireFields(fields map[string]string, names ...string) error {
	for _, name := range names {
		if fields[name] == "" {
			return errs.MissingField(name)
		}
	}
	return nil
}
