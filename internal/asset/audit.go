package asset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthlane/rxledger/internal/ledger"
	"go.uber.org/zap"
)

// AuditDocType tags stored audit records.
const AuditDocType = "audit"

// AuditRecord is an independent, append-only entry describing who did what to
// which asset and when. Audit keys are derived from the transaction, not the
// asset, so the trail survives however the asset itself is later queried.
type AuditRecord struct {
	DocType   string            `json:"docType"`
	ID        string            `json:"auditId"`
	Action    string            `json:"action"`
	TargetID  string            `json:"targetId"`
	Actor     string            `json:"actor"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Recorder emits audit records. Engines call it exactly once per mutation.
type Recorder interface {
	Record(ctx context.Context, rec AuditRecord) error
}

// NewAuditRecord builds a record for one transition within tx. The record ID
// is a hash of (txID, action, targetID): deterministic across re-executions,
// collision-free across the distinct transitions of one transaction.
func NewAuditRecord(tx Tx, action, targetID string, details map[string]string) AuditRecord {
	return AuditRecord{
		DocType:   AuditDocType,
		ID:        deriveAuditID(tx.ID, action, targetID),
		Action:    action,
		TargetID:  targetID,
		Actor:     tx.Caller,
		Timestamp: tx.Timestamp,
		Details:   details,
	}
}

func deriveAuditID(txID, action, targetID string) string {
	sum := sha256.Sum256([]byte(txID + "|" + action + "|" + targetID))
	return hex.EncodeToString(sum[:16])
}

// AuditKey is the ledger key for a record: independent of the asset key space.
func AuditKey(rec AuditRecord) string {
	return "audit:" + rec.TargetID + ":" + rec.ID
}

// LedgerRecorder persists audit records on the same ledger as the assets,
// under their own key space, with a create-only optimistic write.
type LedgerRecorder struct {
	store  ledger.Store
	logger *zap.Logger
}

// NewLedgerRecorder creates a recorder over store.
func NewLedgerRecorder(store ledger.Store, logger *zap.Logger) *LedgerRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerRecorder{store: store, logger: logger}
}

func (r *LedgerRecorder) Record(ctx context.Context, rec AuditRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if err := r.store.Put(ctx, AuditKey(rec), value, 0); err != nil {
		return fmt.Errorf("write audit record %s: %w", rec.ID, err)
	}
	r.logger.Debug("audit record written",
		zap.String("action", rec.Action),
		zap.String("target_id", rec.TargetID),
		zap.String("actor", rec.Actor),
	)
	return nil
}

// NopRecorder discards records. Useful in tests that assert engine state only.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, AuditRecord) error { return nil }
