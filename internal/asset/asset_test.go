package asset

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/healthlane/rxledger/internal/errs"
	"github.com/healthlane/rxledger/internal/ledger"
)

var testTime = time.Date(2024, 5, 10, 9, 30, 0, 0, time.UTC)

func TestNewTxNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	tx := NewTx("tx-1", time.Date(2024, 5, 10, 4, 30, 0, 0, loc), "dr-jones")

	if tx.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp location = %v, want UTC", tx.Timestamp.Location())
	}
	if !tx.Timestamp.Equal(testTime) {
		t.Errorf("timestamp = %v, want %v", tx.Timestamp, testTime)
	}
}

func TestFixedClock(t *testing.T) {
	c := FixedClock{T: testTime}
	if !c.Now().Equal(testTime) {
		t.Errorf("Now() = %v, want %v", c.Now(), testTime)
	}
}

func TestGetChecksDocType(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	doc := []byte(`{"docType":"audit","auditId":"a1"}`)
	if err := store.Put(ctx, "rx-1", doc, 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// The key exists but holds a different document kind.
	var out map[string]any
	_, err := Get(ctx, store, "rx-1", "prescription", "prescription", "rx-1", &out)
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestGetReturnsVersion(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()

	doc := []byte(`{"docType":"prescription","prescriptionId":"rx-1"}`)
	if err := store.Put(ctx, "rx-1", doc, 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "rx-1", doc, 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	var out map[string]any
	version, err := Get(ctx, store, "rx-1", "prescription", "prescription", "rx-1", &out)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestGetMissingKeyIsNotFound(t *testing.T) {
	store := ledger.NewMemoryStore()

	var out map[string]any
	_, err := Get(context.Background(), store, "absent", "prescription", "prescription", "absent", &out)
	if !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
}

func TestAuditIDDeterministic(t *testing.T) {
	tx := NewTx("tx-1", testTime, "dr-jones")

	a := NewAuditRecord(tx, "CREATED", "rx-1", nil)
	b := NewAuditRecord(tx, "CREATED", "rx-1", nil)
	if a.ID != b.ID {
		t.Errorf("same transition produced different IDs: %s vs %s", a.ID, b.ID)
	}

	c := NewAuditRecord(tx, "CANCELLED", "rx-1", nil)
	if a.ID == c.ID {
		t.Error("distinct actions produced identical IDs")
	}

	other := NewTx("tx-2", testTime, "dr-jones")
	d := NewAuditRecord(other, "CREATED", "rx-1", nil)
	if a.ID == d.ID {
		t.Error("distinct transactions produced identical IDs")
	}
}

func TestLedgerRecorderWritesRecord(t *testing.T) {
	store := ledger.NewMemoryStore()
	rec := NewLedgerRecorder(store, nil)
	tx := NewTx("tx-1", testTime, "pharm-9")

	record := NewAuditRecord(tx, "DISPENSED", "rx-1", map[string]string{"pharmacyId": "ph-1"})
	if err := rec.Record(context.Background(), record); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	v, err := store.Get(context.Background(), AuditKey(record))
	if err != nil {
		t.Fatalf("stored record not found: %v", err)
	}
	var stored AuditRecord
	if err := json.Unmarshal(v.Value, &stored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if stored.DocType != AuditDocType {
		t.Errorf("docType = %s, want %s", stored.DocType, AuditDocType)
	}
	if stored.Actor != "pharm-9" || stored.Action != "DISPENSED" || stored.TargetID != "rx-1" {
		t.Errorf("stored record mismatch: %+v", stored)
	}
	if !stored.Timestamp.Equal(testTime) {
		t.Errorf("timestamp = %v, want %v", stored.Timestamp, testTime)
	}
}

func TestRequireFields(t *testing.T) {
	fields := map[string]string{"patientId": "p1", "doctorId": ""}

	if err := RequireFields(fields, "patientId"); err != nil {
		t.Errorf("present field rejected: %v", err)
	}
	err := RequireFields(fields, "patientId", "doctorId")
	if err == nil {
		t.Fatal("missing field accepted")
	}
	if errs.CodeOf(err) != errs.CodeMissingField {
		t.Errorf("code = %s, want %s", errs.CodeOf(err), errs.CodeMissingField)
	}
}
