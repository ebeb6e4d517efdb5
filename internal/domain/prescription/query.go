package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthlane/rxledger/internal/asset"
	"github.com/healthlane/rxledger/internal/ledger"
	"github.com/healthlane/rxledger/internal/validate"
)

// ByPatient returns a patient's prescriptions, newest issue first.
func (e *Engine) ByPatient(ctx context.Context, patientID string) ([]*Prescription, error) {
	if err := validate.ID("patientId", patientID); err != nil {
		return nil, err
	}
	return e.query(ctx, ledger.Query{
		Selector:   map[string]string{"docType": DocType, "patientId": patientID},
		SortField:  "issuedDate",
		Descending: true,
	})
}

// ByDoctor returns a doctor's prescriptions, newest issue first.
func (e *Engine) ByDoctor(ctx context.Context, doctorID string) ([]*Prescription, error) {
	if err := validate.ID("doctorId", doctorID); err != nil {
		return nil, err
	}
	return e.query(ctx, ledger.Query{
		Selector:   map[string]string{"docType": DocType, "doctorId": doctorID},
		SortField:  "issuedDate",
		Descending: true,
	})
}

// ByPharmacy returns prescriptions fully dispensed by a pharmacy, most recent
// dispense first. Partial dispenses do not stamp the root and are not matched.
func (e *Engine) ByPharmacy(ctx context.Context, pharmacyID string) ([]*Prescription, error) {
	if err := validate.ID("pharmacyId", pharmacyID); err != nil {
		return nil, err
	}
	return e.query(ctx, ledger.Query{
		Selector:   map[string]string{"docType": DocType, "dispensedBy": pharmacyID},
		SortField:  "dispensedAt",
		Descending: true,
	})
}

// ActiveUnexpired returns prescriptions that are still active and not expired
// as of the transaction timestamp, newest issue first. The expiry cut is
// applied engine-side against the deterministic clock rather than pushed into
// the store as a range selector.
func (e *Engine) ActiveUnexpired(ctx context.Context, tx asset.Tx) ([]*Prescription, error) {
	results, err := e.query(ctx, ledger.Query{
		Selector:   map[string]string{"docType": DocType, "status": string(StatusActive)},
		SortField:  "issuedDate",
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	out := results[:0]
	for _, p := range results {
		if !p.IsExpired(tx.Timestamp) {
			out = append(out, p)
		}
	}
	return out, nil
}

// ByMedication returns prescriptions whose medication names contain term,
// case-insensitively. The term is matched as a literal substring; regex
// metacharacters have no special meaning.
func (e *Engine) ByMedication(ctx context.Context, term string) ([]*Prescription, error) {
	if err := validate.NonEmpty("medication", term); err != nil {
		return nil, err
	}
	return e.query(ctx, ledger.Query{
		Selector:   map[string]string{"docType": DocType},
		Match:      map[string]string{"medications[].name": term},
		SortField:  "issuedDate",
		Descending: true,
	})
}

// RevisionSummary is one historical state of a prescription key.
type RevisionSummary struct {
	Version      uint64        `json:"version"`
	Timestamp    time.Time     `json:"timestamp"`
	Deleted      bool          `json:"deleted"`
	Prescription *Prescription `json:"prescription,omitempty"`
}

// GetHistory returns every ledger revision of a prescription, oldest first.
func (e *Engine) GetHistory(ctx context.Context, id string) ([]RevisionSummary, error) {
	if err := validate.ID("prescriptionId", id); err != nil {
		return nil, err
	}
	// Ensure the live record exists and is a prescription before exposing
	// raw key history.
	if _, _, err := e.load(ctx, id); err != nil {
		return nil, err
	}

	revisions, err := e.store.History(ctx, Key(id))
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}

	out := make([]RevisionSummary, 0, len(revisions))
	for _, rev := range revisions {
		summary := RevisionSummary{
			Version:   rev.Version,
			Timestamp: rev.Timestamp,
			Deleted:   rev.Deleted,
		}
		if !rev.Deleted {
			var p Prescription
			if err := json.Unmarshal(rev.Value, &p); err == nil {
				summary.Prescription = &p
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

func (e *Engine) query(ctx context.Context, q ledger.Query) ([]*Prescription, error) {
	results, err := e.store.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("rich query: %w", err)
	}
	out := make([]*Prescription, 0, len(results))
	for _, v := range results {
		var p Prescription
		if err := json.Unmarshal(v.Value, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", v.Key, err)
		}
		out = append(out, &p)
	}
	return out, nil
}
