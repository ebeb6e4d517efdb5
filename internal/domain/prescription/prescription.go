// Package prescription implements the prescription lifecycle engine: a
// versioned record on the shared asset ledger moving through a strict state
// machine with refill accounting, deterministic expiry computation and an
// append-only audit trail.
package prescription

import (
	"fmt"
	"time"

	"github.com/healthlane/rxledger/internal/validate"
)

// DocType tags prescription documents on the shared ledger.
const DocType = "prescription"

// Status is the lifecycle state of a prescription.
type Status string

const (
	StatusActive    Status = "active"
	StatusDispensed Status = "dispensed"
	StatusCancelled Status = "cancelled"
)

// Duration units accepted on medication line items. Anything else is treated
// as days.
const (
	UnitDays   = "days"
	UnitWeeks  = "weeks"
	UnitMonths = "months"
)

// expiryBufferDays is added on top of the longest medication course.
const expiryBufferDays = 30

// Medication is one line item on a prescription. RefillsRemaining only ever
// decreases and never drops below zero.
type Medication struct {
	Name                string   `json:"name"`
	GenericName         string   `json:"genericName,omitempty"`
	Dosage              string   `json:"dosage"`
	Frequency           string   `json:"frequency"`
	Duration            float64  `json:"duration"`
	DurationUnit        string   `json:"durationUnit,omitempty"`
	Instructions        string   `json:"instructions,omitempty"`
	Quantity            float64  `json:"quantity"`
	RefillsAllowed      int      `json:"refillsAllowed"`
	RefillsRemaining    int      `json:"refillsRemaining"`
	Warnings            []string `json:"warnings,omitempty"`
	SubstitutionAllowed bool     `json:"substitutionAllowed"`
}

// durationDays converts the line item's course length to days: weeks are 7
// days, months 30, anything else is already days.
func (m Medication) durationDays() float64 {
	switch m.DurationUnit {
	case UnitWeeks:
		return m.Duration * 7
	case UnitMonths:
		return m.Duration * 30
	default:
		return m.Duration
	}
}

// validateShape runs the line-item validators, naming the offending field by
// its position in the medications array.
func (m Medication) validateShape(i int) error {
	field := func(name string) string { return fmt.Sprintf("medications[%d].%s", i, name) }

	if err := validate.NonEmpty(field("name"), m.Name); err != nil {
		return err
	}
	if err := validate.NonEmpty(field("dosage"), m.Dosage); err != nil {
		return err
	}
	if err := validate.NonEmpty(field("frequency"), m.Frequency); err != nil {
		return err
	}
	if err := validate.Positive(field("duration"), m.Duration); err != nil {
		return err
	}
	if err := validate.Positive(field("quantity"), m.Quantity); err != nil {
		return err
	}
	return validate.NonNegative(field("refillsAllowed"), m.RefillsAllowed)
}

// Diagnosis describes the condition the prescription treats.
type Diagnosis struct {
	Condition string `json:"condition"`
	Code      string `json:"code,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// DispensingRecord is one dispense event. The list is append-only.
type DispensingRecord struct {
	PharmacyID           string    `json:"pharmacyId"`
	PharmacistID         string    `json:"pharmacistId"`
	Timestamp            time.Time `json:"timestamp"`
	MedicationsDispensed []string  `json:"medicationsDispensed,omitempty"`
	Partial              bool      `json:"partial"`
	Notes                string    `json:"notes,omitempty"`
}

// RefillEvent is one refill call covering every medication refilled in it.
// RefillNumber is sequential across the prescription's lifetime.
type RefillEvent struct {
	Date         time.Time `json:"date"`
	PharmacyID   string    `json:"pharmacyId"`
	Medications  []string  `json:"medications"`
	RefillNumber int       `json:"refillNumber"`
}

// HistoryEntry records one transition. Every mutation appends exactly one.
type HistoryEntry struct {
	Action    string            `json:"action"`
	Actor     string            `json:"actor"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Transition actions recorded in history and audit entries.
const (
	ActionCreated            = "CREATED"
	ActionDispensed          = "DISPENSED"
	ActionPartiallyDispensed = "PARTIALLY_DISPENSED"
	ActionRefilled           = "REFILLED"
	ActionCancelled          = "CANCELLED"
	ActionNoteAdded          = "NOTE_ADDED"
)

// Prescription is the root entity stored on the ledger. The prescription ID
// doubles as the ledger key; the docType tag defends against key collisions
// with other asset kinds sharing the store.
type Prescription struct {
	DocType            string             `json:"docType"`
	PrescriptionID     string             `json:"prescriptionId"`
	PatientID          string             `json:"patientId"`
	DoctorID           string             `json:"doctorId"`
	AppointmentID      string             `json:"appointmentId,omitempty"`
	Medications        []Medication       `json:"medications"`
	Diagnosis          Diagnosis          `json:"diagnosis"`
	Status             Status             `json:"status"`
	IssuedDate         time.Time          `json:"issuedDate"`
	ExpiryDate         time.Time          `json:"expiryDate"`
	DispensedBy        string             `json:"dispensedBy,omitempty"`
	DispensedAt        *time.Time         `json:"dispensedAt,omitempty"`
	DispensingRecords  []DispensingRecord `json:"dispensingRecords"`
	RefillHistory      []RefillEvent      `json:"refillHistory"`
	History            []HistoryEntry     `json:"history"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
}

// Key returns the ledger key for a prescription ID.
func Key(id string) string { return id }

// IsExpired reports whether the prescription has expired as of now.
func (p *Prescription) IsExpired(now time.Time) bool {
	return p.ExpiryDate.Before(now)
}

// medication returns the line item with the given name, matched exactly.
func (p *Prescription) medication(name string) *Medication {
	for i := range p.Medications {
		if p.Medications[i].Name == name {
			return &p.Medications[i]
		}
	}
	return nil
}

// appendHistory adds the single transition entry for a mutation.
func (p *Prescription) appendHistory(action, actor string, ts time.Time, details map[string]string) {
	p.History = append(p.History, HistoryEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: ts,
		Details:   details,
	})
}

// computeExpiry derives the expiry date from the issue date and the longest
// medication course plus the fixed buffer. Computed once at creation, never
// recomputed.
func computeExpiry(issued time.Time, medications []Medication) time.Time {
	var maxDays float64
	for _, m := range medications {
		if d := m.durationDays(); d > maxDays {
			maxDays = d
		}
	}
	return issued.Add(time.Duration((maxDays + expiryBufferDays) * 24 * float64(time.Hour)))
}
