package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/healthlane/rxledger/internal/asset"
	"github.com/healthlane/rxledger/internal/errs"
	"github.com/healthlane/rxledger/internal/ledger"
	"github.com/healthlane/rxledger/internal/validate"
)

// Engine applies lifecycle transitions to prescriptions on the ledger. Each
// operation is one logical transaction: read at a version, validate, apply,
// write conditioned on that version, emit one audit record. The engine never
// retries a lost write; the ConflictError propagates to the caller.
type Engine struct {
	store  ledger.Store
	audit  asset.Recorder
	logger *zap.Logger
}

// NewEngine creates an engine over the given store and audit recorder.
func NewEngine(store ledger.Store, audit asset.Recorder, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if audit == nil {
		audit = asset.NopRecorder{}
	}
	return &Engine{store: store, audit: audit, logger: logger}
}

// CreateRequest carries the typed arguments of CreatePrescription.
type CreateRequest struct {
	PrescriptionID string
	PatientID      string
	DoctorID       string
	AppointmentID  string
	Medications    []Medication
	Diagnosis      Diagnosis
}

// Create issues a new prescription in the active state. The expiry date is
// derived once from the transaction timestamp and the medication durations;
// refill counters start at their allowances.
func (e *Engine) Create(ctx context.Context, tx asset.Tx, req CreateRequest) (*Prescription, error) {
	if err := validate.ID("prescriptionId", req.PrescriptionID); err != nil {
		return nil, err
	}
	if err := validate.ID("patientId", req.PatientID); err != nil {
		return nil, err
	}
	if err := validate.ID("doctorId", req.DoctorID); err != nil {
		return nil, err
	}
	if req.AppointmentID != "" {
		if err := validate.ID("appointmentId", req.AppointmentID); err != nil {
			return nil, err
		}
	}
	if len(req.Medications) == 0 {
		return nil, errs.Validation("medications", "at least one medication is required")
	}
	for i, m := range req.Medications {
		if err := m.validateShape(i); err != nil {
			return nil, err
		}
	}
	if err := validate.NonEmpty("diagnosis.condition", req.Diagnosis.Condition); err != nil {
		return nil, err
	}

	exists, err := asset.Exists(ctx, e.store, Key(req.PrescriptionID))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errs.Conflict(errs.CodeDuplicatePrescription, "prescription %s already exists", req.PrescriptionID)
	}

	issued := tx.Timestamp
	medications := make([]Medication, len(req.Medications))
	copy(medications, req.Medications)
	for i := range medications {
		medications[i].RefillsRemaining = medications[i].RefillsAllowed
	}

	p := &Prescription{
		DocType:           DocType,
		PrescriptionID:    req.PrescriptionID,
		PatientID:         req.PatientID,
		DoctorID:          req.DoctorID,
		AppointmentID:     req.AppointmentID,
		Medications:       medications,
		Diagnosis:         req.Diagnosis,
		Status:            StatusActive,
		IssuedDate:        issued,
		ExpiryDate:        computeExpiry(issued, medications),
		DispensingRecords: []DispensingRecord{},
		RefillHistory:     []RefillEvent{},
		History:           []HistoryEntry{},
	}
	p.appendHistory(ActionCreated, tx.Caller, tx.Timestamp, map[string]string{
		"doctorId":  req.DoctorID,
		"patientId": req.PatientID,
	})

	if err := e.write(ctx, p, 0); err != nil {
		return nil, err
	}
	if err := e.recordAudit(ctx, tx, ActionCreated, p.PrescriptionID, map[string]string{
		"patientId":   p.PatientID,
		"doctorId":    p.DoctorID,
		"medications": strconv.Itoa(len(p.Medications)),
	}); err != nil {
		return nil, err
	}

	e.logger.Info("prescription created",
		zap.String("prescription_id", p.PrescriptionID),
		zap.String("patient_id", p.PatientID),
		zap.Time("expiry_date", p.ExpiryDate),
	)
	return p, nil
}

// Get loads a prescription, failing with NotFoundError on absence or when the
// stored document carries a different type tag.
func (e *Engine) Get(ctx context.Context, id string) (*Prescription, error) {
	if err := validate.ID("prescriptionId", id); err != nil {
		return nil, err
	}
	p, _, err := e.load(ctx, id)
	return p, err
}

// DispenseDetails carries the optional dispensing details argument.
type DispenseDetails struct {
	Medications []string `json:"medications,omitempty"`
	Partial     bool     `json:"partial,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// DispenseRequest carries the typed arguments of DispensePrescription.
type DispenseRequest struct {
	PrescriptionID string
	PharmacyID     string
	PharmacistID   string
	Details        *DispenseDetails
}

// Dispense records a dispense event. A partial dispense leaves the status
// active and may repeat; a full dispense flips the status to dispensed and
// stamps the pharmacy and timestamp on the root, so only one full dispense
// can ever succeed.
func (e *Engine) Dispense(ctx context.Context, tx asset.Tx, req DispenseRequest) (*Prescription, error) {
	if err := validate.ID("prescriptionId", req.PrescriptionID); err != nil {
		return nil, err
	}
	if err := validate.ID("pharmacyId", req.PharmacyID); err != nil {
		return nil, err
	}
	if err := validate.ID("pharmacistId", req.PharmacistID); err != nil {
		return nil, err
	}

	p, version, err := e.load(ctx, req.PrescriptionID)
	if err != nil {
		return nil, err
	}

	switch {
	case p.Status == StatusCancelled:
		return nil, errs.InvalidState(errs.CodeCancelled, "prescription %s is cancelled", p.PrescriptionID)
	case p.Status != StatusActive:
		return nil, errs.InvalidState(errs.CodeInvalidStatus, "prescription %s is %s, not active", p.PrescriptionID, p.Status)
	case p.IsExpired(tx.Timestamp):
		return nil, errs.InvalidState(errs.CodeExpired, "prescription %s expired on %s", p.PrescriptionID, p.ExpiryDate.Format(time.RFC3339))
	}

	details := req.Details
	if details == nil {
		details = &DispenseDetails{}
	}

	record := DispensingRecord{
		PharmacyID:           req.PharmacyID,
		PharmacistID:         req.PharmacistID,
		Timestamp:            tx.Timestamp,
		MedicationsDispensed: details.Medications,
		Partial:              details.Partial,
		Notes:                details.Notes,
	}
	p.DispensingRecords = append(p.DispensingRecords, record)

	action := ActionPartiallyDispensed
	if !details.Partial {
		action = ActionDispensed
		p.Status = StatusDispensed
		p.DispensedBy = req.PharmacyID
		ts := tx.Timestamp
		p.DispensedAt = &ts
	}
	p.appendHistory(action, tx.Caller, tx.Timestamp, map[string]string{
		"pharmacyId":   req.PharmacyID,
		"pharmacistId": req.PharmacistID,
		"partial":      strconv.FormatBool(details.Partial),
	})

	if err := e.write(ctx, p, version); err != nil {
		return nil, err
	}
	if err := e.recordAudit(ctx, tx, action, p.PrescriptionID, map[string]string{
		"pharmacyId": req.PharmacyID,
		"partial":    strconv.FormatBool(details.Partial),
	}); err != nil {
		return nil, err
	}

	e.logger.Info("prescription dispensed",
		zap.String("prescription_id", p.PrescriptionID),
		zap.String("pharmacy_id", req.PharmacyID),
		zap.Bool("partial", details.Partial),
	)
	return p, nil
}

// RefillRequest carries the typed arguments of RefillPrescription.
type RefillRequest struct {
	PrescriptionID string
	PharmacyID     string
	Medications    []string
}

// Refill decrements the remaining refills of each named medication by exactly
// one and appends a single sequential refill event covering the whole call.
// Refills remain allowed on a fully dispensed prescription as long as it is
// neither cancelled nor expired. The refilled names are returned in request
// order.
func (e *Engine) Refill(ctx context.Context, tx asset.Tx, req RefillRequest) (*Prescription, []string, error) {
	if err := validate.ID("prescriptionId", req.PrescriptionID); err != nil {
		return nil, nil, err
	}
	if err := validate.ID("pharmacyId", req.PharmacyID); err != nil {
		return nil, nil, err
	}
	if len(req.Medications) == 0 {
		return nil, nil, errs.Validation("medications", "at least one medication name is required")
	}

	p, version, err := e.load(ctx, req.PrescriptionID)
	if err != nil {
		return nil, nil, err
	}

	if p.Status == StatusCancelled {
		return nil, nil, errs.InvalidState(errs.CodeCancelled, "prescription %s is cancelled", p.PrescriptionID)
	}
	if p.IsExpired(tx.Timestamp) {
		return nil, nil, errs.InvalidState(errs.CodeExpired, "prescription %s expired on %s", p.PrescriptionID, p.ExpiryDate.Format(time.RFC3339))
	}

	refilled := make([]string, 0, len(req.Medications))
	for _, name := range req.Medications {
		m := p.medication(name)
		if m == nil {
			return nil, nil, errs.Validation("medications", "medication %q is not on prescription %s", name, p.PrescriptionID)
		}
		if m.RefillsRemaining <= 0 {
			return nil, nil, errs.InvalidState(errs.CodeNoRefillsRemaining, "no refills remaining for %q", name)
		}
		m.RefillsRemaining--
		refilled = append(refilled, name)
	}

	event := RefillEvent{
		Date:         tx.Timestamp,
		PharmacyID:   req.PharmacyID,
		Medications:  refilled,
		RefillNumber: len(p.RefillHistory) + 1,
	}
	p.RefillHistory = append(p.RefillHistory, event)
	p.appendHistory(ActionRefilled, tx.Caller, tx.Timestamp, map[string]string{
		"pharmacyId":   req.PharmacyID,
		"refillNumber": strconv.Itoa(event.RefillNumber),
	})

	if err := e.write(ctx, p, version); err != nil {
		return nil, nil, err
	}
	if err := e.recordAudit(ctx, tx, ActionRefilled, p.PrescriptionID, map[string]string{
		"pharmacyId":   req.PharmacyID,
		"refillNumber": strconv.Itoa(event.RefillNumber),
	}); err != nil {
		return nil, nil, err
	}

	e.logger.Info("prescription refilled",
		zap.String("prescription_id", p.PrescriptionID),
		zap.Int("refill_number", event.RefillNumber),
		zap.Strings("medications", refilled),
	)
	return p, refilled, nil
}

// Cancel moves a prescription to its terminal state. Cancellation is soft:
// the record stays on the ledger, but no further dispense, refill or cancel
// will succeed against it.
func (e *Engine) Cancel(ctx context.Context, tx asset.Tx, id, reason string) (*Prescription, error) {
	if err := validate.ID("prescriptionId", id); err != nil {
		return nil, err
	}
	if err := validate.NonEmpty("reason", reason); err != nil {
		return nil, err
	}

	p, version, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCancelled {
		return nil, errs.InvalidState(errs.CodeAlreadyCancelled, "prescription %s is already cancelled", id)
	}

	priorStatus := p.Status
	p.Status = StatusCancelled
	ts := tx.Timestamp
	p.CancelledAt = &ts
	p.CancellationReason = reason
	p.appendHistory(ActionCancelled, tx.Caller, tx.Timestamp, map[string]string{
		"reason":      reason,
		"priorStatus": string(priorStatus),
	})

	if err := e.write(ctx, p, version); err != nil {
		return nil, err
	}
	if err := e.recordAudit(ctx, tx, ActionCancelled, p.PrescriptionID, map[string]string{
		"reason":      reason,
		"priorStatus": string(priorStatus),
	}); err != nil {
		return nil, err
	}

	e.logger.Info("prescription cancelled",
		zap.String("prescription_id", id),
		zap.String("prior_status", string(priorStatus)),
	)
	return p, nil
}

// Verification is the summary returned by Verify. Unlike the other read
// operations it never fails on absence: unauthenticated-style checks get
// valid=false with a message instead of an error.
type Verification struct {
	Valid          bool       `json:"valid"`
	PrescriptionID string     `json:"prescriptionId"`
	Status         Status     `json:"status,omitempty"`
	IsExpired      bool       `json:"isExpired,omitempty"`
	ExpiryDate     *time.Time `json:"expiryDate,omitempty"`
	PatientID      string     `json:"patientId,omitempty"`
	DoctorID       string     `json:"doctorId,omitempty"`
	IssuedDate     *time.Time `json:"issuedDate,omitempty"`
	Message        string     `json:"message"`
}

// Verify reports whether a prescription can currently be honored: it must
// exist, not be cancelled and not be expired as of the transaction timestamp.
func (e *Engine) Verify(ctx context.Context, tx asset.Tx, id string) (*Verification, error) {
	if err := validate.ID("prescriptionId", id); err != nil {
		return nil, err
	}

	p, _, err := e.load(ctx, id)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return &Verification{
				Valid:          false,
				PrescriptionID: id,
				Message:        "prescription not found",
			}, nil
		}
		return nil, err
	}

	expired := p.IsExpired(tx.Timestamp)
	v := &Verification{
		Valid:          p.Status != StatusCancelled && !expired,
		PrescriptionID: p.PrescriptionID,
		Status:         p.Status,
		IsExpired:      expired,
		ExpiryDate:     &p.ExpiryDate,
		PatientID:      p.PatientID,
		DoctorID:       p.DoctorID,
		IssuedDate:     &p.IssuedDate,
	}
	switch {
	case p.Status == StatusCancelled:
		v.Message = "prescription has been cancelled"
	case expired:
		v.Message = "prescription has expired"
	default:
		v.Message = "prescription is valid"
	}
	return v, nil
}

// AddNotes appends a timestamped, attributed note to the prescription
// history. The status is never altered.
func (e *Engine) AddNotes(ctx context.Context, tx asset.Tx, id, note string) (*Prescription, error) {
	if err := validate.ID("prescriptionId", id); err != nil {
		return nil, err
	}
	if err := validate.NonEmpty("note", note); err != nil {
		return nil, err
	}

	p, version, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}

	p.appendHistory(ActionNoteAdded, tx.Caller, tx.Timestamp, map[string]string{
		"note": note,
	})

	if err := e.write(ctx, p, version); err != nil {
		return nil, err
	}
	if err := e.recordAudit(ctx, tx, ActionNoteAdded, p.PrescriptionID, nil); err != nil {
		return nil, err
	}
	return p, nil
}

// load reads and decodes a prescription together with its ledger version.
func (e *Engine) load(ctx context.Context, id string) (*Prescription, uint64, error) {
	var p Prescription
	version, err := asset.Get(ctx, e.store, Key(id), "prescription", DocType, id, &p)
	if err != nil {
		return nil, 0, err
	}
	return &p, version, nil
}

// write persists the prescription conditioned on the version it was read at.
// A version that advanced in the meantime surfaces as ConflictError.
func (e *Engine) write(ctx context.Context, p *Prescription, expectedVersion uint64) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal prescription %s: %w", p.PrescriptionID, err)
	}
	if err := e.store.Put(ctx, Key(p.PrescriptionID), value, expectedVersion); err != nil {
		if err == ledger.ErrVersionConflict {
			if expectedVersion == 0 {
				return errs.Conflict(errs.CodeDuplicatePrescription, "prescription %s already exists", p.PrescriptionID)
			}
			return errs.Conflict(errs.CodeVersionConflict, "prescription %s was modified concurrently", p.PrescriptionID)
		}
		return fmt.Errorf("write prescription %s: %w", p.PrescriptionID, err)
	}
	return nil
}

func (e *Engine) recordAudit(ctx context.Context, tx asset.Tx, action, targetID string, details map[string]string) error {
	rec := asset.NewAuditRecord(tx, action, targetID, details)
	if err := e.audit.Record(ctx, rec); err != nil {
		return fmt.Errorf("audit %s %s: %w", action, targetID, err)
	}
	return nil
}
