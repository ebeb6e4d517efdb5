// Package handlers provides HTTP handlers for the gateway API.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/healthlane/rxledger/internal/api/middleware"
	"github.com/healthlane/rxledger/internal/domain/prescription"
	"github.com/healthlane/rxledger/internal/errs"
	"github.com/healthlane/rxledger/internal/observability/metrics"
	"github.com/healthlane/rxledger/pkg/retry"
)

// PrescriptionHandler exposes the prescription lifecycle over HTTP.
type PrescriptionHandler struct {
	engine  *prescription.Engine
	metrics *metrics.Metrics
	logger  *zap.Logger
	retry   retry.Config
	tracer  trace.Tracer
}

// NewPrescriptionHandler creates a handler over the given engine.
func NewPrescriptionHandler(engine *prescription.Engine, m *metrics.Metrics, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		engine:  engine,
		metrics: m,
		logger:  logger,
		retry:   retry.DefaultConfig(),
		tracer:  otel.Tracer("prescription-handler"),
	}
}

// Routes returns the handler routes.
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Get("/{id}/history", h.GetHistory)
	r.Get("/{id}/verify", h.Verify)
	r.Post("/{id}/dispense", h.Dispense)
	r.Post("/{id}/refill", h.Refill)
	r.Post("/{id}/cancel", h.Cancel)
	r.Post("/{id}/notes", h.AddNotes)
	return r
}

// CreateRequest is the request body for creating a prescription.
type CreateRequest struct {
	PrescriptionID string                    `json:"prescriptionId"`
	PatientID      string                    `json:"patientId"`
	DoctorID       string                    `json:"doctorId"`
	AppointmentID  string                    `json:"appointmentId,omitempty"`
	Medications    []prescription.Medication `json:"medications"`
	Diagnosis      prescription.Diagnosis    `json:"diagnosis"`
}

// Create handles POST /prescriptions.
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "create_prescription")
	defer span.End()
	start := time.Now()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, errs.Validation("body", "invalid request body"))
		return
	}
	span.SetAttributes(attribute.String("prescription_id", req.PrescriptionID))

	tx := middleware.GetTx(ctx)
	p, err := h.engine.Create(ctx, tx, prescription.CreateRequest{
		PrescriptionID: req.PrescriptionID,
		PatientID:      req.PatientID,
		DoctorID:       req.DoctorID,
		AppointmentID:  req.AppointmentID,
		Medications:    req.Medications,
		Diagnosis:      req.Diagnosis,
	})
	h.observe("create", start)
	if err != nil {
		h.countError(err)
		h.jsonError(w, err)
		return
	}
	h.metrics.PrescriptionsCreated.Inc()

	h.writeJSON(w, http.StatusCreated, map[string]any{
		"success":      true,
		"message":      "prescription created successfully",
		"prescription": p,
	})
}

// Get handles GET /prescriptions/{id}.
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// GetHistory handles GET /prescriptions/{id}/history.
func (h *PrescriptionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	revisions, err := h.engine.GetHistory(r.Context(), id)
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"prescriptionId": id,
		"revisions":      revisions,
	})
}

// Verify handles GET /prescriptions/{id}/verify.
func (h *PrescriptionHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := h.engine.Verify(ctx, middleware.GetTx(ctx), chi.URLParam(r, "id"))
	if err != nil {
		h.jsonError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

// DispenseRequest is the request body for dispensing.
type DispenseRequest struct {
	PharmacyID   string                        `json:"pharmacyId"`
	PharmacistID string                        `json:"pharmacistId"`
	Details      *prescription.DispenseDetails `json:"dispensingDetails,omitempty"`
}

// Dispense handles POST /prescriptions/{id}/dispense.
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "dispense_prescription")
	defer span.End()
	start := time.Now()

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, errs.Validation("body", "invalid request body"))
		return
	}

	tx := middleware.GetTx(ctx)
	var p *prescription.Prescription
	err := retry.Do(ctx, h.retry, h.logger, func() error {
		var opErr error
		p, opErr = h.engine.Dispense(ctx, tx, prescription.DispenseRequest{
			PrescriptionID: chi.URLParam(r, "id"),
			PharmacyID:     req.PharmacyID,
			PharmacistID:   req.PharmacistID,
			Details:        req.Details,
		})
		return opErr
	})
	h.observe("dispense", start)
	if err != nil {
		h.countError(err)
		h.jsonError(w, err)
		return
	}
	partial := req.Details != nil && req.Details.Partial
	h.metrics.PrescriptionsDispensed.WithLabelValues(boolLabel(partial)).Inc()

	message := "prescription dispensed successfully"
	if partial {
		message = "prescription partially dispensed"
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      message,
		"prescription": p,
	})
}

// RefillRequest is the request body for refilling.
type RefillRequest struct {
	PharmacyID  string   `json:"pharmacyId"`
	Medications []string `json:"medications"`
}

// Refill handles POST /prescriptions/{id}/refill.
func (h *PrescriptionHandler) Refill(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "refill_prescription")
	defer span.End()
	start := time.Now()

	var req RefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, errs.Validation("body", "invalid request body"))
		return
	}

	tx := middleware.GetTx(ctx)
	var (
		p        *prescription.Prescription
		refilled []string
	)
	err := retry.Do(ctx, h.retry, h.logger, func() error {
		var opErr error
		p, refilled, opErr = h.engine.Refill(ctx, tx, prescription.RefillRequest{
			PrescriptionID: chi.URLParam(r, "id"),
			PharmacyID:     req.PharmacyID,
			Medications:    req.Medications,
		})
		return opErr
	})
	h.observe("refill", start)
	if err != nil {
		h.countError(err)
		h.jsonError(w, err)
		return
	}
	h.metrics.PrescriptionsRefilled.Inc()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":             true,
		"message":             "prescription refilled successfully",
		"refilledMedications": refilled,
		"prescription":        p,
	})
}

// CancelRequest is the request body for cancellation.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /prescriptions/{id}/cancel.
func (h *PrescriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "cancel_prescription")
	defer span.End()
	start := time.Now()

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, errs.Validation("body", "invalid request body"))
		return
	}

	tx := middleware.GetTx(ctx)
	var p *prescription.Prescription
	err := retry.Do(ctx, h.retry, h.logger, func() error {
		var opErr error
		p, opErr = h.engine.Cancel(ctx, tx, chi.URLParam(r, "id"), req.Reason)
		return opErr
	})
	h.observe("cancel", start)
	if err != nil {
		h.countError(err)
		h.jsonError(w, err)
		return
	}
	h.metrics.PrescriptionsCancelled.Inc()

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "prescription cancelled successfully",
		"prescription": p,
	})
}

// NotesRequest is the request body for adding a note.
type NotesRequest struct {
	Note string `json:"note"`
}

// AddNotes handles POST /prescriptions/{id}/notes.
func (h *PrescriptionHandler) AddNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req NotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, errs.Validation("body", "invalid request body"))
		return
	}

	tx := middleware.GetTx(ctx)
	var p *prescription.Prescription
	err := retry.Do(ctx, h.retry, h.logger, func() error {
		var opErr error
		p, opErr = h.engine.AddNotes(ctx, tx, chi.URLParam(r, "id"), req.Note)
		return opErr
	})
	h.observe("add_notes", start)
	if err != nil {
		h.countError(err)
		h.jsonError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      "note added successfully",
		"prescription": p,
	})
}

// List handles GET /prescriptions with exactly one filter query parameter:
// patientId, doctorId, pharmacyId, medication, or active=true.
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var (
		results []*prescription.Prescription
		err     error
	)
	switch {
	case q.Get("patientId") != "":
		results, err = h.engine.ByPatient(ctx, q.Get("patientId"))
	case q.Get("doctorId") != "":
		results, err = h.engine.ByDoctor(ctx, q.Get("doctorId"))
	case q.Get("pharmacyId") != "":
		results, err = h.engine.ByPharmacy(ctx, q.Get("pharmacyId"))
	case q.Get("medication") != "":
		results, err = h.engine.ByMedication(ctx, q.Get("medication"))
	case q.Get("active") == "true":
		results, err = h.engine.ActiveUnexpired(ctx, middleware.GetTx(ctx))
	default:
		h.jsonError(w, errs.Validation("query", "one of patientId, doctorId, pharmacyId, medication or active=true is required"))
		return
	}
	if err != nil {
		h.jsonError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(results),
		"prescriptions": results,
	})
}

func (h *PrescriptionHandler) observe(operation string, start time.Time) {
	h.metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (h *PrescriptionHandler) countError(err error) {
	h.metrics.OperationErrors.WithLabelValues(string(errs.KindOf(err))).Inc()
	if retry.Retryable(err) {
		h.metrics.WriteConflicts.Inc()
	}
}

func (h *PrescriptionHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// jsonError maps the error taxonomy onto HTTP statuses. Unknown errors are
// reported as 500 without leaking internals.
func (h *PrescriptionHandler) jsonError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)

	status := http.StatusInternalServerError
	message := err.Error()
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindInvalidState:
		status = http.StatusUnprocessableEntity
	case errs.KindUnauthorized:
		status = http.StatusForbidden
	default:
		kind = "InternalError"
		message = "internal server error"
		h.logger.Error("unhandled operation error", zap.Error(err))
	}

	body := map[string]string{
		"error":   string(kind),
		"message": message,
	}
	if code := errs.CodeOf(err); code != "" && status != http.StatusInternalServerError {
		body["code"] = code
	}
	h.writeJSON(w, status, body)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
