/*
handlers.go - HTTP API handlers for the retainer billing engine

PURPOSE:
  Exposes the retainer engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to retainer.Service.

ENDPOINTS:
  Retainers:
    POST   /api/retainers                          Create agreement + first period
    GET    /api/retainers                          List (?customer_id=&status=)
    GET    /api/retainers/{id}                     Detail with current/recent periods
    PUT    /api/retainers/{id}                     Update terms (next period onward)
    POST   /api/retainers/{id}/pause               ACTIVE -> PAUSED
    POST   /api/retainers/{id}/resume              PAUSED -> ACTIVE
    POST   /api/retainers/{id}/terminate           -> TERMINATED
    GET    /api/retainers/{id}/periods             Periods (?status=&limit=&offset=)
    GET    /api/retainers/{id}/periods/{periodId}  One period
    POST   /api/retainers/{id}/close               Close the OPEN period
    POST   /api/retainers/scan                     Ready-to-close sweep

  Customers:
    GET    /api/customers/{id}/retainer-summary    Current consumption

  Time entries:
    POST   /api/time-entries                       Log work
    PUT    /api/time-entries/{id}                  Replace an entry
    DELETE /api/time-entries/{id}                  Remove an entry

  Invoices:
    GET    /api/invoices/{id}                      Draft invoice with lines

ERROR HANDLING:
  Errors are returned as {"error", "details"} with a status derived from the
  error category (see statusFor):
  - 400: Invalid input or invalid state transition
  - 404: Resource not found
  - 409: Conflict or concurrent modification
  - 500: Internal errors

ACTOR:
  The acting member id comes from the X-Actor-ID header (see middleware.go)
  and is recorded as created_by / closed_by.

SEE ALSO:
  - dto.go: Response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/retainer-engine/ctxutil"
	"github.com/warp/retainer-engine/factory"
	"github.com/warp/retainer-engine/generic"
	"github.com/warp/retainer-engine/retainer"
	"github.com/warp/retainer-engine/store/sqlstore"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *retainer.Service
	Store   *sqlstore.Store
	Logger  logrus.FieldLogger

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler around a service and its store.
func NewHandler(svc *retainer.Service, store *sqlstore.Store, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{Service: svc, Store: store, Logger: logger}
}

// =============================================================================
// RETAINER HANDLERS
// =============================================================================

// CreateRetainer creates an agreement and opens its first period.
func (h *Handler) CreateRetainer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	in, err := factory.ParseAgreementJSON(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	in.CreatedBy = ctxutil.ActorFromContext(r.Context())

	agreement, period, err := h.Service.CreateAgreement(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateAgreementResponse{
		Agreement: toAgreementDTO(agreement),
		Period:    toPeriodDTO(period),
	})
}

// ListRetainers returns agreements, optionally filtered by customer and status.
func (h *Handler) ListRetainers(w http.ResponseWriter, r *http.Request) {
	filter := retainer.AgreementFilter{
		CustomerID: r.URL.Query().Get("customer_id"),
		Status:     retainer.AgreementStatus(r.URL.Query().Get("status")),
	}
	agreements, err := h.Service.ListAgreements(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dtos := make([]AgreementDTO, len(agreements))
	for i := range agreements {
		dtos[i] = toAgreementDTO(&agreements[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRetainer returns an agreement with its current and recent periods.
func (h *Handler) GetRetainer(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Service.GetAgreement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	dto := AgreementDetailDTO{
		AgreementDTO:  toAgreementDTO(detail.Agreement),
		RecentPeriods: toPeriodDTOs(detail.RecentPeriods),
	}
	if detail.CurrentPeriod != nil {
		current := toPeriodDTO(detail.CurrentPeriod)
		dto.CurrentPeriod = &current
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateRetainer replaces the agreement's terms.
func (h *Handler) UpdateRetainer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body", err)
		return
	}
	in, err := factory.ParseTermsJSON(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	agreement, err := h.Service.UpdateTerms(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(agreement))
}

// PauseRetainer pauses an active agreement.
func (h *Handler) PauseRetainer(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Pause)
}

// ResumeRetainer resumes a paused agreement.
func (h *Handler) ResumeRetainer(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Resume)
}

// TerminateRetainer terminates an agreement.
func (h *Handler) TerminateRetainer(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.Service.Terminate)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, string) (*retainer.Agreement, error)) {
	agreement, err := apply(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDTO(agreement))
}

// ListPeriods returns an agreement's periods, newest first.
func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid paging parameters", err)
		return
	}
	status := retainer.PeriodStatus(r.URL.Query().Get("status"))
	periods, err := h.Service.ListPeriods(r.Context(), chi.URLParam(r, "id"), status, page)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTOs(periods))
}

// GetPeriod returns one period of an agreement.
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Service.GetPeriod(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "periodId"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

// ClosePeriod closes the agreement's OPEN period into a draft invoice.
func (h *Handler) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	actor := ctxutil.ActorFromContext(r.Context())
	result, err := h.Service.Closer.ClosePeriod(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := CloseResponse{
		Agreement:      toAgreementDTO(result.Agreement),
		ClosedPeriod:   toPeriodDTO(result.ClosedPeriod),
		Invoice:        toInvoiceDTO(result.Invoice),
		AutoTerminated: result.AutoTerminated,
	}
	if result.NextPeriod != nil {
		next := toPeriodDTO(result.NextPeriod)
		resp.NextPeriod = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// ScanReadyToClose runs one ready-to-close sweep.
func (h *Handler) ScanReadyToClose(w http.ResponseWriter, r *http.Request) {
	report, err := h.Service.Scanner.Scan(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ScanResponse{
		PeriodsScanned:    report.PeriodsScanned,
		NotificationsSent: report.NotificationsSent,
	})
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// GetRetainerSummary returns the customer's current consumption.
func (h *Handler) GetRetainerSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Service.ConsumptionSummary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSummaryDTO(summary))
}

// =============================================================================
// TIME ENTRY HANDLERS
// =============================================================================

// CreateTimeEntry logs work and recomputes the customer's consumption.
func (h *Handler) CreateTimeEntry(w http.ResponseWriter, r *http.Request) {
	var req TimeEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entry, err := h.Service.Work.CreateTimeEntry(r.Context(), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTimeEntryDTO(entry))
}

// UpdateTimeEntry replaces a time entry.
func (h *Handler) UpdateTimeEntry(w http.ResponseWriter, r *http.Request) {
	var req TimeEntryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entry, err := h.Service.Work.UpdateTimeEntry(r.Context(), chi.URLParam(r, "id"), req.toInput())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTimeEntryDTO(entry))
}

// DeleteTimeEntry removes a time entry.
func (h *Handler) DeleteTimeEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.Work.DeleteTimeEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// INVOICE HANDLERS
// =============================================================================

// GetInvoice returns a draft invoice.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.Service.GetInvoice(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports whether the database is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps an error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err), errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict
	case generic.IsInvalidState(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Client errors carry the engine's
// message; internal errors are logged and reported generically.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		requestLogger(r, h.Logger).WithError(err).Error("request failed")
		writeError(w, status, "Internal server error", err)
		return
	}
	writeError(w, status, err.Error(), nil)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parsePage(r *http.Request) (retainer.Page, error) {
	var page retainer.Page
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, err
		}
		page.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return page, err
		}
		page.Offset = n
	}
	return page, nil
}
