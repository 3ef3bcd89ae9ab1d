/*
handlers.go - HTTP API handlers for the lot ledger

PURPOSE:
  Exposes the engine via REST. Handlers decode the request, attach the
  acting user and path ids, call exactly one engine operation and encode
  the result. No domain rule lives here.

ENDPOINTS:
  Lots:
    POST   /api/receiving/lots                  Receive a lot
    GET    /api/lots                            List lots (?state=&item_id=&limit=)
    GET    /api/lots/{id}                       Lot with quantities
    GET    /api/lots/{id}/quantities            Derived quantities
    GET    /api/lots/{id}/movements             Ledger movements
    GET    /api/lots/{id}/events                Audit trail
    GET    /api/lots/{id}/genealogy             Parents, children and closures
    GET    /api/lots/{id}/qa-checks             QA checks
    GET    /api/lots/{id}/reservations          Reservations
    POST   /api/lots/{id}/aging/start           Start aging
    POST   /api/lots/{id}/aging/release         Release
    POST   /api/lots/{id}/quarantine            Quarantine (all or part)
    POST   /api/lots/{id}/dispose               Dispose quarantined quantity
    POST   /api/lots/{id}/transfer              Change location

  Production:
    POST   /api/production/breakdown|rework|mix
    GET    /api/production/{id}

  Commercial:
    POST   /api/reservations                    Reserve
    POST   /api/reservations/{id}/cancel        Cancel with notes
    POST   /api/sales                           Sell

  QA and recall:
    POST   /api/qa/checks                       Submit a check
    GET    /api/recall/{id}                     Backward/forward trace
    POST   /api/recall/{id}/quarantine-forward  Quarantine the forward set

  Offline:
    POST   /api/offline/queue                   Enqueue a client batch
    POST   /api/offline/sync                    Apply pending entries now
    GET    /api/offline/queue/{client}          Client entries (?status=)
    GET    /api/offline/conflicts               Entries awaiting review
    POST   /api/offline/conflicts/{id}/resolve  Reject or requeue

ERROR HANDLING:
  Engine error kinds map to statuses in statusFor. Bodies are
  {"error", "kind", "details"}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/lotledger/catalog"
	"github.com/warp/lotledger/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *engine.Engine
	Catalog *catalog.Catalog
	Log     logrus.FieldLogger

	// Store is checked by /health when set.
	Store Pinger
	// SyncBatch bounds entries per client for POST /api/offline/sync.
	SyncBatch int
	// OnSync observes every sync result.
	OnSync func(engine.ApplyResult)

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over eng. cat serves /api/lookups.
func NewHandler(eng *engine.Engine, cat *catalog.Catalog, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Engine: eng, Catalog: cat, Log: log, SyncBatch: 100}
}

// =============================================================================
// LOT HANDLERS
// =============================================================================

// ReceiveLot creates a lot.
// POST /api/receiving/lots
func (h *Handler) ReceiveLot(w http.ResponseWriter, r *http.Request) {
	var req engine.ReceiveRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	lot, err := h.Engine.Receive(r.Context(), req)
	h.respond(w, r, http.StatusCreated, lot, err)
}

// ListLots returns lots filtered by state and item.
// GET /api/lots
func (h *Handler) ListLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := engine.LotFilter{State: engine.LotState(q.Get("state")), ItemID: q.Get("item_id")}
	if filter.State != "" && !filter.State.Valid() {
		h.writeEngineError(w, r, &engine.ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", filter.State)})
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeEngineError(w, r, &engine.ValidationError{Field: "limit", Message: "must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}
	lots, err := h.Engine.Lots(r.Context(), filter)
	if lots == nil {
		lots = []engine.Lot{}
	}
	h.respond(w, r, http.StatusOK, lots, err)
}

// GetLot returns a lot with its quantities.
// GET /api/lots/{id}
func (h *Handler) GetLot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lot, err := h.Engine.Lot(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	q, err := h.Engine.Quantities(r.Context(), id)
	h.respond(w, r, http.StatusOK, LotDetailDTO{Lot: lot, Quantities: q}, err)
}

// GetQuantities returns derived quantities.
// GET /api/lots/{id}/quantities
func (h *Handler) GetQuantities(w http.ResponseWriter, r *http.Request) {
	q, err := h.Engine.Quantities(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, q, err)
}

// GetMovements returns the lot's ledger.
// GET /api/lots/{id}/movements
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	moves, err := h.Engine.Movements(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, nonNil(moves), err)
}

// GetEvents returns the lot's audit trail.
// GET /api/lots/{id}/events
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Engine.Events(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, nonNil(events), err)
}

// GetGenealogy returns the lot's lineage.
// GET /api/lots/{id}/genealogy
func (h *Handler) GetGenealogy(w http.ResponseWriter, r *http.Request) {
	lin, err := h.Engine.Genealogy(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, lin, err)
}

// GetQAChecks returns the lot's QA checks.
// GET /api/lots/{id}/qa-checks
func (h *Handler) GetQAChecks(w http.ResponseWriter, r *http.Request) {
	checks, err := h.Engine.QAChecks(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, nonNil(checks), err)
}

// GetLotReservations returns the lot's reservations.
// GET /api/lots/{id}/reservations
func (h *Handler) GetLotReservations(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Reservations(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, nonNil(res), err)
}

// StartAging begins aging.
// POST /api/lots/{id}/aging/start
func (h *Handler) StartAging(w http.ResponseWriter, r *http.Request) {
	var body StartAgingBody
	if !decode(w, r, &body) {
		return
	}
	lot, err := h.Engine.StartAging(r.Context(), engine.StartAgingRequest{
		LotID:       chi.URLParam(r, "id"),
		LocationID:  body.LocationID,
		Days:        body.Days,
		Notes:       body.Notes,
		PerformedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, lot, err)
}

// ReleaseLot releases an aging lot.
// POST /api/lots/{id}/aging/release
func (h *Handler) ReleaseLot(w http.ResponseWriter, r *http.Request) {
	var body ReleaseBody
	if !decode(w, r, &body) {
		return
	}
	lot, err := h.Engine.Release(r.Context(), engine.ReleaseRequest{
		LotID:       chi.URLParam(r, "id"),
		Override:    body.Override,
		Notes:       body.Notes,
		PerformedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, lot, err)
}

// QuarantineLot quarantines all or part of a lot.
// POST /api/lots/{id}/quarantine
func (h *Handler) QuarantineLot(w http.ResponseWriter, r *http.Request) {
	var body QuarantineBody
	if !decode(w, r, &body) {
		return
	}
	lot, err := h.Engine.Quarantine(r.Context(), engine.QuarantineRequest{
		LotID:       chi.URLParam(r, "id"),
		Quantity:    body.Quantity,
		Reason:      body.Reason,
		PerformedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, lot, err)
}

// DisposeLot disposes quarantined quantity.
// POST /api/lots/{id}/dispose
func (h *Handler) DisposeLot(w http.ResponseWriter, r *http.Request) {
	var body NotesBody
	if !decode(w, r, &body) {
		return
	}
	lot, err := h.Engine.Dispose(r.Context(), engine.DisposeRequest{
		LotID:       chi.URLParam(r, "id"),
		Notes:       body.Notes,
		PerformedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, lot, err)
}

// TransferLot changes a lot's location.
// POST /api/lots/{id}/transfer
func (h *Handler) TransferLot(w http.ResponseWriter, r *http.Request) {
	var body TransferBody
	if !decode(w, r, &body) {
		return
	}
	lot, err := h.Engine.Transfer(r.Context(), engine.TransferRequest{
		LotID:       chi.URLParam(r, "id"),
		LocationID:  body.LocationID,
		Notes:       body.Notes,
		PerformedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, lot, err)
}

// =============================================================================
// PRODUCTION HANDLERS
// =============================================================================

// Breakdown records a breakdown.
// POST /api/production/breakdown
func (h *Handler) Breakdown(w http.ResponseWriter, r *http.Request) {
	var req engine.BreakdownRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	res, err := h.Engine.Breakdown(r.Context(), req)
	h.respond(w, r, http.StatusCreated, res, err)
}

// Rework records a rework.
// POST /api/production/rework
func (h *Handler) Rework(w http.ResponseWriter, r *http.Request) {
	var req engine.ReworkRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	res, err := h.Engine.Rework(r.Context(), req)
	h.respond(w, r, http.StatusCreated, res, err)
}

// Mix records a mix.
// POST /api/production/mix
func (h *Handler) Mix(w http.ResponseWriter, r *http.Request) {
	var req engine.MixRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	res, err := h.Engine.Mix(r.Context(), req)
	h.respond(w, r, http.StatusCreated, res, err)
}

// GetOrder returns a production order with its edges and losses.
// GET /api/production/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.Engine.Order(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, order, err)
}

// =============================================================================
// RESERVATION, SALE AND QA HANDLERS
// =============================================================================

// CreateReservation reserves quantity for a customer.
// POST /api/reservations
func (h *Handler) CreateReservation(w http.ResponseWriter, r *http.Request) {
	var req engine.ReserveRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	res, err := h.Engine.CreateReservation(r.Context(), req)
	h.respond(w, r, http.StatusCreated, res, err)
}

// CancelReservation cancels an active reservation.
// POST /api/reservations/{id}/cancel
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	var body NotesBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.Engine.CancelReservation(r.Context(), engine.CancelReservationRequest{
		ReservationID: chi.URLParam(r, "id"),
		Notes:         body.Notes,
		PerformedBy:   userFrom(r),
	})
	h.respond(w, r, http.StatusOK, res, err)
}

// CreateSale records a sale.
// POST /api/sales
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req engine.SaleRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	res, err := h.Engine.Sell(r.Context(), req)
	h.respond(w, r, http.StatusCreated, res, err)
}

// SubmitQACheck records a QA check.
// POST /api/qa/checks
func (h *Handler) SubmitQACheck(w http.ResponseWriter, r *http.Request) {
	var req engine.QACheckRequest
	if !decode(w, r, &req) {
		return
	}
	req.PerformedBy = userFrom(r)
	res, err := h.Engine.SubmitCheck(r.Context(), req)
	h.respond(w, r, http.StatusCreated, res, err)
}

// =============================================================================
// RECALL HANDLERS
// =============================================================================

// TraceRecall returns the recall trace of a lot.
// GET /api/recall/{id}
func (h *Handler) TraceRecall(w http.ResponseWriter, r *http.Request) {
	tr, err := h.Engine.TraceRecall(r.Context(), chi.URLParam(r, "id"))
	h.respond(w, r, http.StatusOK, tr, err)
}

// QuarantineForward quarantines the forward set of a lot.
// POST /api/recall/{id}/quarantine-forward
func (h *Handler) QuarantineForward(w http.ResponseWriter, r *http.Request) {
	var body ReasonBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.Engine.QuarantineForward(r.Context(), engine.QuarantineForwardRequest{
		LotID:       chi.URLParam(r, "id"),
		Reason:      body.Reason,
		PerformedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, res, err)
}

// =============================================================================
// OFFLINE HANDLERS
// =============================================================================

// EnqueueOffline stores a client batch.
// POST /api/offline/queue
func (h *Handler) EnqueueOffline(w http.ResponseWriter, r *http.Request) {
	var req engine.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PerformedBy == "" {
		req.PerformedBy = userFrom(r)
	}
	entries, err := h.Engine.Enqueue(r.Context(), req)
	h.respond(w, r, http.StatusAccepted, nonNil(entries), err)
}

// SyncOffline applies pending entries of one client, or of every client
// when client_id is omitted.
// POST /api/offline/sync
func (h *Handler) SyncOffline(w http.ResponseWriter, r *http.Request) {
	var body SyncBody
	if !decode(w, r, &body) {
		return
	}
	limit := body.Limit
	if limit == 0 {
		limit = h.SyncBatch
	}
	if body.ClientID != "" {
		res, err := h.Engine.ApplyQueue(r.Context(), body.ClientID, limit)
		if err == nil && h.OnSync != nil {
			h.OnSync(*res)
		}
		h.respond(w, r, http.StatusOK, []*engine.ApplyResult{res}, err)
		return
	}
	results, err := SyncAll(r.Context(), h.Engine, limit, h.Log)
	if h.OnSync != nil {
		for _, res := range results {
			h.OnSync(*res)
		}
	}
	h.respond(w, r, http.StatusOK, results, err)
}

// ListQueue returns a client's entries.
// GET /api/offline/queue/{client}
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	status := engine.QueueStatus(r.URL.Query().Get("status"))
	entries, err := h.Engine.QueueEntries(r.Context(), chi.URLParam(r, "client"), status)
	h.respond(w, r, http.StatusOK, nonNil(entries), err)
}

// ListConflicts returns entries awaiting review.
// GET /api/offline/conflicts
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Conflicts(r.Context())
	h.respond(w, r, http.StatusOK, nonNil(entries), err)
}

// ResolveConflict rejects or requeues a conflicted txn.
// POST /api/offline/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body ResolveBody
	if !decode(w, r, &body) {
		return
	}
	entries, err := h.Engine.ResolveConflict(r.Context(), engine.ResolveConflictRequest{
		EntryID:    chi.URLParam(r, "id"),
		Action:     body.Action,
		Notes:      body.Notes,
		ResolvedBy: userFrom(r),
	})
	h.respond(w, r, http.StatusOK, nonNil(entries), err)
}

// =============================================================================
// REPORTS
// =============================================================================

// StockReport lists lots that are not disposed with their quantities.
// GET /api/reports/stock?include_zero=true
func (h *Handler) StockReport(w http.ResponseWriter, r *http.Request) {
	includeZero, ok := h.queryBool(w, r, "include_zero", false)
	if !ok {
		return
	}
	rows, err := h.Engine.Stock(r.Context(), includeZero)
	h.respond(w, r, http.StatusOK, StockReportDTO{Rows: nonNil(rows)}, err)
}

// AtRiskReport lists lots that are not ready, expiring or quarantined.
// GET /api/reports/at-risk?days=7&include_quarantined=false
func (h *Handler) AtRiskReport(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeEngineError(w, r, &engine.ValidationError{Field: "days", Message: "must be an integer"})
			return
		}
		days = n
	}
	includeQuarantined, ok := h.queryBool(w, r, "include_quarantined", true)
	if !ok {
		return
	}
	report, err := h.Engine.AtRisk(r.Context(), days, includeQuarantined)
	h.respond(w, r, http.StatusOK, report, err)
}

func (h *Handler) queryBool(w http.ResponseWriter, r *http.Request, key string, def bool) (bool, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		h.writeEngineError(w, r, &engine.ValidationError{Field: key, Message: "must be a boolean"})
		return false, false
	}
	return b, true
}

// =============================================================================
// LOSS TYPE ADMIN
// =============================================================================

// ListLossTypes returns every loss type, active first.
// GET /api/admin/loss-types
func (h *Handler) ListLossTypes(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		writeJSON(w, http.StatusOK, []engine.LossType{})
		return
	}
	writeJSON(w, http.StatusOK, h.Catalog.LossTypes())
}

// CreateLossType adds a loss type.
// POST /api/admin/loss-types
func (h *Handler) CreateLossType(w http.ResponseWriter, r *http.Request) {
	var in catalog.LossTypeInput
	if !decode(w, r, &in) || !h.requireCatalog(w, r) {
		return
	}
	lt, err := h.Catalog.CreateLossType(in)
	if err == nil {
		h.Log.WithField("loss_type", lt.Code).WithField("performed_by", userFrom(r)).Info("loss type created")
	}
	h.respond(w, r, http.StatusCreated, lt, err)
}

// UpdateLossType renames, reorders or (de)activates a loss type.
// PATCH /api/admin/loss-types/{code}
func (h *Handler) UpdateLossType(w http.ResponseWriter, r *http.Request) {
	var patch catalog.LossTypePatch
	if !decode(w, r, &patch) || !h.requireCatalog(w, r) {
		return
	}
	lt, err := h.Catalog.UpdateLossType(chi.URLParam(r, "code"), patch)
	if err == nil {
		h.Log.WithField("loss_type", lt.Code).WithField("active", lt.Active).WithField("performed_by", userFrom(r)).Info("loss type updated")
	}
	h.respond(w, r, http.StatusOK, lt, err)
}

func (h *Handler) requireCatalog(w http.ResponseWriter, r *http.Request) bool {
	if h.Catalog == nil {
		h.writeEngineError(w, r, &engine.NotFoundError{Entity: "catalog", ID: "loss_types"})
		return false
	}
	return true
}

// =============================================================================
// LOOKUPS AND HEALTH
// =============================================================================

// Lookups returns the reference catalog.
// GET /api/lookups
func (h *Handler) Lookups(w http.ResponseWriter, r *http.Request) {
	if h.Catalog == nil {
		writeJSON(w, http.StatusOK, catalog.Lookups{})
		return
	}
	writeJSON(w, http.StatusOK, h.Catalog.Lookups())
}

// Health reports liveness.
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	dto := HealthDTO{Status: "ok", Store: "ok"}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			h.Log.WithError(err).Error("health check: store unreachable")
			dto.Status, dto.Store = "degraded", err.Error()
			writeJSON(w, http.StatusServiceUnavailable, dto)
			return
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// decode reads a JSON body into dst, rejecting unknown fields. It writes
// a 400 and returns false on failure. An empty body decodes as {}.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error:   "invalid request body",
			Kind:    engine.Kind(engine.ErrValidation),
			Details: err.Error(),
		})
		return false
	}
	return true
}

// respond writes data with status, or the error response for err.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, data any, err error) {
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, status, data)
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Log.WithError(err).WithField("path", r.URL.Path).Error("request failed")
		writeError(w, status, "internal error", err)
		return
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: engine.Kind(err), Details: errorDetails(err)})
}

// statusFor maps engine error kinds to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrMassBalanceViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrLotNotEligible),
		errors.Is(err, engine.ErrInsufficientQuantity),
		errors.Is(err, engine.ErrOverReservation),
		errors.Is(err, engine.ErrConcurrentModification),
		errors.Is(err, engine.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// errorDetails exposes the numbers carried by structured errors.
func errorDetails(err error) any {
	var (
		nf  *engine.NotFoundError
		ne  *engine.LotNotEligibleError
		iq  *engine.InsufficientQuantityError
		or  *engine.OverReservationError
		mb  *engine.MassBalanceError
		val *engine.ValidationError
	)
	switch {
	case errors.As(err, &ne):
		return map[string]any{"lot_id": ne.LotID, "state": ne.State, "action": ne.Action, "reason": ne.Reason}
	case errors.As(err, &iq):
		return map[string]any{"lot_id": iq.LotID, "available_kg": iq.Available, "requested_kg": iq.Requested}
	case errors.As(err, &or):
		return map[string]any{"lot_id": or.LotID, "available_kg": or.Available, "reserved_kg": or.Reserved, "requested_kg": or.Requested}
	case errors.As(err, &mb):
		return map[string]any{"inputs_kg": mb.Inputs, "outputs_kg": mb.Outputs, "losses_kg": mb.Losses}
	case errors.As(err, &val):
		return map[string]any{"field": val.Field, "message": val.Message}
	case errors.As(err, &nf):
		return map[string]any{"entity": nf.Entity, "id": nf.ID}
	}
	return nil
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

// nonNil turns a nil slice into an empty one so lists encode as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
