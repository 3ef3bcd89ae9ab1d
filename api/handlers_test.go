/*
handlers_test.go - HTTP tests for the lot ledger API

Tests for:
- Lot lifecycle over HTTP (receive, age, release, sell)
- Error kind to status mapping and error bodies
- X-User-ID propagation into the ledger
- Production, reservation, QA and recall routes
- Offline queue, sync and conflict resolution routes
- Stock and at-risk reports, loss type admin
- Lookups, health and metrics
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lotledger/catalog"
	"github.com/warp/lotledger/engine"
	"github.com/warp/lotledger/metrics"
	"github.com/warp/lotledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t       *testing.T
	router  *chi.Mux
	handler *Handler
	eng     *engine.Engine
	rec     *metrics.Recorder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cat, err := catalog.Load("")
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	rec := metrics.NewRecorder()

	eng := engine.New(st, engine.Options{Reference: cat, Logger: log, Recorder: rec})
	h := NewHandler(eng, cat, log)
	h.Store = st
	h.OnSync = rec.ObserveSync
	return &testServer{
		t:       t,
		router:  NewRouter(h, RouterOptions{Metrics: rec.Handler()}),
		handler: h,
		eng:     eng,
		rec:     rec,
	}
}

// do sends body (marshalled unless already a string) as user.
func (s *testServer) do(method, path string, body any, user string) *httptest.ResponseRecorder {
	s.t.Helper()
	var rd io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeAs[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func requireStatus(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	require.Equal(t, status, w.Code, "body: %s", w.Body.String())
}

func assertKg(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s kg, got %s kg", want, got)
}

// receive creates a lot through the API.
func (s *testServer) receive(item, qty string) engine.Lot {
	s.t.Helper()
	w := s.do("POST", "/api/receiving/lots", map[string]any{
		"item_id": item, "supplier_id": "sup-hillside", "location_id": "dock", "quantity_kg": qty,
	}, "receiver")
	requireStatus(s.t, w, http.StatusCreated)
	return decodeAs[engine.Lot](s.t, w)
}

// released receives a lot and releases it immediately.
func (s *testServer) released(item, qty string) engine.Lot {
	s.t.Helper()
	lot := s.receive(item, qty)
	requireStatus(s.t, s.do("POST", "/api/lots/"+lot.ID+"/aging/start", map[string]any{"location_id": "cooler-1", "days": 0}, ""), http.StatusOK)
	w := s.do("POST", "/api/lots/"+lot.ID+"/aging/release", map[string]any{}, "supervisor")
	requireStatus(s.t, w, http.StatusOK)
	return decodeAs[engine.Lot](s.t, w)
}

// =============================================================================
// LOTS
// =============================================================================

func TestReceiveAndGetLot(t *testing.T) {
	// GIVEN: A received lot
	s := newTestServer(t)
	lot := s.receive("beef-carcass", "312.5")

	// WHEN: It is fetched
	w := s.do("GET", "/api/lots/"+lot.ID, nil, "")

	// THEN: The detail carries state and quantities
	requireStatus(t, w, http.StatusOK)
	detail := decodeAs[LotDetailDTO](t, w)
	assert.Equal(t, lot.ID, detail.ID)
	assert.Equal(t, engine.StateReceived, detail.State)
	assert.True(t, strings.HasPrefix(detail.Code, "REC-"), detail.Code)
	assertKg(t, "312.5", detail.Quantities.Available)
}

func TestLotLifecycle_AgeReleaseSell(t *testing.T) {
	s := newTestServer(t)
	lot := s.released("striploin", "20")
	assert.Equal(t, engine.StateReleased, lot.State)

	w := s.do("POST", "/api/sales", map[string]any{"lot_id": lot.ID, "customer_id": "cust-market", "quantity_kg": "20"}, "sales")
	requireStatus(t, w, http.StatusCreated)
	sale := decodeAs[engine.SaleResult](t, w)
	assert.Equal(t, engine.StateSold, sale.Lot.State)

	q := decodeAs[engine.Quantities](t, s.do("GET", "/api/lots/"+lot.ID+"/quantities", nil, ""))
	assertKg(t, "0", q.Available)
	assertKg(t, "20", q.Sold)

	events := decodeAs[[]engine.LotEvent](t, s.do("GET", "/api/lots/"+lot.ID+"/events", nil, ""))
	assert.GreaterOrEqual(t, len(events), 4)
}

func TestListLots_Filters(t *testing.T) {
	s := newTestServer(t)
	s.receive("beef-carcass", "100")
	s.released("striploin", "10")

	all := decodeAs[[]engine.Lot](t, s.do("GET", "/api/lots", nil, ""))
	assert.Len(t, all, 2)

	released := decodeAs[[]engine.Lot](t, s.do("GET", "/api/lots?state=released", nil, ""))
	require.Len(t, released, 1)
	assert.Equal(t, "striploin", released[0].ItemID)

	byItem := decodeAs[[]engine.Lot](t, s.do("GET", "/api/lots?item_id=pork-loin", nil, ""))
	assert.Empty(t, byItem)

	requireStatus(t, s.do("GET", "/api/lots?state=frozen", nil, ""), http.StatusBadRequest)
	requireStatus(t, s.do("GET", "/api/lots?limit=-1", nil, ""), http.StatusBadRequest)
}

func TestUserHeader_RecordedAsPerformedBy(t *testing.T) {
	s := newTestServer(t)
	lot := s.receive("beef-carcass", "50")

	w := s.do("POST", "/api/lots/"+lot.ID+"/transfer", map[string]any{"location_id": "cooler-2"}, "")
	requireStatus(t, w, http.StatusOK)

	moves := decodeAs[[]engine.Movement](t, s.do("GET", "/api/lots/"+lot.ID+"/movements", nil, ""))
	require.Len(t, moves, 2)
	assert.Equal(t, "receiver", moves[0].PerformedBy)
	assert.Equal(t, DefaultUser, moves[1].PerformedBy)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorResponses(t *testing.T) {
	s := newTestServer(t)
	received := s.receive("beef-carcass", "100")
	rel := s.released("striploin", "10")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"unknown lot", "GET", "/api/lots/nope", nil, http.StatusNotFound, "NotFound"},
		{"unknown field", "POST", "/api/receiving/lots", `{"item_id":"beef-carcass","colour":"red"}`, http.StatusBadRequest, "ValidationError"},
		{"malformed json", "POST", "/api/sales", `{"lot_id":`, http.StatusBadRequest, "ValidationError"},
		{"missing quantity", "POST", "/api/receiving/lots", map[string]any{"item_id": "beef-carcass", "supplier_id": "sup-hillside", "location_id": "dock"}, http.StatusBadRequest, "ValidationError"},
		{"unknown item", "POST", "/api/receiving/lots", map[string]any{"item_id": "unicorn", "supplier_id": "sup-hillside", "location_id": "dock", "quantity_kg": "1"}, http.StatusBadRequest, "ValidationError"},
		{"sell unreleased", "POST", "/api/sales", map[string]any{"lot_id": received.ID, "customer_id": "cust-market", "quantity_kg": "1"}, http.StatusConflict, "LotNotEligible"},
		{"oversell", "POST", "/api/sales", map[string]any{"lot_id": rel.ID, "customer_id": "cust-market", "quantity_kg": "11"}, http.StatusConflict, "InsufficientQuantity"},
		{"over reserve", "POST", "/api/reservations", map[string]any{"lot_id": rel.ID, "customer_id": "cust-bistro", "quantity_kg": "10.5"}, http.StatusConflict, "OverReservation"},
		{"unbalanced breakdown", "POST", "/api/production/breakdown", map[string]any{
			"input_lot_id": rel.ID, "input_quantity_kg": "10",
			"outputs": []map[string]any{{"item_id": "beef-trim", "quantity_kg": "5", "location_id": "cutting-room"}},
		}, http.StatusUnprocessableEntity, "MassBalanceViolation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.method, tt.path, tt.body, "")
			requireStatus(t, w, tt.status)
			body := decodeAs[ErrorResponse](t, w)
			assert.Equal(t, tt.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}

	// Failed requests changed nothing
	q := decodeAs[engine.Quantities](t, s.do("GET", "/api/lots/"+rel.ID+"/quantities", nil, ""))
	assertKg(t, "10", q.Available)
}

func TestErrorDetails_CarryNumbers(t *testing.T) {
	s := newTestServer(t)
	rel := s.released("striploin", "10")

	w := s.do("POST", "/api/sales", map[string]any{"lot_id": rel.ID, "customer_id": "cust-market", "quantity_kg": "12"}, "")
	requireStatus(t, w, http.StatusConflict)

	body := decodeAs[struct {
		Details struct {
			LotID     string          `json:"lot_id"`
			Available decimal.Decimal `json:"available_kg"`
			Requested decimal.Decimal `json:"requested_kg"`
		} `json:"details"`
	}](t, w)
	assert.Equal(t, rel.ID, body.Details.LotID)
	assertKg(t, "10", body.Details.Available)
	assertKg(t, "12", body.Details.Requested)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&engine.NotFoundError{Entity: "lot", ID: "x"}, http.StatusNotFound},
		{&engine.ValidationError{Field: "f", Message: "bad"}, http.StatusBadRequest},
		{&engine.MassBalanceError{}, http.StatusUnprocessableEntity},
		{&engine.LotNotEligibleError{}, http.StatusConflict},
		{&engine.InsufficientQuantityError{}, http.StatusConflict},
		{&engine.OverReservationError{}, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", engine.ErrConcurrentModification), http.StatusConflict},
		{engine.ErrDuplicate, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}

// =============================================================================
// PRODUCTION, RESERVATIONS, QA
// =============================================================================

func TestProductionRoutes(t *testing.T) {
	s := newTestServer(t)
	carcass := s.released("beef-carcass", "100")

	// Breakdown
	w := s.do("POST", "/api/production/breakdown", map[string]any{
		"input_lot_id": carcass.ID, "input_quantity_kg": "100",
		"outputs": []map[string]any{
			{"item_id": "striploin", "quantity_kg": "30", "location_id": "cutting-room"},
			{"item_id": "beef-trim", "quantity_kg": "60", "location_id": "cutting-room"},
		},
		"losses": []map[string]any{{"loss_type": "bone", "quantity_kg": "10"}},
	}, "butcher")
	requireStatus(t, w, http.StatusCreated)
	bd := decodeAs[engine.ProductionResult](t, w)
	require.Len(t, bd.Outputs, 2)
	trim := bd.Outputs[1]

	order := decodeAs[engine.ProductionOrder](t, s.do("GET", "/api/production/"+bd.Order.ID, nil, ""))
	assert.Equal(t, bd.Order.ID, order.ID)
	require.Len(t, order.Losses, 1)

	// Rework part of the trim into patties
	w = s.do("POST", "/api/production/rework", map[string]any{
		"input_lot_id": trim.ID, "rework_quantity_kg": "20", "output_item_id": "burger-patty", "location_id": "cutting-room",
	}, "butcher")
	requireStatus(t, w, http.StatusCreated)
	rw := decodeAs[engine.ProductionResult](t, w)
	require.Len(t, rw.Outputs, 2, "reworked lot plus remainder")
	remainder := rw.Outputs[1]
	assertKg(t, "40", remainder.ReceivedQty)

	// Mix part of the remainder with bought-in trim
	bought := s.released("beef-trim", "15")
	w = s.do("POST", "/api/production/mix", map[string]any{
		"profile_id": "grind", "output_item_id": "ground-beef", "location_id": "cutting-room",
		"inputs": []map[string]any{
			{"lot_id": remainder.ID, "quantity_kg": "10"},
			{"lot_id": bought.ID, "quantity_kg": "15"},
		},
	}, "butcher")
	requireStatus(t, w, http.StatusCreated)
	mix := decodeAs[engine.ProductionResult](t, w)
	require.Len(t, mix.Outputs, 1)
	assertKg(t, "25", mix.Outputs[0].ReceivedQty)

	lin := decodeAs[engine.Lineage](t, s.do("GET", "/api/lots/"+mix.Outputs[0].ID+"/genealogy", nil, ""))
	assert.ElementsMatch(t, []string{carcass.ID, trim.ID, remainder.ID, bought.ID}, lin.Ancestors)
}

func TestReservationRoutes(t *testing.T) {
	s := newTestServer(t)
	lot := s.released("ribeye", "10")

	w := s.do("POST", "/api/reservations", map[string]any{"lot_id": lot.ID, "customer_id": "cust-bistro", "quantity_kg": "4"}, "sales")
	requireStatus(t, w, http.StatusCreated)
	res := decodeAs[engine.Reservation](t, w)

	q := decodeAs[engine.Quantities](t, s.do("GET", "/api/lots/"+lot.ID+"/quantities", nil, ""))
	assertKg(t, "6", q.Sellable)
	assert.True(t, q.IsReserved)

	// Cancelling requires notes
	requireStatus(t, s.do("POST", "/api/reservations/"+res.ID+"/cancel", map[string]any{}, "sales"), http.StatusBadRequest)
	w = s.do("POST", "/api/reservations/"+res.ID+"/cancel", map[string]any{"notes": "customer called off"}, "sales")
	requireStatus(t, w, http.StatusOK)
	assert.NotNil(t, decodeAs[engine.Reservation](t, w).CancelledAt)

	list := decodeAs[[]engine.Reservation](t, s.do("GET", "/api/lots/"+lot.ID+"/reservations", nil, ""))
	require.Len(t, list, 1)
}

func TestQAAndDisposeRoutes(t *testing.T) {
	s := newTestServer(t)
	lot := s.released("ribeye", "10")

	w := s.do("POST", "/api/qa/checks", map[string]any{"lot_id": lot.ID, "check_type": "micro", "mode": "full", "passed": false}, "qa")
	requireStatus(t, w, http.StatusCreated)
	res := decodeAs[engine.QACheckResult](t, w)
	assert.Equal(t, engine.StateQuarantined, res.Lot.State)

	checks := decodeAs[[]engine.QACheck](t, s.do("GET", "/api/lots/"+lot.ID+"/qa-checks", nil, ""))
	assert.Len(t, checks, 1)

	w = s.do("POST", "/api/lots/"+lot.ID+"/dispose", map[string]any{"notes": "rendered"}, "supervisor")
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, engine.StateDisposed, decodeAs[engine.Lot](t, w).State)
}

func TestQuarantineRoute_Partial(t *testing.T) {
	s := newTestServer(t)
	lot := s.released("chuck", "10")

	w := s.do("POST", "/api/lots/"+lot.ID+"/quarantine", map[string]any{"quantity_kg": "3", "reason": "bruising"}, "qa")
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, engine.StateReleased, decodeAs[engine.Lot](t, w).State)

	q := decodeAs[engine.Quantities](t, s.do("GET", "/api/lots/"+lot.ID+"/quantities", nil, ""))
	assertKg(t, "3", q.Quarantined)
	assertKg(t, "7", q.Available)
}

// =============================================================================
// RECALL
// =============================================================================

func TestRecallRoutes(t *testing.T) {
	s := newTestServer(t)
	carcass := s.released("beef-carcass", "100")
	w := s.do("POST", "/api/production/breakdown", map[string]any{
		"input_lot_id": carcass.ID, "input_quantity_kg": "100",
		"outputs": []map[string]any{
			{"item_id": "striploin", "quantity_kg": "40", "location_id": "cutting-room"},
			{"item_id": "beef-trim", "quantity_kg": "60", "location_id": "cutting-room"},
		},
	}, "butcher")
	requireStatus(t, w, http.StatusCreated)
	bd := decodeAs[engine.ProductionResult](t, w)
	requireStatus(t, s.do("POST", "/api/sales", map[string]any{"lot_id": bd.Outputs[0].ID, "customer_id": "cust-grill", "quantity_kg": "5"}, ""), http.StatusCreated)

	tr := decodeAs[engine.RecallTrace](t, s.do("GET", "/api/recall/"+carcass.ID, nil, ""))
	assert.Len(t, tr.Forward, 3)
	require.Len(t, tr.AffectedCustomers, 1)
	assert.Equal(t, "cust-grill", tr.AffectedCustomers[0].CustomerID)

	requireStatus(t, s.do("POST", "/api/recall/"+carcass.ID+"/quarantine-forward", map[string]any{}, "qa"), http.StatusBadRequest)
	w = s.do("POST", "/api/recall/"+carcass.ID+"/quarantine-forward", map[string]any{"reason": "supplier recall"}, "qa")
	requireStatus(t, w, http.StatusOK)
	res := decodeAs[engine.QuarantineForwardResult](t, w)
	assert.Equal(t, 2, res.QuarantinedCount)
	assert.Equal(t, 1, res.IneligibleCount)
}

// =============================================================================
// OFFLINE
// =============================================================================

func TestOfflineRoutes_EnqueueSyncResolve(t *testing.T) {
	s := newTestServer(t)
	lot := s.released("striploin", "10")

	sale := func(txn, qty string) map[string]any {
		return map[string]any{
			"client_txn_id": txn,
			"action_type":   "sale",
			"payload":       map[string]any{"lot_id": lot.ID, "customer_id": "cust-market", "quantity_kg": qty},
		}
	}

	// GIVEN: A tablet queued a sale that fits and one that does not
	w := s.do("POST", "/api/offline/queue", map[string]any{
		"client_id": "tablet-1",
		"actions":   []any{sale("t-1", "4"), sale("t-2", "8")},
	}, "floor-user")
	requireStatus(t, w, http.StatusAccepted)
	assert.Len(t, decodeAs[[]engine.OfflineQueueEntry](t, w), 2)

	// WHEN: The queue is synced
	w = s.do("POST", "/api/offline/sync", map[string]any{"client_id": "tablet-1"}, "")
	requireStatus(t, w, http.StatusOK)
	results := decodeAs[[]engine.ApplyResult](t, w)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Applied)
	assert.Equal(t, 1, results[0].Conflicts)

	// THEN: The conflict awaits review and can be rejected
	conflicts := decodeAs[[]engine.OfflineQueueEntry](t, s.do("GET", "/api/offline/conflicts", nil, ""))
	require.Len(t, conflicts, 1)
	assert.Equal(t, "t-2", conflicts[0].ClientTxnID)

	w = s.do("POST", "/api/offline/conflicts/"+conflicts[0].ID+"/resolve", map[string]any{"action": "reject", "notes": "duplicate ticket"}, "supervisor")
	requireStatus(t, w, http.StatusOK)
	resolved := decodeAs[[]engine.OfflineQueueEntry](t, w)
	require.Len(t, resolved, 1)
	assert.Equal(t, engine.QueueRejected, resolved[0].Status)
	assert.Equal(t, "supervisor", resolved[0].ResolvedBy)

	applied := decodeAs[[]engine.OfflineQueueEntry](t, s.do("GET", "/api/offline/queue/tablet-1?status=applied", nil, ""))
	require.Len(t, applied, 1)
	assert.Equal(t, "t-1", applied[0].ClientTxnID)

	moves := decodeAs[[]engine.Movement](t, s.do("GET", "/api/lots/"+lot.ID+"/movements", nil, ""))
	assert.Equal(t, "floor-user", moves[len(moves)-1].PerformedBy)
}

func TestOfflineSync_AllClients(t *testing.T) {
	s := newTestServer(t)
	for _, client := range []string{"tablet-a", "tablet-b"} {
		w := s.do("POST", "/api/offline/queue", map[string]any{
			"client_id": client,
			"actions": []any{map[string]any{
				"client_txn_id": "rcv-1",
				"action_type":   "receiving",
				"payload":       map[string]any{"item_id": "pork-loin", "supplier_id": "sup-oakridge", "location_id": "dock", "quantity_kg": "12"},
			}},
		}, "")
		requireStatus(t, w, http.StatusAccepted)
	}

	w := s.do("POST", "/api/offline/sync", nil, "")
	requireStatus(t, w, http.StatusOK)
	results := decodeAs[[]engine.ApplyResult](t, w)
	require.Len(t, results, 2)
	assert.Equal(t, "tablet-a", results[0].ClientID)
	assert.Equal(t, "tablet-b", results[1].ClientID)

	lots := decodeAs[[]engine.Lot](t, s.do("GET", "/api/lots?item_id=pork-loin", nil, ""))
	assert.Len(t, lots, 2)
}

// =============================================================================
// REPORTS AND LOSS TYPE ADMIN
// =============================================================================

func TestReportRoutes(t *testing.T) {
	// GIVEN: A lot on hand, a sold-out lot and a carcass on a 21 day dry age
	s := newTestServer(t)
	onHand := s.receive("beef-trim", "30")
	sold := s.released("striploin", "10")
	requireStatus(t, s.do("POST", "/api/sales", map[string]any{"lot_id": sold.ID, "customer_id": "cust-market", "quantity_kg": "10"}, "sales"), http.StatusCreated)
	carcass := s.receive("beef-carcass", "200")
	requireStatus(t, s.do("POST", "/api/lots/"+carcass.ID+"/aging/start", map[string]any{"location_id": "aging-room"}, ""), http.StatusOK)

	stockIDs := func(path string) map[string]engine.StockRow {
		w := s.do("GET", path, nil, "")
		requireStatus(t, w, http.StatusOK)
		out := map[string]engine.StockRow{}
		for _, r := range decodeAs[StockReportDTO](t, w).Rows {
			out[r.ID] = r
		}
		return out
	}

	// WHEN: Stock is requested
	stock := stockIDs("/api/reports/stock")

	// THEN: Lots with nothing available are hidden unless asked for
	require.Contains(t, stock, onHand.ID)
	assertKg(t, "30", stock[onHand.ID].Sellable)
	assert.Contains(t, stock, carcass.ID)
	assert.NotContains(t, stock, sold.ID)
	assert.Contains(t, stockIDs("/api/reports/stock?include_zero=true"), sold.ID)

	// WHEN: At-risk lots for the next week are requested
	w := s.do("GET", "/api/reports/at-risk?days=7", nil, "")
	requireStatus(t, w, http.StatusOK)
	report := decodeAs[engine.AtRiskReport](t, w)

	// THEN: Only the aging carcass is flagged
	require.Len(t, report.Rows, 1)
	assert.Equal(t, carcass.ID, report.Rows[0].ID)
	assert.Equal(t, []engine.RiskFlag{engine.RiskAgingNotReady}, report.Rows[0].Flags)
	assertKg(t, "200", report.Rows[0].Available)

	// AND: Malformed parameters are validation errors
	for _, path := range []string{
		"/api/reports/stock?include_zero=maybe",
		"/api/reports/at-risk?days=soon",
		"/api/reports/at-risk?include_quarantined=2",
	} {
		w := s.do("GET", path, nil, "")
		requireStatus(t, w, http.StatusBadRequest)
		assert.Equal(t, "ValidationError", decodeAs[ErrorResponse](t, w).Kind, path)
	}
}

func TestLossTypeAdminRoutes(t *testing.T) {
	s := newTestServer(t)

	// Create
	w := s.do("POST", "/api/admin/loss-types", map[string]any{"code": "trim-waste", "name": "Trim waste", "sort_order": 3}, "supervisor")
	requireStatus(t, w, http.StatusCreated)
	assert.Equal(t, engine.LossType{Code: "trim-waste", Name: "Trim waste", Active: true, SortOrder: 3}, decodeAs[engine.LossType](t, w))

	w = s.do("POST", "/api/admin/loss-types", map[string]any{"code": "trim-waste", "name": "Again"}, "supervisor")
	requireStatus(t, w, http.StatusConflict)
	assert.Equal(t, "Duplicate", decodeAs[ErrorResponse](t, w).Kind)

	w = s.do("POST", "/api/admin/loss-types", map[string]any{"code": "x", "name": "Too short"}, "supervisor")
	requireStatus(t, w, http.StatusBadRequest)

	// Deactivate
	w = s.do("PATCH", "/api/admin/loss-types/bone", map[string]any{"active": false}, "supervisor")
	requireStatus(t, w, http.StatusOK)
	assert.False(t, decodeAs[engine.LossType](t, w).Active)
	requireStatus(t, s.do("PATCH", "/api/admin/loss-types/unknown", map[string]any{"active": false}, ""), http.StatusNotFound)

	list := decodeAs[[]engine.LossType](t, s.do("GET", "/api/admin/loss-types", nil, ""))
	require.NotEmpty(t, list)
	assert.False(t, list[len(list)-1].Active, "inactive loss types sort last")

	// A deactivated loss type can no longer be recorded
	carcass := s.released("beef-carcass", "100")
	w = s.do("POST", "/api/production/breakdown", map[string]any{
		"input_lot_id": carcass.ID, "input_quantity_kg": "100",
		"outputs": []map[string]any{{"item_id": "beef-trim", "quantity_kg": "90", "location_id": "cutting-room"}},
		"losses":  []map[string]any{{"loss_type": "bone", "quantity_kg": "10"}},
	}, "butcher")
	requireStatus(t, w, http.StatusBadRequest)

	// The new one can
	w = s.do("POST", "/api/production/breakdown", map[string]any{
		"input_lot_id": carcass.ID, "input_quantity_kg": "100",
		"outputs": []map[string]any{{"item_id": "beef-trim", "quantity_kg": "90", "location_id": "cutting-room"}},
		"losses":  []map[string]any{{"loss_type": "trim-waste", "quantity_kg": "10"}},
	}, "butcher")
	requireStatus(t, w, http.StatusCreated)
}

// =============================================================================
// LOOKUPS, HEALTH, METRICS
// =============================================================================

func TestLookups(t *testing.T) {
	s := newTestServer(t)
	l := decodeAs[catalog.Lookups](t, s.do("GET", "/api/lookups", nil, ""))
	assert.NotEmpty(t, l.Items)
	assert.NotEmpty(t, l.LossTypes)
	assert.NotEmpty(t, l.Customers)
	assert.NotEmpty(t, l.Locations)
	assert.NotEmpty(t, l.Profiles)
	assert.NotEmpty(t, l.Suppliers)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do("GET", "/health", nil, "")
	requireStatus(t, w, http.StatusOK)
	assert.Equal(t, HealthDTO{Status: "ok", Store: "ok"}, decodeAs[HealthDTO](t, w))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.receive("beef-carcass", "10")

	w := s.do("GET", "/metrics", nil, "")
	requireStatus(t, w, http.StatusOK)
	assert.Contains(t, w.Body.String(), `lotledger_operations_total{op="receive",outcome="success"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest("OPTIONS", "/api/lots", nil)
	req.Header.Set("Origin", "https://tablet.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", UserHeader)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
