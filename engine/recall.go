/*
recall.go - Recall trace and quarantine-forward

PURPOSE:
  traceRecall answers "what did this lot come from, what did it go into,
  and who has it". quarantineForward then quarantines everything
  downstream, one lot at a time, reporting each lot's outcome.

FORWARD SET:
  descendants(lot) plus the lot itself. It is reflexive and transitive.

CUSTOMERS:
  Union of customers on sales and non-cancelled reservations across the
  forward set, deduplicated by customer id.

PARTIAL SUCCESS:
  quarantineForward is not all-or-nothing. Each lot is its own
  transaction; failures are counted and listed, never hidden.
*/
package engine

import (
	"context"
	"sort"
)

// AffectedCustomer is one customer reached by a recall.
type AffectedCustomer struct {
	CustomerID string   `json:"customer_id"`
	LotIDs     []string `json:"lot_ids"`
	// Sources holds "sale" and/or "reservation".
	Sources []string `json:"sources"`
}

// RecallTrace is the result of traceRecall.
type RecallTrace struct {
	LotID             string             `json:"lot_id"`
	Backward          []string           `json:"backward_lot_ids"`
	Forward           []string           `json:"forward_lot_ids"`
	AffectedCustomers []AffectedCustomer `json:"affected_customers"`
}

// TraceRecall computes the ancestor and descendant closures of lotID and
// the customers holding material from the forward set.
func (e *Engine) TraceRecall(ctx context.Context, lotID string) (*RecallTrace, error) {
	var tr *RecallTrace
	err := e.store.View(ctx, func(s Store) error {
		var err error
		tr, err = traceTx(ctx, s, lotID)
		return err
	})
	return tr, err
}

func traceTx(ctx context.Context, s Store, lotID string) (*RecallTrace, error) {
	if _, err := s.GetLot(ctx, lotID); err != nil {
		return nil, err
	}
	back, err := traverse(ctx, s, lotID, Backward)
	if err != nil {
		return nil, err
	}
	desc, err := traverse(ctx, s, lotID, Forward)
	if err != nil {
		return nil, err
	}
	forward := append([]string{lotID}, desc...)
	sort.Strings(forward)

	sales, err := s.ListSales(ctx, forward)
	if err != nil {
		return nil, err
	}
	res, err := s.ListReservations(ctx, forward)
	if err != nil {
		return nil, err
	}

	byCustomer := make(map[string]*AffectedCustomer)
	var order []string
	add := func(customer, lot, source string) {
		c, ok := byCustomer[customer]
		if !ok {
			c = &AffectedCustomer{CustomerID: customer}
			byCustomer[customer] = c
			order = append(order, customer)
		}
		if !contains(c.LotIDs, lot) {
			c.LotIDs = append(c.LotIDs, lot)
		}
		if !contains(c.Sources, source) {
			c.Sources = append(c.Sources, source)
		}
	}
	for _, sl := range sales {
		add(sl.CustomerID, sl.LotID, "sale")
	}
	for _, r := range res {
		if r.CancelledAt == nil {
			add(r.CustomerID, r.LotID, "reservation")
		}
	}
	sort.Strings(order)
	customers := make([]AffectedCustomer, 0, len(order))
	for _, id := range order {
		c := byCustomer[id]
		sort.Strings(c.LotIDs)
		customers = append(customers, *c)
	}
	return &RecallTrace{LotID: lotID, Backward: back, Forward: forward, AffectedCustomers: customers}, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// =============================================================================
// QUARANTINE FORWARD
// =============================================================================

// Per-lot outcomes of quarantine-forward.
const (
	OutcomeQuarantined        = "quarantined"
	OutcomeAlreadyQuarantined = "already_quarantined"
	OutcomeIneligible         = "ineligible"
	OutcomeFailed             = "failed"
)

// ForwardLotOutcome reports what happened to one lot.
type ForwardLotOutcome struct {
	LotID   string `json:"lot_id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// QuarantineForwardResult counts per-lot outcomes.
type QuarantineForwardResult struct {
	LotID                   string              `json:"lot_id"`
	QuarantinedCount        int                 `json:"quarantined_count"`
	AlreadyQuarantinedCount int                 `json:"already_quarantined_count"`
	IneligibleCount         int                 `json:"ineligible_count"`
	FailedCount             int                 `json:"failed_count"`
	Lots                    []ForwardLotOutcome `json:"lots"`
}

// QuarantineForwardRequest names the recall root.
type QuarantineForwardRequest struct {
	LotID       string `json:"lot_id" validate:"required"`
	Reason      string `json:"reason" validate:"required"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

// QuarantineForward quarantines every lot in the forward set of LotID.
// Lots already quarantined are counted; terminal lots (disposed, sold,
// consumed) are reported as ineligible.
func (e *Engine) QuarantineForward(ctx context.Context, req QuarantineForwardRequest) (*QuarantineForwardResult, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	if err := requireNotes("reason", req.Reason); err != nil {
		return nil, err
	}
	tr, err := e.TraceRecall(ctx, req.LotID)
	if err != nil {
		return nil, err
	}

	out := &QuarantineForwardResult{LotID: req.LotID, Lots: make([]ForwardLotOutcome, 0, len(tr.Forward))}
	for _, id := range tr.Forward {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		oc := e.quarantineOne(ctx, id, req)
		switch oc.Outcome {
		case OutcomeQuarantined:
			out.QuarantinedCount++
		case OutcomeAlreadyQuarantined:
			out.AlreadyQuarantinedCount++
		case OutcomeIneligible:
			out.IneligibleCount++
		default:
			out.FailedCount++
		}
		out.Lots = append(out.Lots, oc)
	}
	e.log.WithField("lot_id", req.LotID).
		WithField("quarantined", out.QuarantinedCount).
		WithField("already_quarantined", out.AlreadyQuarantinedCount).
		Info("quarantine forward complete")
	return out, nil
}

func (e *Engine) quarantineOne(ctx context.Context, lotID string, req QuarantineForwardRequest) ForwardLotOutcome {
	oc := ForwardLotOutcome{LotID: lotID}
	err := e.mutate(ctx, "quarantine_forward", []string{lotID}, func(s Store) error {
		lot, err := s.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		switch {
		case lot.State == StateQuarantined:
			oc.Outcome = OutcomeAlreadyQuarantined
			return nil
		case !CanTransition(lot.State, StateQuarantined):
			oc.Outcome = OutcomeIneligible
			oc.Reason = "lot is " + string(lot.State)
			return nil
		}
		q, err := quantitiesTx(ctx, s, lot)
		if err != nil {
			return err
		}
		notes := "recall of " + req.LotID + ": " + req.Reason
		if _, err := quarantineTx(ctx, s, lot, q, q.Available, true, "quarantined_bulk", notes, req.PerformedBy, e.now()); err != nil {
			return err
		}
		oc.Outcome = OutcomeQuarantined
		return nil
	})
	if err != nil {
		oc.Outcome = OutcomeFailed
		oc.Reason = err.Error()
	}
	return oc
}
