/*
qa.go - QA checks, quarantine and disposal

PURPOSE:
  A failing full check quarantines everything still available and moves
  the lot to quarantined. A partial check quarantines exactly fail_qty; the
  lot keeps its state unless fail_qty is the whole available quantity.

  Quarantine never fails for lack of sellable quantity: reservations that
  no longer fit are cancelled, newest first, with an audit event each.

  Disposal draws the outstanding quarantined quantity down with a negative
  quarantine movement and an equal dispose movement, so available is
  unchanged and the disposed mass leaves the quarantined bucket.
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QACheckRequest records a quality check against a lot.
type QACheckRequest struct {
	LotID     string `json:"lot_id" validate:"required"`
	CheckType string `json:"check_type" validate:"required"`
	Mode      QAMode `json:"mode" validate:"required,oneof=full partial"`
	// Passed is required in full mode.
	Passed *bool `json:"passed,omitempty"`
	// PassQty and FailQty are required in partial mode.
	PassQty     *decimal.Decimal `json:"pass_qty,omitempty"`
	FailQty     *decimal.Decimal `json:"fail_qty,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	PerformedBy string           `json:"performed_by" validate:"required"`
}

// QACheckResult is the recorded check and the lot after it.
type QACheckResult struct {
	Check       QACheck         `json:"check"`
	Lot         Lot             `json:"lot"`
	Quarantined decimal.Decimal `json:"quarantined_qty"`
}

// SubmitCheck records a QA check and quarantines failing quantity.
func (e *Engine) SubmitCheck(ctx context.Context, req QACheckRequest) (*QACheckResult, error) {
	if err := e.validateCheck(req); err != nil {
		return nil, err
	}
	var res *QACheckResult
	err := e.mutate(ctx, "qa_check", []string{req.LotID}, func(s Store) error {
		var err error
		res, err = e.checkTx(ctx, s, req)
		return err
	})
	return res, err
}

func (e *Engine) validateCheck(req QACheckRequest) error {
	if err := e.check(req); err != nil {
		return err
	}
	switch req.Mode {
	case QAModeFull:
		if req.Passed == nil {
			return invalid("passed", "is required for a full check")
		}
	case QAModePartial:
		if req.PassQty == nil || req.FailQty == nil {
			return invalid("pass_qty,fail_qty", "are required for a partial check")
		}
		if req.PassQty.IsNegative() || req.FailQty.IsNegative() {
			return invalid("pass_qty,fail_qty", "must not be negative")
		}
	}
	return nil
}

func (e *Engine) checkTx(ctx context.Context, s Store, req QACheckRequest) (*QACheckResult, error) {
	lot, err := s.GetLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	if err := requireWorkable(lot, "qa check"); err != nil {
		return nil, err
	}
	q, err := quantitiesTx(ctx, s, lot)
	if err != nil {
		return nil, err
	}

	failQty, whole := decimal.Zero, false
	switch req.Mode {
	case QAModeFull:
		if !*req.Passed {
			failQty, whole = q.Available, true
		}
	case QAModePartial:
		total := req.PassQty.Add(*req.FailQty)
		if exceeds(total, q.Available) {
			return nil, &InsufficientQuantityError{LotID: lot.ID, Available: q.Available, Requested: total}
		}
		if !approxEqual(total, q.Available) {
			return nil, invalid("pass_qty,fail_qty", "must add up to available %s kg", q.Available.StringFixed(3))
		}
		failQty = *req.FailQty
		whole = approxEqual(failQty, q.Available)
	}

	now := e.now()
	check := QACheck{
		ID:          uuid.NewString(),
		LotID:       lot.ID,
		CheckType:   req.CheckType,
		Mode:        req.Mode,
		Passed:      req.Passed,
		PassQty:     req.PassQty,
		FailQty:     req.FailQty,
		Notes:       req.Notes,
		PerformedBy: req.PerformedBy,
		PerformedAt: now,
	}
	if err := s.CreateQACheck(ctx, check); err != nil {
		return nil, err
	}
	if failQty.IsPositive() {
		lot, err = quarantineTx(ctx, s, lot, q, failQty, whole, "qa_fail", "QA "+req.CheckType+" failed: "+req.Notes, req.PerformedBy, e.now())
		if err != nil {
			return nil, err
		}
	} else if lot, err = saveLot(ctx, s, lot); err != nil {
		return nil, err
	}
	return &QACheckResult{Check: check, Lot: lot, Quarantined: failQty}, nil
}

// QAChecks lists a lot's QA history.
func (e *Engine) QAChecks(ctx context.Context, lotID string) ([]QACheck, error) {
	var out []QACheck
	err := e.store.View(ctx, func(s Store) error {
		if _, err := s.GetLot(ctx, lotID); err != nil {
			return err
		}
		var err error
		out, err = s.ListQAChecks(ctx, lotID)
		return err
	})
	return out, err
}

// =============================================================================
// QUARANTINE & DISPOSAL
// =============================================================================

// QuarantineRequest quarantines some or all of a lot.
type QuarantineRequest struct {
	LotID string `json:"lot_id" validate:"required"`
	// Quantity defaults to everything available.
	Quantity    *decimal.Decimal `json:"quantity_kg,omitempty"`
	Reason      string           `json:"reason" validate:"required"`
	PerformedBy string           `json:"performed_by" validate:"required"`
}

// Quarantine moves quantity into quarantine. Quarantining the whole
// available quantity moves the lot to quarantined.
func (e *Engine) Quarantine(ctx context.Context, req QuarantineRequest) (Lot, error) {
	if err := e.check(req); err != nil {
		return Lot{}, err
	}
	if err := requireNotes("reason", req.Reason); err != nil {
		return Lot{}, err
	}
	if req.Quantity != nil && !req.Quantity.IsPositive() {
		return Lot{}, invalid("quantity_kg", "must be positive")
	}
	var lot Lot
	err := e.mutate(ctx, "quarantine", []string{req.LotID}, func(s Store) error {
		var err error
		lot, err = s.GetLot(ctx, req.LotID)
		if err != nil {
			return err
		}
		if !CanTransition(lot.State, StateQuarantined) {
			return notEligible(lot, "quarantine", "")
		}
		q, err := quantitiesTx(ctx, s, lot)
		if err != nil {
			return err
		}
		qty := q.Available
		if req.Quantity != nil {
			qty = *req.Quantity
		}
		lot, err = quarantineTx(ctx, s, lot, q, qty, approxEqual(qty, q.Available), "quarantined", req.Reason, req.PerformedBy, e.now())
		return err
	})
	return lot, err
}

// quarantineTx writes a quarantine movement of qty, trims reservations that
// no longer fit and, when whole is set, moves the lot to quarantined.
func quarantineTx(ctx context.Context, s Store, lot Lot, q Quantities, qty decimal.Decimal, whole bool, eventType, reason, by string, now time.Time) (Lot, error) {
	if exceeds(qty, q.Available) {
		return lot, &InsufficientQuantityError{LotID: lot.ID, Available: q.Available, Requested: qty}
	}
	if qty.IsPositive() {
		if _, err := recordMovement(ctx, s, lot, movement{Type: MoveQuarantine, Quantity: qty, From: lot.LocationID}, now, by); err != nil {
			return lot, err
		}
	}
	if err := trimReservations(ctx, s, lot, q.Available.Sub(qty), reason, by, now); err != nil {
		return lot, err
	}
	var err error
	if whole {
		lot, err = transition(ctx, s, lot, StateQuarantined, "quarantine")
	} else {
		lot, err = saveLot(ctx, s, lot)
	}
	if err != nil {
		return lot, err
	}
	notes := reason
	if !whole {
		notes = qty.StringFixed(3) + " kg: " + reason
	}
	if err := s.AppendEvents(ctx, event(lot.ID, eventType, notes, by, now)); err != nil {
		return lot, err
	}
	return lot, nil
}

// DisposeRequest disposes of a lot's quarantined quantity.
type DisposeRequest struct {
	LotID       string `json:"lot_id" validate:"required"`
	Notes       string `json:"notes" validate:"required"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

// Dispose writes off the outstanding quarantined quantity. A quarantined
// lot becomes disposed; a partially quarantined lot keeps its state.
func (e *Engine) Dispose(ctx context.Context, req DisposeRequest) (Lot, error) {
	if err := e.check(req); err != nil {
		return Lot{}, err
	}
	if err := requireNotes("notes", req.Notes); err != nil {
		return Lot{}, err
	}
	var lot Lot
	err := e.mutate(ctx, "dispose", []string{req.LotID}, func(s Store) error {
		var err error
		lot, err = s.GetLot(ctx, req.LotID)
		if err != nil {
			return err
		}
		q, err := quantitiesTx(ctx, s, lot)
		if err != nil {
			return err
		}
		if isZero(q.Quarantined) {
			return notEligible(lot, "dispose", "no quarantined quantity outstanding")
		}
		now := e.now()
		if _, err := recordMovement(ctx, s, lot, movement{Type: MoveQuarantine, Quantity: q.Quarantined.Neg(), From: lot.LocationID}, now, req.PerformedBy); err != nil {
			return err
		}
		if _, err := recordMovement(ctx, s, lot, movement{Type: MoveDispose, Quantity: q.Quarantined, From: lot.LocationID}, now, req.PerformedBy); err != nil {
			return err
		}
		eventType := "quarantine_disposed"
		if lot.State == StateQuarantined {
			eventType = "disposed"
			lot, err = transition(ctx, s, lot, StateDisposed, "dispose")
		} else {
			lot, err = saveLot(ctx, s, lot)
		}
		if err != nil {
			return err
		}
		return s.AppendEvents(ctx, event(lot.ID, eventType, req.Notes, req.PerformedBy, now))
	})
	return lot, err
}
