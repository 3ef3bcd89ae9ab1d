/*
ledger.go - Quantity ledger: derived quantities over an append-only log

PURPOSE:
  A lot's quantities are never stored. They are recomputed by folding its
  movements plus its active reservations, so they can always be rebuilt
  from history and cannot drift.

FOLD:
  available   = received - consumed - quarantined - disposed - sold
  quarantined = sum(quarantine movements)   (disposal writes a negative one)
  reserved    = sum(active reservations)     (never a movement)
  sellable    = available - reserved

  Loss movements itemize part of a consume movement on the same lot and do
  not reduce available on their own. Transfer movements only move location.

TOLERANCE:
  All kg comparisons use Tolerance (0.001 kg).

SEE ALSO:
  - types.go: Movement, Reservation
  - production.go: Writes consume/produce/loss movements
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Tolerance is the epsilon for every kilogram comparison.
var Tolerance = decimal.New(1, -3)

// Quantities is the derived view of a lot's mass.
type Quantities struct {
	LotID       string          `json:"lot_id"`
	Received    decimal.Decimal `json:"received_qty"`
	Consumed    decimal.Decimal `json:"consumed_qty"`
	Lost        decimal.Decimal `json:"lost_qty"`
	Quarantined decimal.Decimal `json:"quarantined_qty"`
	Disposed    decimal.Decimal `json:"disposed_qty"`
	Sold        decimal.Decimal `json:"sold_qty"`
	Available   decimal.Decimal `json:"available_qty"`
	Reserved    decimal.Decimal `json:"reserved_qty"`
	Sellable    decimal.Decimal `json:"sellable_qty"`
	IsReserved  bool            `json:"is_reserved"`
}

// Fold computes quantities for lot from its movements and reservations.
// Movements and reservations belonging to other lots are ignored.
func Fold(lot Lot, moves []Movement, reservations []Reservation) Quantities {
	q := Quantities{LotID: lot.ID, Received: lot.ReceivedQty}
	for _, m := range moves {
		if m.LotID != lot.ID {
			continue
		}
		switch m.Type {
		case MoveConsume:
			q.Consumed = q.Consumed.Add(m.Quantity)
		case MoveLoss:
			q.Lost = q.Lost.Add(m.Quantity)
		case MoveQuarantine:
			q.Quarantined = q.Quarantined.Add(m.Quantity)
		case MoveDispose:
			q.Disposed = q.Disposed.Add(m.Quantity)
		case MoveSale:
			q.Sold = q.Sold.Add(m.Quantity)
		}
	}
	q.Available = q.Received.Sub(q.Consumed).Sub(q.Quarantined).Sub(q.Disposed).Sub(q.Sold)
	for _, r := range reservations {
		if r.LotID == lot.ID && r.Active() {
			q.Reserved = q.Reserved.Add(r.Quantity)
		}
	}
	q.Sellable = q.Available.Sub(q.Reserved)
	q.IsReserved = q.Reserved.GreaterThan(Tolerance)
	return q
}

// =============================================================================
// COMPARISON HELPERS
// =============================================================================

// approxEqual reports |a-b| <= Tolerance.
func approxEqual(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// exceeds reports a > b + Tolerance.
func exceeds(a, b decimal.Decimal) bool {
	return a.GreaterThan(b.Add(Tolerance))
}

// isZero reports |a| <= Tolerance.
func isZero(a decimal.Decimal) bool {
	return a.Abs().LessThanOrEqual(Tolerance)
}

func sum(qs ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, q := range qs {
		total = total.Add(q)
	}
	return total
}

// =============================================================================
// READS AND WRITES
// =============================================================================

// quantitiesTx folds the lot inside the caller's transaction.
func quantitiesTx(ctx context.Context, s Store, lot Lot) (Quantities, error) {
	moves, err := s.ListMovements(ctx, lot.ID)
	if err != nil {
		return Quantities{}, err
	}
	res, err := s.ListReservations(ctx, []string{lot.ID})
	if err != nil {
		return Quantities{}, err
	}
	return Fold(lot, moves, res), nil
}

// consumes reports whether a movement type draws down available quantity.
func consumes(t MoveType) bool {
	switch t {
	case MoveConsume, MoveQuarantine, MoveDispose, MoveSale:
		return true
	}
	return false
}

// movement is a pending ledger write.
type movement struct {
	Type     MoveType
	Quantity decimal.Decimal
	From, To string
	OrderID  string
}

// recordMovement appends one movement against lot after checking that a
// consuming movement keeps available quantity non-negative.
func recordMovement(ctx context.Context, s Store, lot Lot, mv movement, at time.Time, by string) (Movement, error) {
	if consumes(mv.Type) && mv.Quantity.IsPositive() {
		q, err := quantitiesTx(ctx, s, lot)
		if err != nil {
			return Movement{}, err
		}
		if exceeds(mv.Quantity, q.Available) {
			return Movement{}, &InsufficientQuantityError{LotID: lot.ID, Available: q.Available, Requested: mv.Quantity}
		}
	}
	m := Movement{
		ID:           uuid.NewString(),
		LotID:        lot.ID,
		Type:         mv.Type,
		Quantity:     mv.Quantity,
		FromLocation: mv.From,
		ToLocation:   mv.To,
		OrderID:      mv.OrderID,
		MovedAt:      at,
		PerformedBy:  by,
	}
	if err := s.AppendMovements(ctx, m); err != nil {
		return Movement{}, err
	}
	return m, nil
}

// Quantities returns the derived quantities for a lot.
func (e *Engine) Quantities(ctx context.Context, lotID string) (Quantities, error) {
	var q Quantities
	err := e.store.View(ctx, func(s Store) error {
		lot, err := s.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		q, err = quantitiesTx(ctx, s, lot)
		return err
	})
	return q, err
}

// Movements returns a lot's ledger in append order.
func (e *Engine) Movements(ctx context.Context, lotID string) ([]Movement, error) {
	var out []Movement
	err := e.store.View(ctx, func(s Store) error {
		if _, err := s.GetLot(ctx, lotID); err != nil {
			return err
		}
		var err error
		out, err = s.ListMovements(ctx, lotID)
		return err
	})
	return out, err
}
