package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaleRequest ships quantity from a lot to a customer.
type SaleRequest struct {
	LotID       string          `json:"lot_id" validate:"required"`
	CustomerID  string          `json:"customer_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
	Notes       string          `json:"notes,omitempty"`
	PerformedBy string          `json:"performed_by" validate:"required"`
}

// SaleResult is the recorded sale and the lot after it.
type SaleResult struct {
	Sale Sale `json:"sale"`
	Lot  Lot  `json:"lot"`
	// Fulfilled lists reservations of the same customer drawn down by the sale.
	Fulfilled []string `json:"fulfilled_reservation_ids,omitempty"`
}

// Sell records a sale. The lot must be released and ready. A customer may
// draw on their own active reservations in addition to sellable quantity;
// those reservations are fulfilled oldest first. A lot with nothing left
// available becomes sold.
func (e *Engine) Sell(ctx context.Context, req SaleRequest) (*SaleResult, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	if err := e.requireCustomer("customer_id", req.CustomerID); err != nil {
		return nil, err
	}
	var res *SaleResult
	err := e.mutate(ctx, "sale", []string{req.LotID}, func(s Store) error {
		var err error
		res, err = e.sellTx(ctx, s, req)
		return err
	})
	return res, err
}

func (e *Engine) sellTx(ctx context.Context, s Store, req SaleRequest) (*SaleResult, error) {
	now := e.now()
	lot, err := s.GetLot(ctx, req.LotID)
	if err != nil {
		return nil, err
	}
	if err := requireSaleable(lot, "sale", now); err != nil {
		return nil, err
	}
	all, err := s.ListReservations(ctx, []string{lot.ID})
	if err != nil {
		return nil, err
	}
	moves, err := s.ListMovements(ctx, lot.ID)
	if err != nil {
		return nil, err
	}
	q := Fold(lot, moves, all)

	var own []Reservation
	ownQty := decimal.Zero
	for _, r := range all {
		if r.Active() && r.CustomerID == req.CustomerID {
			own = append(own, r)
			ownQty = ownQty.Add(r.Quantity)
		}
	}
	if limit := q.Sellable.Add(ownQty); exceeds(req.Quantity, limit) {
		return nil, &InsufficientQuantityError{LotID: lot.ID, Available: limit, Requested: req.Quantity}
	}

	res := &SaleResult{}
	sort.SliceStable(own, func(i, j int) bool { return own[i].ReservedAt.Before(own[j].ReservedAt) })
	left := req.Quantity
	for _, r := range own {
		if !left.IsPositive() {
			break
		}
		r.FulfilledAt = &now
		if err := s.UpdateReservation(ctx, r); err != nil {
			return nil, err
		}
		res.Fulfilled = append(res.Fulfilled, r.ID)
		if r.Quantity.GreaterThan(left) {
			rest := Reservation{
				ID:          uuid.NewString(),
				LotID:       lot.ID,
				CustomerID:  r.CustomerID,
				Quantity:    r.Quantity.Sub(left),
				ReservedAt:  r.ReservedAt,
				PerformedBy: r.PerformedBy,
			}
			if err := s.CreateReservation(ctx, rest); err != nil {
				return nil, err
			}
		}
		left = left.Sub(r.Quantity)
	}

	sale := Sale{
		ID:          uuid.NewString(),
		LotID:       lot.ID,
		CustomerID:  req.CustomerID,
		Quantity:    req.Quantity,
		SoldAt:      now,
		PerformedBy: req.PerformedBy,
	}
	if err := s.CreateSale(ctx, sale); err != nil {
		return nil, err
	}
	if _, err := recordMovement(ctx, s, lot, movement{Type: MoveSale, Quantity: req.Quantity, From: lot.LocationID}, now, req.PerformedBy); err != nil {
		return nil, err
	}
	if isZero(q.Available.Sub(req.Quantity)) {
		lot, err = transition(ctx, s, lot, StateSold, "sale")
	} else {
		lot, err = saveLot(ctx, s, lot)
	}
	if err != nil {
		return nil, err
	}
	notes := "customer " + req.CustomerID + " " + req.Quantity.StringFixed(3) + " kg"
	if req.Notes != "" {
		notes += ": " + req.Notes
	}
	if err := s.AppendEvents(ctx, event(lot.ID, "sold", notes, req.PerformedBy, now)); err != nil {
		return nil, err
	}
	res.Sale = sale
	res.Lot = lot
	return res, nil
}
