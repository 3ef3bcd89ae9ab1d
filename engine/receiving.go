package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReceiveRequest creates a lot from incoming material.
type ReceiveRequest struct {
	ItemID      string          `json:"item_id" validate:"required"`
	SupplierID  string          `json:"supplier_id" validate:"required"`
	LocationID  string          `json:"location_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
	ReceivedAt  *time.Time      `json:"received_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	PerformedBy string          `json:"performed_by" validate:"required"`
}

// Receive creates a lot in state received with its receive movement.
func (e *Engine) Receive(ctx context.Context, req ReceiveRequest) (Lot, error) {
	if err := e.check(req); err != nil {
		return Lot{}, err
	}
	var lot Lot
	err := e.mutate(ctx, "receive", nil, func(s Store) error {
		var err error
		lot, err = e.receiveTx(ctx, s, req)
		return err
	})
	return lot, err
}

func (e *Engine) receiveTx(ctx context.Context, s Store, req ReceiveRequest) (Lot, error) {
	if err := e.requireItem("item_id", req.ItemID); err != nil {
		return Lot{}, err
	}
	if !e.ref.HasSupplier(req.SupplierID) {
		return Lot{}, invalid("supplier_id", "unknown supplier %q", req.SupplierID)
	}
	if err := e.requireLocation("location_id", req.LocationID); err != nil {
		return Lot{}, err
	}
	now := e.now()
	receivedAt := now
	if req.ReceivedAt != nil {
		receivedAt = req.ReceivedAt.UTC()
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(receivedAt) {
		return Lot{}, invalid("expires_at", "is before received_at")
	}

	code, err := lotCode(ctx, s, "REC", receivedAt)
	if err != nil {
		return Lot{}, err
	}
	lot := Lot{
		ID:          uuid.NewString(),
		Code:        code,
		ItemID:      req.ItemID,
		SupplierID:  req.SupplierID,
		LocationID:  req.LocationID,
		State:       StateReceived,
		ReceivedQty: req.Quantity,
		ReceivedAt:  receivedAt,
		ExpiresAt:   req.ExpiresAt,
		Version:     1,
	}
	if err := s.CreateLot(ctx, lot); err != nil {
		return Lot{}, err
	}
	if _, err := recordMovement(ctx, s, lot, movement{Type: MoveReceive, Quantity: req.Quantity, To: req.LocationID}, now, req.PerformedBy); err != nil {
		return Lot{}, err
	}
	if err := s.AppendEvents(ctx, event(lot.ID, "received", req.Notes, req.PerformedBy, now)); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// TransferRequest moves a lot to another location.
type TransferRequest struct {
	LotID       string `json:"lot_id" validate:"required"`
	LocationID  string `json:"location_id" validate:"required"`
	Notes       string `json:"notes,omitempty"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

// Transfer relocates a non-terminal lot. Quantities are unchanged.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (Lot, error) {
	if err := e.check(req); err != nil {
		return Lot{}, err
	}
	if err := e.requireLocation("location_id", req.LocationID); err != nil {
		return Lot{}, err
	}
	var lot Lot
	err := e.mutate(ctx, "transfer", []string{req.LotID}, func(s Store) error {
		var err error
		lot, err = s.GetLot(ctx, req.LotID)
		if err != nil {
			return err
		}
		if lot.State.Terminal() {
			return notEligible(lot, "transfer", "")
		}
		lot, err = moveLot(ctx, s, lot, req.LocationID, e.now(), req.PerformedBy)
		if err != nil {
			return err
		}
		return s.AppendEvents(ctx, event(lot.ID, "transferred", req.Notes, req.PerformedBy, e.now()))
	})
	return lot, err
}

// moveLot writes a transfer movement and the new location. A move to the
// current location is a no-op.
func moveLot(ctx context.Context, s Store, lot Lot, to string, at time.Time, by string) (Lot, error) {
	if to == "" || to == lot.LocationID {
		return lot, nil
	}
	q, err := quantitiesTx(ctx, s, lot)
	if err != nil {
		return lot, err
	}
	if _, err := recordMovement(ctx, s, lot, movement{Type: MoveTransfer, Quantity: q.Available, From: lot.LocationID, To: to}, at, by); err != nil {
		return lot, err
	}
	lot.LocationID = to
	return saveLot(ctx, s, lot)
}
