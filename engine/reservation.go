package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReserveRequest soft-allocates lot quantity to a customer.
type ReserveRequest struct {
	LotID       string          `json:"lot_id" validate:"required"`
	CustomerID  string          `json:"customer_id" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
	PerformedBy string          `json:"performed_by" validate:"required"`
}

// CreateReservation reserves quantity on a lot. It fails with
// OverReservation when quantity exceeds available minus active
// reservations.
func (e *Engine) CreateReservation(ctx context.Context, req ReserveRequest) (Reservation, error) {
	if err := e.check(req); err != nil {
		return Reservation{}, err
	}
	if err := e.requireCustomer("customer_id", req.CustomerID); err != nil {
		return Reservation{}, err
	}
	var r Reservation
	err := e.mutate(ctx, "reserve", []string{req.LotID}, func(s Store) error {
		var err error
		r, err = e.reserveTx(ctx, s, req)
		return err
	})
	return r, err
}

func (e *Engine) reserveTx(ctx context.Context, s Store, req ReserveRequest) (Reservation, error) {
	lot, err := s.GetLot(ctx, req.LotID)
	if err != nil {
		return Reservation{}, err
	}
	if err := requireWorkable(lot, "reservation"); err != nil {
		return Reservation{}, err
	}
	q, err := quantitiesTx(ctx, s, lot)
	if err != nil {
		return Reservation{}, err
	}
	if exceeds(req.Quantity, q.Sellable) {
		return Reservation{}, &OverReservationError{LotID: lot.ID, Available: q.Available, Reserved: q.Reserved, Requested: req.Quantity}
	}
	now := e.now()
	r := Reservation{
		ID:          uuid.NewString(),
		LotID:       lot.ID,
		CustomerID:  req.CustomerID,
		Quantity:    req.Quantity,
		ReservedAt:  now,
		PerformedBy: req.PerformedBy,
	}
	if err := s.CreateReservation(ctx, r); err != nil {
		return Reservation{}, err
	}
	if _, err := saveLot(ctx, s, lot); err != nil {
		return Reservation{}, err
	}
	notes := "customer " + req.CustomerID + " " + req.Quantity.StringFixed(3) + " kg"
	if err := s.AppendEvents(ctx, event(lot.ID, "reserved", notes, req.PerformedBy, now)); err != nil {
		return Reservation{}, err
	}
	return r, nil
}

// CancelReservationRequest cancels an active reservation.
type CancelReservationRequest struct {
	ReservationID string `json:"reservation_id" validate:"required"`
	Notes         string `json:"notes" validate:"required"`
	PerformedBy   string `json:"performed_by" validate:"required"`
}

// CancelReservation sets cancelled_at and records why.
func (e *Engine) CancelReservation(ctx context.Context, req CancelReservationRequest) (Reservation, error) {
	if err := e.check(req); err != nil {
		return Reservation{}, err
	}
	if err := requireNotes("notes", req.Notes); err != nil {
		return Reservation{}, err
	}
	existing, err := e.reservation(ctx, req.ReservationID)
	if err != nil {
		return Reservation{}, err
	}
	var r Reservation
	err = e.mutate(ctx, "cancel_reservation", []string{existing.LotID}, func(s Store) error {
		var err error
		r, err = s.GetReservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		if !r.Active() {
			return invalid("reservation_id", "reservation %s is not active", r.ID)
		}
		now := e.now()
		r.CancelledAt = &now
		r.CancelNotes = req.Notes
		if err := s.UpdateReservation(ctx, r); err != nil {
			return err
		}
		return s.AppendEvents(ctx, event(r.LotID, "reservation_cancelled", req.Notes, req.PerformedBy, now))
	})
	return r, err
}

func (e *Engine) reservation(ctx context.Context, id string) (Reservation, error) {
	var r Reservation
	err := e.store.View(ctx, func(s Store) error {
		var err error
		r, err = s.GetReservation(ctx, id)
		return err
	})
	return r, err
}

// Reservations lists a lot's reservations, active and closed.
func (e *Engine) Reservations(ctx context.Context, lotID string) ([]Reservation, error) {
	var out []Reservation
	err := e.store.View(ctx, func(s Store) error {
		if _, err := s.GetLot(ctx, lotID); err != nil {
			return err
		}
		var err error
		out, err = s.ListReservations(ctx, []string{lotID})
		return err
	})
	return out, err
}

// trimReservations cancels the newest active reservations on lot until the
// remaining ones fit within available. Used when quarantine shrinks
// available below what is reserved.
func trimReservations(ctx context.Context, s Store, lot Lot, available decimal.Decimal, reason, by string, now time.Time) error {
	all, err := s.ListReservations(ctx, []string{lot.ID})
	if err != nil {
		return err
	}
	var active []Reservation
	reserved := decimal.Zero
	for _, r := range all {
		if r.Active() {
			active = append(active, r)
			reserved = reserved.Add(r.Quantity)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].ReservedAt.After(active[j].ReservedAt) })
	for _, r := range active {
		if !exceeds(reserved, available) {
			break
		}
		r.CancelledAt = &now
		r.CancelNotes = "auto-cancelled: " + reason
		if err := s.UpdateReservation(ctx, r); err != nil {
			return err
		}
		if err := s.AppendEvents(ctx, event(lot.ID, "reservation_cancelled", r.CancelNotes, by, now)); err != nil {
			return err
		}
		reserved = reserved.Sub(r.Quantity)
	}
	return nil
}
