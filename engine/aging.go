package engine

import (
	"context"
	"time"
)

// StartAgingRequest moves a received lot into aging.
type StartAgingRequest struct {
	LotID      string `json:"lot_id" validate:"required"`
	LocationID string `json:"location_id" validate:"required"`
	// Days overrides the item profile's default aging duration.
	Days        *int   `json:"days,omitempty" validate:"omitempty,gte=0"`
	Notes       string `json:"notes,omitempty"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

// StartAging sets aging_started_at, computes ready_at and moves the lot to
// the aging location.
func (e *Engine) StartAging(ctx context.Context, req StartAgingRequest) (Lot, error) {
	if err := e.check(req); err != nil {
		return Lot{}, err
	}
	if err := e.requireLocation("location_id", req.LocationID); err != nil {
		return Lot{}, err
	}
	var lot Lot
	err := e.mutate(ctx, "start_aging", []string{req.LotID}, func(s Store) error {
		var err error
		lot, err = s.GetLot(ctx, req.LotID)
		if err != nil {
			return err
		}
		if lot.State != StateReceived {
			return notEligible(lot, "start aging", "only received lots can start aging")
		}
		days, err := e.agingDays(lot, req.Days)
		if err != nil {
			return err
		}
		now := e.now()
		ready := now.Add(time.Duration(days) * 24 * time.Hour)

		lot, err = moveLot(ctx, s, lot, req.LocationID, now, req.PerformedBy)
		if err != nil {
			return err
		}
		lot.AgingStartedAt = &now
		lot.ReadyAt = &ready
		if lot, err = transition(ctx, s, lot, StateAging, "start aging"); err != nil {
			return err
		}
		return s.AppendEvents(ctx, event(lot.ID, "aging_started", req.Notes, req.PerformedBy, now))
	})
	return lot, err
}

func (e *Engine) agingDays(lot Lot, override *int) (int, error) {
	if override != nil {
		return *override, nil
	}
	p, ok := itemProfile(e.ref, lot.ItemID)
	if !ok {
		return 0, invalid("days", "is required: item %s has no process profile", lot.ItemID)
	}
	return p.DefaultAgingDays, nil
}

// ReleaseRequest releases an aging lot for sale.
type ReleaseRequest struct {
	LotID string `json:"lot_id" validate:"required"`
	// Override releases before ready_at; Notes are then required.
	Override    bool   `json:"override"`
	Notes       string `json:"notes,omitempty"`
	PerformedBy string `json:"performed_by" validate:"required"`
}

// Release moves an aging lot to released. There is no automatic release.
func (e *Engine) Release(ctx context.Context, req ReleaseRequest) (Lot, error) {
	if err := e.check(req); err != nil {
		return Lot{}, err
	}
	if req.Override {
		if err := requireNotes("notes", req.Notes); err != nil {
			return Lot{}, err
		}
	}
	var lot Lot
	err := e.mutate(ctx, "release", []string{req.LotID}, func(s Store) error {
		var err error
		lot, err = s.GetLot(ctx, req.LotID)
		if err != nil {
			return err
		}
		now := e.now()
		if lot.State == StateAging && !req.Override && !lot.Ready(now) {
			return notEligible(lot, "release", "ready_at not reached")
		}
		eventType := "released"
		if req.Override && !lot.Ready(now) {
			eventType = "released_override"
			lot.ReadyAt = &now
		}
		lot.ReleasedAt = &now
		if lot, err = transition(ctx, s, lot, StateReleased, "release"); err != nil {
			return err
		}
		return s.AppendEvents(ctx, event(lot.ID, eventType, req.Notes, req.PerformedBy, now))
	})
	return lot, err
}
