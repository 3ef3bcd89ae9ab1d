/*
state.go - Lot state machine

PURPOSE:
  Governs which primary state changes are legal and which states may feed
  production, reservations and sales. "Reserved" is not a state; it is the
  derived Quantities.IsReserved flag layered over released (or earlier)
  lots.

TRANSITIONS:
  received -> aging        start aging (location + duration)
  aging    -> released     explicit release (ready_at reached or override)
  received|aging|released -> quarantined
  quarantined -> disposed  supervisor disposal with notes
  released -> sold         available reaches zero through sales
  received|aging|released -> consumed   available reaches zero through production

  There is no path out of quarantine other than disposal.

SEE ALSO:
  - aging.go, qa.go, production.go, sales.go: Callers of transition()
*/
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var transitions = map[LotState][]LotState{
	StateReceived:    {StateAging, StateQuarantined, StateConsumed},
	StateAging:       {StateReleased, StateQuarantined, StateConsumed},
	StateReleased:    {StateQuarantined, StateSold, StateConsumed},
	StateQuarantined: {StateDisposed},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to LotState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s LotState) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known state.
func (s LotState) Valid() bool {
	switch s {
	case StateReceived, StateAging, StateReleased, StateQuarantined, StateDisposed, StateSold, StateConsumed:
		return true
	}
	return false
}

// workable reports whether a lot in state s can feed production or
// reservations.
func workable(s LotState) bool {
	return s == StateReceived || s == StateAging || s == StateReleased
}

// requireWorkable fails with LotNotEligible for quarantined, disposed and
// otherwise terminal lots.
func requireWorkable(lot Lot, action string) error {
	if !workable(lot.State) {
		return notEligible(lot, action, "")
	}
	return nil
}

// requireSaleable requires a released lot whose ready_at has passed.
func requireSaleable(lot Lot, action string, now time.Time) error {
	if lot.State != StateReleased {
		return notEligible(lot, action, "lot is not released")
	}
	if !lot.Ready(now) {
		return notEligible(lot, action, fmt.Sprintf("lot not ready until %s", lot.ReadyAt.Format(time.RFC3339)))
	}
	return nil
}

// transition moves lot to state `to`, persists it with a version check and
// returns the updated lot.
func transition(ctx context.Context, s Store, lot Lot, to LotState, action string) (Lot, error) {
	if !CanTransition(lot.State, to) {
		return lot, notEligible(lot, action, fmt.Sprintf("cannot move from %s to %s", lot.State, to))
	}
	lot.State = to
	return saveLot(ctx, s, lot)
}

// saveLot bumps the version and writes the lot.
func saveLot(ctx context.Context, s Store, lot Lot) (Lot, error) {
	lot.Version++
	if err := s.UpdateLot(ctx, lot); err != nil {
		return lot, err
	}
	return lot, nil
}

// event builds an audit event for lotID.
func event(lotID, eventType, notes, by string, at time.Time) LotEvent {
	return LotEvent{
		ID:          uuid.NewString(),
		LotID:       lotID,
		EventType:   eventType,
		Notes:       notes,
		PerformedBy: by,
		PerformedAt: at,
	}
}
