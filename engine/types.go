/*
types.go - Core domain types for the lot ledger engine

PURPOSE:
  Defines the records the engine reads and appends: lots, ledger movements,
  audit events, production orders with their genealogy edges and losses,
  reservations, QA checks, sales, and offline queue entries.

QUANTITIES:
  All masses are kilograms held as decimal.Decimal. Comparisons go through
  the helpers in ledger.go, which apply the 0.001 kg tolerance.

APPEND-ONLY RECORDS:
  Movement, LotEvent, ProductionOrder, GenealogyEdge, LossRecord, QACheck
  and Sale are written once and never edited. Lot carries mutable state and
  location only; its ReceivedQty is fixed at creation.

SEE ALSO:
  - ledger.go: Quantity fold over movements
  - state.go: Lot state transitions
  - store.go: Persistence contract
*/
package engine

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// LOT
// =============================================================================

// LotState is the primary lifecycle state of a lot.
type LotState string

const (
	StateReceived    LotState = "received"
	StateAging       LotState = "aging"
	StateReleased    LotState = "released"
	StateQuarantined LotState = "quarantined"
	StateDisposed    LotState = "disposed"
	StateSold        LotState = "sold"
	StateConsumed    LotState = "consumed"
)

// Lot is one identified batch of physical material.
type Lot struct {
	ID             string          `json:"id"`
	Code           string          `json:"code"`
	ItemID         string          `json:"item_id"`
	SupplierID     string          `json:"supplier_id,omitempty"`
	LocationID     string          `json:"location_id"`
	State          LotState        `json:"state"`
	ReceivedQty    decimal.Decimal `json:"received_qty"`
	ReceivedAt     time.Time       `json:"received_at"`
	AgingStartedAt *time.Time      `json:"aging_started_at,omitempty"`
	ReadyAt        *time.Time      `json:"ready_at,omitempty"`
	ReleasedAt     *time.Time      `json:"released_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	// Version is bumped on every write and checked on update.
	Version int64 `json:"version"`
}

// Ready reports whether the lot's ready_at has been reached at now.
// A lot without ready_at is ready.
func (l Lot) Ready(now time.Time) bool {
	return l.ReadyAt == nil || !now.Before(*l.ReadyAt)
}

// LotFilter narrows ListLots.
type LotFilter struct {
	State  LotState
	ItemID string
	Limit  int
}

// =============================================================================
// LEDGER
// =============================================================================

// MoveType classifies a ledger movement.
type MoveType string

const (
	MoveReceive    MoveType = "receive"
	MoveProduce    MoveType = "produce"
	MoveConsume    MoveType = "consume"
	MoveLoss       MoveType = "loss"
	MoveQuarantine MoveType = "quarantine"
	MoveDispose    MoveType = "dispose"
	MoveSale       MoveType = "sale"
	MoveTransfer   MoveType = "transfer"
)

// Movement is one append-only ledger entry against a lot.
// Quarantine movements are negative when a disposal draws the
// quarantined portion down.
type Movement struct {
	ID           string          `json:"id"`
	LotID        string          `json:"lot_id"`
	Type         MoveType        `json:"move_type"`
	Quantity     decimal.Decimal `json:"quantity_kg"`
	FromLocation string          `json:"from_location,omitempty"`
	ToLocation   string          `json:"to_location,omitempty"`
	OrderID      string          `json:"production_order_id,omitempty"`
	MovedAt      time.Time       `json:"moved_at"`
	PerformedBy  string          `json:"performed_by"`
}

// LotEvent is an append-only audit entry.
type LotEvent struct {
	ID          string    `json:"id"`
	LotID       string    `json:"lot_id"`
	EventType   string    `json:"event_type"`
	Notes       string    `json:"notes,omitempty"`
	PerformedBy string    `json:"performed_by"`
	PerformedAt time.Time `json:"performed_at"`
}

// =============================================================================
// PRODUCTION & GENEALOGY
// =============================================================================

// ProcessType names the kind of production event.
type ProcessType string

const (
	ProcessBreakdown ProcessType = "breakdown"
	ProcessRework    ProcessType = "rework"
	ProcessMixing    ProcessType = "mixing"
)

// EdgeRole is the side of a production order a lot sits on.
type EdgeRole string

const (
	RoleInput  EdgeRole = "input"
	RoleOutput EdgeRole = "output"
)

// GenealogyEdge links a lot to a production order.
type GenealogyEdge struct {
	OrderID  string          `json:"production_order_id"`
	LotID    string          `json:"lot_id"`
	Role     EdgeRole        `json:"role"`
	Quantity decimal.Decimal `json:"quantity_kg"`
}

// LossRecord is mass lost during a production event.
type LossRecord struct {
	ID       string          `json:"id"`
	OrderID  string          `json:"production_order_id"`
	LossType string          `json:"loss_type"`
	Quantity decimal.Decimal `json:"quantity_kg"`
	Notes    string          `json:"notes,omitempty"`
}

// ProductionOrder is one breakdown, rework or mixing event together with
// the edges and losses it owns.
type ProductionOrder struct {
	ID          string          `json:"id"`
	ProcessType ProcessType     `json:"process_type"`
	IsRework    bool            `json:"is_rework"`
	ProfileID   string          `json:"profile_id,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	Notes       string          `json:"notes,omitempty"`
	PerformedBy string          `json:"performed_by"`
	Edges       []GenealogyEdge `json:"edges"`
	Losses      []LossRecord    `json:"losses"`
}

// Inputs returns the order's input edges.
func (o ProductionOrder) Inputs() []GenealogyEdge { return o.edges(RoleInput) }

// Outputs returns the order's output edges.
func (o ProductionOrder) Outputs() []GenealogyEdge { return o.edges(RoleOutput) }

func (o ProductionOrder) edges(role EdgeRole) []GenealogyEdge {
	var out []GenealogyEdge
	for _, e := range o.Edges {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// RESERVATIONS, QA, SALES
// =============================================================================

// Reservation soft-allocates lot quantity to a customer.
type Reservation struct {
	ID          string          `json:"id"`
	LotID       string          `json:"lot_id"`
	CustomerID  string          `json:"customer_id"`
	Quantity    decimal.Decimal `json:"quantity_kg"`
	ReservedAt  time.Time       `json:"reserved_at"`
	PerformedBy string          `json:"performed_by"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty"`
	CancelNotes string          `json:"cancel_notes,omitempty"`
	// FulfilledAt is set when a sale to the same customer draws the
	// reservation down.
	FulfilledAt *time.Time `json:"fulfilled_at,omitempty"`
}

// Active reports whether the reservation still holds quantity.
func (r Reservation) Active() bool {
	return r.CancelledAt == nil && r.FulfilledAt == nil
}

// QAMode selects whole-lot or split QA results.
type QAMode string

const (
	QAModeFull    QAMode = "full"
	QAModePartial QAMode = "partial"
)

// QACheck records one quality check.
type QACheck struct {
	ID          string           `json:"id"`
	LotID       string           `json:"lot_id"`
	CheckType   string           `json:"check_type"`
	Mode        QAMode           `json:"mode"`
	Passed      *bool            `json:"passed,omitempty"`
	PassQty     *decimal.Decimal `json:"pass_qty,omitempty"`
	FailQty     *decimal.Decimal `json:"fail_qty,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	PerformedBy string           `json:"performed_by"`
	PerformedAt time.Time        `json:"performed_at"`
}

// Sale records quantity shipped to a customer from a lot.
type Sale struct {
	ID          string          `json:"id"`
	LotID       string          `json:"lot_id"`
	CustomerID  string          `json:"customer_id"`
	Quantity    decimal.Decimal `json:"quantity_kg"`
	SoldAt      time.Time       `json:"sold_at"`
	PerformedBy string          `json:"performed_by"`
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

// QueueStatus is the outcome of an offline queue entry.
type QueueStatus string

const (
	QueuePending  QueueStatus = "pending"
	QueueApplied  QueueStatus = "applied"
	QueueConflict QueueStatus = "conflict"
	QueueRejected QueueStatus = "rejected"
)

// ActionType tags the payload of an offline queue entry.
type ActionType string

const (
	ActionReceiving   ActionType = "receiving"
	ActionBreakdown   ActionType = "breakdown"
	ActionRework      ActionType = "rework"
	ActionMixing      ActionType = "mixing"
	ActionSale        ActionType = "sale"
	ActionReservation ActionType = "reservation"
	ActionQACheck     ActionType = "qa_check"
)

// OfflineQueueEntry is one client-originated action. Entries sharing a
// ClientTxnID form one atomic group ordered by Seq.
type OfflineQueueEntry struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	ClientTxnID    string          `json:"client_txn_id"`
	Seq            int             `json:"seq"`
	ActionType     ActionType      `json:"action_type"`
	Payload        json.RawMessage `json:"payload"`
	PerformedBy    string          `json:"performed_by,omitempty"`
	Status         QueueStatus     `json:"status"`
	ConflictReason string          `json:"conflict_reason,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	Resolution     string          `json:"resolution,omitempty"`
	ResolutionNote string          `json:"resolution_notes,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}
