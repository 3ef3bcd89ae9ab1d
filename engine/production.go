/*
production.go - Production event processor: breakdown, rework, mixing

PURPOSE:
  Applies the three production events. Each one is validated and written
  inside a single transaction: input consume movements, new output lots
  with produce movements, loss movements, the production order with its
  genealogy edges, lot state changes, and one audit event per lot.

BREAKDOWN:
  One input, input_qty <= sellable. N outputs + M losses must balance
  input_qty. The input becomes consumed once nothing is left available.

REWORK:
  One input with no active reservations. The whole available quantity is
  consumed: rework_qty becomes the reworked output (minus losses) and any
  untouched remainder is re-identified as a second output lot of the same
  order. The input is always consumed.

MIXING:
  Two or more distinct released and ready inputs, allowed by the process
  profile, into exactly one released output lot.

OUTPUT LOTS:
  Breakdown and rework outputs inherit the input's supplier, state and
  ready/released/expiry timestamps. The mix output is released now, has no
  single supplier and expires with its earliest-expiring input.

SEE ALSO:
  - genealogy.go: recordProduction, mass balance
  - ledger.go: recordMovement
*/
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// OutputLine is one output lot of a breakdown.
type OutputLine struct {
	ItemID     string          `json:"item_id" validate:"required"`
	Quantity   decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
	LocationID string          `json:"location_id" validate:"required"`
}

// LossLine is one loss entry of a production event.
type LossLine struct {
	LossType string          `json:"loss_type" validate:"required"`
	Quantity decimal.Decimal `json:"quantity_kg" validate:"gte=0"`
	Notes    string          `json:"notes,omitempty"`
}

// BreakdownRequest splits one input lot into several output lots.
type BreakdownRequest struct {
	InputLotID    string          `json:"input_lot_id" validate:"required"`
	InputQuantity decimal.Decimal `json:"input_quantity_kg" validate:"gt=0"`
	Outputs       []OutputLine    `json:"outputs" validate:"required,min=1,dive"`
	Losses        []LossLine      `json:"losses,omitempty" validate:"dive"`
	ProfileID     string          `json:"profile_id,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	PerformedBy   string          `json:"performed_by" validate:"required"`
}

// ReworkRequest reprocesses part of a lot into a new item.
type ReworkRequest struct {
	InputLotID   string          `json:"input_lot_id" validate:"required"`
	Quantity     decimal.Decimal `json:"rework_quantity_kg" validate:"gt=0"`
	OutputItemID string          `json:"output_item_id" validate:"required"`
	LocationID   string          `json:"location_id" validate:"required"`
	Losses       []LossLine      `json:"losses,omitempty" validate:"dive"`
	ProfileID    string          `json:"profile_id,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	PerformedBy  string          `json:"performed_by" validate:"required"`
}

// MixInput is one input lot of a mix.
type MixInput struct {
	LotID    string          `json:"lot_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity_kg" validate:"gt=0"`
}

// MixRequest combines several lots into one.
type MixRequest struct {
	ProfileID    string     `json:"profile_id" validate:"required"`
	Inputs       []MixInput `json:"inputs" validate:"required,min=2,dive"`
	OutputItemID string     `json:"output_item_id" validate:"required"`
	LocationID   string     `json:"location_id" validate:"required"`
	Notes        string     `json:"notes,omitempty"`
	PerformedBy  string     `json:"performed_by" validate:"required"`
}

// ProductionResult is the committed order with the lots it touched.
type ProductionResult struct {
	Order   ProductionOrder `json:"order"`
	Inputs  []Lot           `json:"inputs"`
	Outputs []Lot           `json:"outputs"`
}

// =============================================================================
// BREAKDOWN
// =============================================================================

// Breakdown applies a breakdown event.
func (e *Engine) Breakdown(ctx context.Context, req BreakdownRequest) (*ProductionResult, error) {
	if err := e.validateBreakdown(req); err != nil {
		return nil, err
	}
	var res *ProductionResult
	err := e.mutate(ctx, "breakdown", []string{req.InputLotID}, func(s Store) error {
		var err error
		res, err = e.breakdownTx(ctx, s, req)
		return err
	})
	return res, err
}

func (e *Engine) validateBreakdown(req BreakdownRequest) error {
	if err := e.check(req); err != nil {
		return err
	}
	outs := make([]decimal.Decimal, len(req.Outputs))
	for i, o := range req.Outputs {
		if err := e.requireItem("outputs.item_id", o.ItemID); err != nil {
			return err
		}
		if err := e.requireLocation("outputs.location_id", o.LocationID); err != nil {
			return err
		}
		outs[i] = o.Quantity
	}
	if err := e.requireLossTypes(req.Losses); err != nil {
		return err
	}
	return balance(req.InputQuantity, sum(outs...), lossTotal(req.Losses))
}

func (e *Engine) breakdownTx(ctx context.Context, s Store, req BreakdownRequest) (*ProductionResult, error) {
	input, err := s.GetLot(ctx, req.InputLotID)
	if err != nil {
		return nil, err
	}
	if err := requireWorkable(input, "breakdown"); err != nil {
		return nil, err
	}
	q, err := quantitiesTx(ctx, s, input)
	if err != nil {
		return nil, err
	}
	if err := requireSellable(input, q, req.InputQuantity); err != nil {
		return nil, err
	}

	now := e.now()
	order := ProductionOrder{
		ID:          uuid.NewString(),
		ProcessType: ProcessBreakdown,
		ProfileID:   req.ProfileID,
		StartedAt:   now,
		Notes:       req.Notes,
		PerformedBy: req.PerformedBy,
		Edges:       []GenealogyEdge{{LotID: input.ID, Role: RoleInput, Quantity: req.InputQuantity}},
	}
	res := &ProductionResult{}
	for _, line := range req.Outputs {
		out, err := e.newOutputLot(ctx, s, "BD", derive(input, line.ItemID, line.LocationID, line.Quantity, now))
		if err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, out)
		order.Edges = append(order.Edges, GenealogyEdge{LotID: out.ID, Role: RoleOutput, Quantity: line.Quantity})
	}
	order.Losses = lossRecords(req.Losses)
	if err := e.commitOrder(ctx, s, &order, res.Outputs, now); err != nil {
		return nil, err
	}

	if err := consumeInput(ctx, s, input, req.InputQuantity, order, req.Losses, now); err != nil {
		return nil, err
	}
	input, err = settleInput(ctx, s, input, q.Available.Sub(req.InputQuantity), "breakdown")
	if err != nil {
		return nil, err
	}
	if err := s.AppendEvents(ctx, event(input.ID, "breakdown_input", req.Notes, req.PerformedBy, now)); err != nil {
		return nil, err
	}
	res.Order = order
	res.Inputs = []Lot{input}
	return res, nil
}

// =============================================================================
// REWORK
// =============================================================================

// Rework applies a rework event.
func (e *Engine) Rework(ctx context.Context, req ReworkRequest) (*ProductionResult, error) {
	if err := e.validateRework(req); err != nil {
		return nil, err
	}
	var res *ProductionResult
	err := e.mutate(ctx, "rework", []string{req.InputLotID}, func(s Store) error {
		var err error
		res, err = e.reworkTx(ctx, s, req)
		return err
	})
	return res, err
}

func (e *Engine) validateRework(req ReworkRequest) error {
	if err := e.check(req); err != nil {
		return err
	}
	if err := e.requireItem("output_item_id", req.OutputItemID); err != nil {
		return err
	}
	if err := e.requireLocation("location_id", req.LocationID); err != nil {
		return err
	}
	if err := e.requireLossTypes(req.Losses); err != nil {
		return err
	}
	losses := lossTotal(req.Losses)
	if !exceeds(req.Quantity, losses) {
		return &MassBalanceError{Inputs: req.Quantity, Outputs: decimal.Zero, Losses: losses}
	}
	return nil
}

func (e *Engine) reworkTx(ctx context.Context, s Store, req ReworkRequest) (*ProductionResult, error) {
	input, err := s.GetLot(ctx, req.InputLotID)
	if err != nil {
		return nil, err
	}
	if err := requireWorkable(input, "rework"); err != nil {
		return nil, err
	}
	q, err := quantitiesTx(ctx, s, input)
	if err != nil {
		return nil, err
	}
	if q.IsReserved {
		return nil, notEligible(input, "rework", "lot has active reservations")
	}
	if exceeds(req.Quantity, q.Available) {
		return nil, &InsufficientQuantityError{LotID: input.ID, Available: q.Available, Requested: req.Quantity}
	}

	now := e.now()
	reworked := req.Quantity.Sub(lossTotal(req.Losses))
	remainder := q.Available.Sub(req.Quantity)
	order := ProductionOrder{
		ID:          uuid.NewString(),
		ProcessType: ProcessRework,
		IsRework:    true,
		ProfileID:   req.ProfileID,
		StartedAt:   now,
		Notes:       req.Notes,
		PerformedBy: req.PerformedBy,
		Edges:       []GenealogyEdge{{LotID: input.ID, Role: RoleInput, Quantity: q.Available}},
		Losses:      lossRecords(req.Losses),
	}
	res := &ProductionResult{}
	out, err := e.newOutputLot(ctx, s, "RW", derive(input, req.OutputItemID, req.LocationID, reworked, now))
	if err != nil {
		return nil, err
	}
	res.Outputs = append(res.Outputs, out)
	order.Edges = append(order.Edges, GenealogyEdge{LotID: out.ID, Role: RoleOutput, Quantity: reworked})

	if !isZero(remainder) {
		rest, err := e.newOutputLot(ctx, s, "RM", derive(input, input.ItemID, input.LocationID, remainder, now))
		if err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, rest)
		order.Edges = append(order.Edges, GenealogyEdge{LotID: rest.ID, Role: RoleOutput, Quantity: remainder})
	} else {
		// Sub-tolerance remainder is absorbed into the input edge.
		order.Edges[0].Quantity = req.Quantity
	}
	if err := e.commitOrder(ctx, s, &order, res.Outputs, now); err != nil {
		return nil, err
	}

	if err := consumeInput(ctx, s, input, order.Edges[0].Quantity, order, req.Losses, now); err != nil {
		return nil, err
	}
	input, err = settleInput(ctx, s, input, decimal.Zero, "rework")
	if err != nil {
		return nil, err
	}
	if err := s.AppendEvents(ctx, event(input.ID, "rework_input", req.Notes, req.PerformedBy, now)); err != nil {
		return nil, err
	}
	res.Order = order
	res.Inputs = []Lot{input}
	return res, nil
}

// =============================================================================
// MIXING
// =============================================================================

// Mix applies a mixing event.
func (e *Engine) Mix(ctx context.Context, req MixRequest) (*ProductionResult, error) {
	if err := e.validateMix(req); err != nil {
		return nil, err
	}
	ids := make([]string, len(req.Inputs))
	for i, in := range req.Inputs {
		ids[i] = in.LotID
	}
	var res *ProductionResult
	err := e.mutate(ctx, "mix", ids, func(s Store) error {
		var err error
		res, err = e.mixTx(ctx, s, req)
		return err
	})
	return res, err
}

func (e *Engine) validateMix(req MixRequest) error {
	if err := e.check(req); err != nil {
		return err
	}
	p, ok := e.ref.Profile(req.ProfileID)
	if !ok {
		return invalid("profile_id", "unknown process profile %q", req.ProfileID)
	}
	if !p.AllowsMixing {
		return invalid("profile_id", "process profile %q does not allow lot mixing", req.ProfileID)
	}
	seen := make(map[string]bool, len(req.Inputs))
	for _, in := range req.Inputs {
		if seen[in.LotID] {
			return invalid("inputs", "duplicate input lot %s", in.LotID)
		}
		seen[in.LotID] = true
	}
	if err := e.requireItem("output_item_id", req.OutputItemID); err != nil {
		return err
	}
	return e.requireLocation("location_id", req.LocationID)
}

func (e *Engine) mixTx(ctx context.Context, s Store, req MixRequest) (*ProductionResult, error) {
	now := e.now()
	type checked struct {
		lot       Lot
		available decimal.Decimal
		qty       decimal.Decimal
	}
	inputs := make([]checked, 0, len(req.Inputs))
	total := decimal.Zero
	var expires *time.Time
	for _, in := range req.Inputs {
		lot, err := s.GetLot(ctx, in.LotID)
		if err != nil {
			return nil, err
		}
		if err := requireSaleable(lot, "mixing", now); err != nil {
			return nil, err
		}
		q, err := quantitiesTx(ctx, s, lot)
		if err != nil {
			return nil, err
		}
		if err := requireSellable(lot, q, in.Quantity); err != nil {
			return nil, err
		}
		inputs = append(inputs, checked{lot: lot, available: q.Available, qty: in.Quantity})
		total = total.Add(in.Quantity)
		if lot.ExpiresAt != nil && (expires == nil || lot.ExpiresAt.Before(*expires)) {
			expires = lot.ExpiresAt
		}
	}

	order := ProductionOrder{
		ID:          uuid.NewString(),
		ProcessType: ProcessMixing,
		ProfileID:   req.ProfileID,
		StartedAt:   now,
		Notes:       req.Notes,
		PerformedBy: req.PerformedBy,
	}
	for _, in := range inputs {
		order.Edges = append(order.Edges, GenealogyEdge{LotID: in.lot.ID, Role: RoleInput, Quantity: in.qty})
	}
	out, err := e.newOutputLot(ctx, s, "MIX", Lot{
		ItemID:      req.OutputItemID,
		LocationID:  req.LocationID,
		State:       StateReleased,
		ReceivedQty: total,
		ReceivedAt:  now,
		ReadyAt:     &now,
		ReleasedAt:  &now,
		ExpiresAt:   expires,
	})
	if err != nil {
		return nil, err
	}
	order.Edges = append(order.Edges, GenealogyEdge{LotID: out.ID, Role: RoleOutput, Quantity: total})
	if err := e.commitOrder(ctx, s, &order, []Lot{out}, now); err != nil {
		return nil, err
	}

	res := &ProductionResult{Outputs: []Lot{out}}
	for _, in := range inputs {
		if err := consumeInput(ctx, s, in.lot, in.qty, order, nil, now); err != nil {
			return nil, err
		}
		lot, err := settleInput(ctx, s, in.lot, in.available.Sub(in.qty), "mixing")
		if err != nil {
			return nil, err
		}
		if err := s.AppendEvents(ctx, event(lot.ID, "mixing_input", req.Notes, req.PerformedBy, now)); err != nil {
			return nil, err
		}
		res.Inputs = append(res.Inputs, lot)
	}
	res.Order = order
	return res, nil
}

// =============================================================================
// SHARED STEPS
// =============================================================================

// balance checks in = out + losses within tolerance.
func balance(in, out, losses decimal.Decimal) error {
	if !approxEqual(in, out.Add(losses)) {
		return &MassBalanceError{Inputs: in, Outputs: out, Losses: losses}
	}
	return nil
}

func lossTotal(lines []LossLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Quantity)
	}
	return total
}

func lossRecords(lines []LossLine) []LossRecord {
	out := make([]LossRecord, 0, len(lines))
	for _, l := range lines {
		out = append(out, LossRecord{ID: uuid.NewString(), LossType: l.LossType, Quantity: l.Quantity, Notes: l.Notes})
	}
	return out
}

// requireSellable checks qty against available minus active reservations.
func requireSellable(lot Lot, q Quantities, qty decimal.Decimal) error {
	if exceeds(qty, q.Sellable) {
		return &InsufficientQuantityError{LotID: lot.ID, Available: q.Sellable, Requested: qty}
	}
	return nil
}

// derive builds an output lot that inherits traceability fields from parent.
func derive(parent Lot, itemID, locationID string, qty decimal.Decimal, now time.Time) Lot {
	return Lot{
		ItemID:         itemID,
		SupplierID:     parent.SupplierID,
		LocationID:     locationID,
		State:          parent.State,
		ReceivedQty:    qty,
		ReceivedAt:     now,
		AgingStartedAt: parent.AgingStartedAt,
		ReadyAt:        parent.ReadyAt,
		ReleasedAt:     parent.ReleasedAt,
		ExpiresAt:      parent.ExpiresAt,
	}
}

// newOutputLot assigns identity and a code to lot and creates it.
func (e *Engine) newOutputLot(ctx context.Context, s Store, prefix string, lot Lot) (Lot, error) {
	code, err := lotCode(ctx, s, prefix, lot.ReceivedAt)
	if err != nil {
		return Lot{}, err
	}
	lot.ID = uuid.NewString()
	lot.Code = code
	lot.Version = 1
	if err := s.CreateLot(ctx, lot); err != nil {
		return Lot{}, err
	}
	return lot, nil
}

// commitOrder persists the order and, for each output, its produce
// movement and creation event.
func (e *Engine) commitOrder(ctx context.Context, s Store, order *ProductionOrder, outputs []Lot, now time.Time) error {
	for i := range order.Edges {
		order.Edges[i].OrderID = order.ID
	}
	for i := range order.Losses {
		order.Losses[i].OrderID = order.ID
	}
	if err := recordProduction(ctx, s, *order); err != nil {
		return err
	}
	for _, out := range outputs {
		mv := movement{Type: MoveProduce, Quantity: out.ReceivedQty, To: out.LocationID, OrderID: order.ID}
		if _, err := recordMovement(ctx, s, out, mv, now, order.PerformedBy); err != nil {
			return err
		}
		note := string(order.ProcessType) + " " + order.ID
		if err := s.AppendEvents(ctx, event(out.ID, "created_by_"+string(order.ProcessType), note, order.PerformedBy, now)); err != nil {
			return err
		}
	}
	return nil
}

// consumeInput writes the consume movement for qty and one loss movement
// per loss line against the input lot.
func consumeInput(ctx context.Context, s Store, lot Lot, qty decimal.Decimal, order ProductionOrder, losses []LossLine, now time.Time) error {
	mv := movement{Type: MoveConsume, Quantity: qty, From: lot.LocationID, OrderID: order.ID}
	if _, err := recordMovement(ctx, s, lot, mv, now, order.PerformedBy); err != nil {
		return err
	}
	for _, l := range losses {
		mv := movement{Type: MoveLoss, Quantity: l.Quantity, From: lot.LocationID, OrderID: order.ID}
		if _, err := recordMovement(ctx, s, lot, mv, now, order.PerformedBy); err != nil {
			return err
		}
	}
	return nil
}

// settleInput marks the input consumed when nothing remains, otherwise
// bumps its version so concurrent writers see the change.
func settleInput(ctx context.Context, s Store, lot Lot, remaining decimal.Decimal, action string) (Lot, error) {
	if isZero(remaining) {
		return transition(ctx, s, lot, StateConsumed, action)
	}
	return saveLot(ctx, s, lot)
}
