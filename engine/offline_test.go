package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lotledger/engine"
)

func action(t *testing.T, txn string, typ engine.ActionType, payload any) engine.QueuedAction {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return engine.QueuedAction{ClientTxnID: txn, ActionType: typ, Payload: raw}
}

func saleAction(t *testing.T, txn, lotID, customer, qty string) engine.QueuedAction {
	return action(t, txn, engine.ActionSale, map[string]any{
		"lot_id": lotID, "customer_id": customer, "quantity_kg": qty,
	})
}

func (f *fixture) enqueue(t *testing.T, client string, actions ...engine.QueuedAction) []engine.OfflineQueueEntry {
	t.Helper()
	entries, err := f.eng.Enqueue(f.ctx, engine.EnqueueRequest{ClientID: client, PerformedBy: "tablet-user", Actions: actions})
	require.NoError(t, err)
	return entries
}

func (f *fixture) apply(t *testing.T, client string) *engine.ApplyResult {
	t.Helper()
	res, err := f.eng.ApplyQueue(f.ctx, client, 0)
	require.NoError(t, err)
	return res
}

// =============================================================================
// ENQUEUE
// =============================================================================

func TestEnqueue_IdempotentPerTxn(t *testing.T) {
	// GIVEN: A receiving action queued offline
	f := newFixture(t)
	recv := action(t, "t-1", engine.ActionReceiving, map[string]any{
		"item_id": "carcass", "supplier_id": "sup-1", "location_id": "dock", "quantity_kg": "80",
	})
	first := f.enqueue(t, "tablet-1", recv)
	require.Len(t, first, 1)
	assert.Equal(t, engine.QueuePending, first[0].Status)

	// WHEN: The same txn is submitted again, before and after applying
	again := f.enqueue(t, "tablet-1", recv)
	res := f.apply(t, "tablet-1")
	afterApply := f.enqueue(t, "tablet-1", recv)

	// THEN: One entry exists, applied once, producing one lot
	assert.Equal(t, first[0].ID, again[0].ID)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, first[0].ID, afterApply[0].ID)
	assert.Equal(t, engine.QueueApplied, afterApply[0].Status)

	second := f.apply(t, "tablet-1")
	assert.Zero(t, second.Applied)

	lots, err := f.eng.Lots(f.ctx, engine.LotFilter{ItemID: "carcass"})
	require.NoError(t, err)
	require.Len(t, lots, 1)
	moves, err := f.eng.Movements(f.ctx, lots[0].ID)
	require.NoError(t, err)
	assert.Len(t, moves, 1)
	assert.Equal(t, "tablet-user", moves[0].PerformedBy)
}

func TestEnqueue_RequiresActions(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Enqueue(f.ctx, engine.EnqueueRequest{ClientID: "tablet-1"})
	assert.ErrorIs(t, err, engine.ErrValidation)
}

// =============================================================================
// APPLY
// =============================================================================

func TestApplyQueue_GroupIsAtomic(t *testing.T) {
	// GIVEN: One txn selling 5 kg and then 100 kg of a 10 kg lot
	f := newFixture(t)
	lot := f.released(t, "striploin", "10")
	f.enqueue(t, "tablet-1",
		saleAction(t, "t-1", lot.ID, "cust-1", "5"),
		saleAction(t, "t-1", lot.ID, "cust-1", "100"),
	)

	// WHEN: The queue is applied
	res := f.apply(t, "tablet-1")

	// THEN: Both entries are in conflict and no sale was written
	assert.Equal(t, 2, res.Conflicts)
	for _, en := range res.Entries {
		assert.Equal(t, engine.QueueConflict, en.Status)
		assert.Equal(t, "InsufficientQuantity", en.ErrorKind)
		assert.NotEmpty(t, en.ConflictReason)
		assert.NotNil(t, en.ProcessedAt)
	}
	q := f.quantities(t, lot.ID)
	requireKg(t, "10", q.Available)
	requireKg(t, "0", q.Sold)
}

func TestApplyQueue_RejectsMalformedPayloads(t *testing.T) {
	f := newFixture(t)
	lot := f.released(t, "carcass", "100")

	f.enqueue(t, "tablet-1",
		action(t, "bad-field", engine.ActionSale, map[string]any{"lot_id": lot.ID, "customer_id": "cust-1", "quantity_kg": "1", "price": 4}),
		action(t, "bad-type", "teleport", map[string]any{"lot_id": lot.ID}),
		action(t, "unbalanced", engine.ActionBreakdown, map[string]any{
			"input_lot_id": lot.ID, "input_quantity_kg": "100",
			"outputs": []map[string]any{{"item_id": "trim", "quantity_kg": "50", "location_id": "cooler"}},
		}),
	)

	res := f.apply(t, "tablet-1")

	assert.Equal(t, 3, res.Rejected)
	kinds := map[string]string{}
	for _, en := range res.Entries {
		assert.Equal(t, engine.QueueRejected, en.Status)
		kinds[en.ClientTxnID] = en.ErrorKind
	}
	assert.Equal(t, "ValidationError", kinds["bad-field"])
	assert.Equal(t, "ValidationError", kinds["bad-type"])
	assert.Equal(t, "MassBalanceViolation", kinds["unbalanced"])
	requireKg(t, "100", f.quantities(t, lot.ID).Available)
}

func TestApplyQueue_ConflictDoesNotBlockLaterTxns(t *testing.T) {
	// GIVEN: A txn that cannot apply followed by one that can
	f := newFixture(t)
	lot := f.released(t, "striploin", "10")
	f.enqueue(t, "tablet-1",
		saleAction(t, "t-1", lot.ID, "cust-1", "50"),
		saleAction(t, "t-2", lot.ID, "cust-2", "4"),
	)

	res := f.apply(t, "tablet-1")

	assert.Equal(t, 1, res.Conflicts)
	assert.Equal(t, 1, res.Applied)
	requireKg(t, "6", f.quantities(t, lot.ID).Available)

	conflicts, err := f.eng.Conflicts(f.ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "t-1", conflicts[0].ClientTxnID)

	// Conflicts are not retried automatically.
	again := f.apply(t, "tablet-1")
	assert.Empty(t, again.Entries)
}

func TestApplyQueue_ProductionSequence(t *testing.T) {
	// GIVEN: A breakdown and a sale of its source lot queued in one txn
	f := newFixture(t)
	lot := f.released(t, "carcass", "100")
	f.enqueue(t, "scale-2",
		action(t, "t-1", engine.ActionBreakdown, map[string]any{
			"input_lot_id": lot.ID, "input_quantity_kg": "60",
			"outputs": []map[string]any{{"item_id": "trim", "quantity_kg": "55", "location_id": "cooler"}},
			"losses":  []map[string]any{{"loss_type": "bone", "quantity_kg": "5"}},
		}),
		saleAction(t, "t-1", lot.ID, "cust-1", "40"),
	)

	res := f.apply(t, "scale-2")

	require.Equal(t, 2, res.Applied)
	q := f.quantities(t, lot.ID)
	requireKg(t, "0", q.Available)
	assert.Equal(t, engine.StateSold, f.lot(t, lot.ID).State)
	lineage, err := f.eng.Genealogy(f.ctx, lot.ID)
	require.NoError(t, err)
	assert.Len(t, lineage.Children, 1)
	f.assertLedgerIdentity(t, lot.ID)
}

func TestApplyQueue_Limit(t *testing.T) {
	f := newFixture(t)
	lot := f.released(t, "striploin", "10")
	f.enqueue(t, "tablet-1",
		saleAction(t, "t-1", lot.ID, "cust-1", "1"),
		saleAction(t, "t-1", lot.ID, "cust-1", "1"),
		saleAction(t, "t-2", lot.ID, "cust-1", "1"),
	)

	// A group is never split, so limit 1 still applies both entries of t-1.
	res, err := f.eng.ApplyQueue(f.ctx, "tablet-1", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)

	pending, err := f.eng.PendingClients(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tablet-1"}, pending)
}

// =============================================================================
// REVIEW
// =============================================================================

func TestResolveConflict_RequeueAppliesAgainstCurrentState(t *testing.T) {
	// GIVEN: A sale that conflicted because cust-1 held the whole lot
	f := newFixture(t)
	lot := f.released(t, "striploin", "10")
	r, err := f.eng.CreateReservation(f.ctx, engine.ReserveRequest{LotID: lot.ID, CustomerID: "cust-1", Quantity: kg("10"), PerformedBy: "sales"})
	require.NoError(t, err)
	entries := f.enqueue(t, "tablet-1", saleAction(t, "t-1", lot.ID, "cust-2", "3"))
	require.Equal(t, 1, f.apply(t, "tablet-1").Conflicts)

	// WHEN: The reservation is released and the conflict requeued
	_, err = f.eng.CancelReservation(f.ctx, engine.CancelReservationRequest{ReservationID: r.ID, Notes: "order moved", PerformedBy: "sales"})
	require.NoError(t, err)
	resolved, err := f.eng.ResolveConflict(f.ctx, engine.ResolveConflictRequest{
		EntryID: entries[0].ID, Action: engine.ResolveRequeue, Notes: "stock freed", ResolvedBy: "supervisor",
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, engine.QueuePending, resolved[0].Status)
	assert.Equal(t, "supervisor", resolved[0].ResolvedBy)

	// THEN: The next apply succeeds
	res := f.apply(t, "tablet-1")
	assert.Equal(t, 1, res.Applied)
	requireKg(t, "7", f.quantities(t, lot.ID).Available)
}

func TestResolveConflict_Reject(t *testing.T) {
	f := newFixture(t)
	lot := f.released(t, "striploin", "10")
	entries := f.enqueue(t, "tablet-1", saleAction(t, "t-1", lot.ID, "cust-2", "30"))
	f.apply(t, "tablet-1")

	_, err := f.eng.ResolveConflict(f.ctx, engine.ResolveConflictRequest{EntryID: entries[0].ID, Action: "ignore", Notes: "x", ResolvedBy: "sup"})
	require.ErrorIs(t, err, engine.ErrValidation)

	resolved, err := f.eng.ResolveConflict(f.ctx, engine.ResolveConflictRequest{
		EntryID: entries[0].ID, Action: engine.ResolveReject, Notes: "customer cancelled", ResolvedBy: "sup",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.QueueRejected, resolved[0].Status)
	assert.Equal(t, engine.ResolveReject, resolved[0].Resolution)

	// A resolved txn cannot be resolved again.
	_, err = f.eng.ResolveConflict(f.ctx, engine.ResolveConflictRequest{
		EntryID: entries[0].ID, Action: engine.ResolveRequeue, Notes: "again", ResolvedBy: "sup",
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	conflicts, err := f.eng.Conflicts(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}
