// Package storetest holds the behaviour every engine.TxStore must share.
// Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lotledger/engine"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) engine.TxStore

// Run executes the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, engine.TxStore)
	}{
		{"LotRoundTrip", testLotRoundTrip},
		{"LotVersionCheck", testLotVersionCheck},
		{"LotCodeUnique", testLotCodeUnique},
		{"LotSequences", testLotSequences},
		{"RollbackOnError", testRollback},
		{"LedgerOrdering", testLedgerOrdering},
		{"GenealogyEdges", testGenealogyEdges},
		{"Reservations", testReservations},
		{"QueueIdempotency", testQueueIdempotency},
		{"QueueListing", testQueueListing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)

func lot(code string) engine.Lot {
	exp := base.Add(10 * 24 * time.Hour)
	return engine.Lot{
		ID:          uuid.NewString(),
		Code:        code,
		ItemID:      "carcass",
		SupplierID:  "sup-1",
		LocationID:  "dock",
		State:       engine.StateReceived,
		ReceivedQty: decimal.RequireFromString("100.250"),
		ReceivedAt:  base,
		ExpiresAt:   &exp,
		Version:     1,
	}
}

func write(t *testing.T, s engine.TxStore, fn func(engine.Store) error) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), fn))
}

func testLotRoundTrip(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	l := lot("REC-20250303-0001")
	write(t, s, func(st engine.Store) error { return st.CreateLot(ctx, l) })

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		got, err := st.GetLot(ctx, l.ID)
		require.NoError(t, err)
		assert.Equal(t, l.Code, got.Code)
		assert.True(t, l.ReceivedQty.Equal(got.ReceivedQty))
		assert.WithinDuration(t, base, got.ReceivedAt, 0)
		require.NotNil(t, got.ExpiresAt)
		assert.WithinDuration(t, *l.ExpiresAt, *got.ExpiresAt, 0)
		assert.Nil(t, got.ReadyAt)

		_, err = st.GetLot(ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrNotFound)

		lots, err := st.ListLots(ctx, engine.LotFilter{State: engine.StateReceived})
		require.NoError(t, err)
		assert.Len(t, lots, 1)
		lots, err = st.ListLots(ctx, engine.LotFilter{State: engine.StateReleased})
		require.NoError(t, err)
		assert.Empty(t, lots)
		return nil
	}))
}

func testLotVersionCheck(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	l := lot("REC-20250303-0001")
	write(t, s, func(st engine.Store) error { return st.CreateLot(ctx, l) })

	next := l
	next.Version = 2
	next.State = engine.StateAging
	write(t, s, func(st engine.Store) error { return st.UpdateLot(ctx, next) })

	// A write based on version 1 again is stale.
	stale := l
	stale.Version = 2
	err := s.WithTx(ctx, func(st engine.Store) error { return st.UpdateLot(ctx, stale) })
	assert.ErrorIs(t, err, engine.ErrConcurrentModification)
}

func testLotCodeUnique(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	write(t, s, func(st engine.Store) error { return st.CreateLot(ctx, lot("REC-20250303-0001")) })
	err := s.WithTx(ctx, func(st engine.Store) error { return st.CreateLot(ctx, lot("REC-20250303-0001")) })
	assert.ErrorIs(t, err, engine.ErrDuplicate)
}

func testLotSequences(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	var got []int
	write(t, s, func(st engine.Store) error {
		for _, k := range [][2]string{{"REC", "20250303"}, {"REC", "20250303"}, {"BD", "20250303"}, {"REC", "20250304"}} {
			n, err := st.NextLotSeq(ctx, k[0], k[1])
			if err != nil {
				return err
			}
			got = append(got, n)
		}
		return nil
	})
	assert.Equal(t, []int{1, 2, 1, 1}, got)
}

func testRollback(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	boom := errors.New("boom")
	l := lot("REC-20250303-0001")
	err := s.WithTx(ctx, func(st engine.Store) error {
		if err := st.CreateLot(ctx, l); err != nil {
			return err
		}
		if err := st.AppendMovements(ctx, engine.Movement{ID: uuid.NewString(), LotID: l.ID, Type: engine.MoveReceive, Quantity: l.ReceivedQty, MovedAt: base, PerformedBy: "u"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		_, err := st.GetLot(ctx, l.ID)
		assert.ErrorIs(t, err, engine.ErrNotFound)
		moves, err := st.ListMovements(ctx, l.ID)
		require.NoError(t, err)
		assert.Empty(t, moves)
		return nil
	}))
}

func testLedgerOrdering(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	l := lot("REC-20250303-0001")
	types := []engine.MoveType{engine.MoveReceive, engine.MoveTransfer, engine.MoveConsume, engine.MoveLoss, engine.MoveSale}
	write(t, s, func(st engine.Store) error {
		if err := st.CreateLot(ctx, l); err != nil {
			return err
		}
		for _, mt := range types {
			mv := engine.Movement{ID: uuid.NewString(), LotID: l.ID, Type: mt, Quantity: decimal.RequireFromString("1.5"), MovedAt: base, PerformedBy: "u"}
			if err := st.AppendMovements(ctx, mv); err != nil {
				return err
			}
		}
		return st.AppendEvents(ctx,
			engine.LotEvent{ID: uuid.NewString(), LotID: l.ID, EventType: "received", PerformedBy: "u", PerformedAt: base},
			engine.LotEvent{ID: uuid.NewString(), LotID: l.ID, EventType: "aging_started", PerformedBy: "u", PerformedAt: base},
		)
	})

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		moves, err := st.ListMovements(ctx, l.ID)
		require.NoError(t, err)
		require.Len(t, moves, len(types))
		for i, mt := range types {
			assert.Equal(t, mt, moves[i].Type)
		}
		events, err := st.ListEvents(ctx, l.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "aging_started", events[1].EventType)
		return nil
	}))
}

func testGenealogyEdges(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	in, out1, out2 := lot("REC-20250303-0001"), lot("BD-20250303-0001"), lot("BD-20250303-0002")
	orderID := uuid.NewString()
	order := engine.ProductionOrder{
		ID:          orderID,
		ProcessType: engine.ProcessBreakdown,
		StartedAt:   base,
		PerformedBy: "butcher",
		Edges: []engine.GenealogyEdge{
			{OrderID: orderID, LotID: in.ID, Role: engine.RoleInput, Quantity: decimal.RequireFromString("100")},
			{OrderID: orderID, LotID: out1.ID, Role: engine.RoleOutput, Quantity: decimal.RequireFromString("60")},
			{OrderID: orderID, LotID: out2.ID, Role: engine.RoleOutput, Quantity: decimal.RequireFromString("38")},
		},
		Losses: []engine.LossRecord{{ID: uuid.NewString(), OrderID: orderID, LossType: "bone", Quantity: decimal.RequireFromString("2")}},
	}
	write(t, s, func(st engine.Store) error {
		for _, l := range []engine.Lot{in, out1, out2} {
			if err := st.CreateLot(ctx, l); err != nil {
				return err
			}
		}
		return st.CreateOrder(ctx, order)
	})

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		got, err := st.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Len(t, got.Inputs(), 1)
		assert.Len(t, got.Outputs(), 2)
		require.Len(t, got.Losses, 1)
		assert.Equal(t, order.ID, got.Losses[0].OrderID)

		edges, err := st.EdgesForLots(ctx, []string{out1.ID})
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, order.ID, edges[0].OrderID)

		edges, err = st.EdgesForOrders(ctx, []string{order.ID})
		require.NoError(t, err)
		assert.Len(t, edges, 3)

		_, err = st.GetOrder(ctx, "missing")
		assert.ErrorIs(t, err, engine.ErrNotFound)
		return nil
	}))
}

func testReservations(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	l := lot("REC-20250303-0001")
	r := engine.Reservation{ID: uuid.NewString(), LotID: l.ID, CustomerID: "cust-1", Quantity: decimal.RequireFromString("4"), ReservedAt: base, PerformedBy: "sales"}
	write(t, s, func(st engine.Store) error {
		if err := st.CreateLot(ctx, l); err != nil {
			return err
		}
		return st.CreateReservation(ctx, r)
	})

	now := base.Add(time.Hour)
	r.CancelledAt = &now
	r.CancelNotes = "withdrawn"
	write(t, s, func(st engine.Store) error { return st.UpdateReservation(ctx, r) })

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		rs, err := st.ListReservations(ctx, []string{l.ID})
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.False(t, rs[0].Active())
		assert.Equal(t, "withdrawn", rs[0].CancelNotes)

		rs, err = st.ListReservations(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, rs)
		return nil
	}))
}

func entry(client, txn string, seq int) engine.OfflineQueueEntry {
	return engine.OfflineQueueEntry{
		ID:          uuid.NewString(),
		ClientID:    client,
		ClientTxnID: txn,
		Seq:         seq,
		ActionType:  engine.ActionSale,
		Payload:     []byte(`{"lot_id":"x"}`),
		Status:      engine.QueuePending,
		CreatedAt:   base,
	}
}

func testQueueIdempotency(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	write(t, s, func(st engine.Store) error {
		return st.CreateQueueEntries(ctx, []engine.OfflineQueueEntry{entry("c1", "t1", 0), entry("c1", "t1", 1)})
	})
	err := s.WithTx(ctx, func(st engine.Store) error {
		return st.CreateQueueEntries(ctx, []engine.OfflineQueueEntry{entry("c1", "t1", 1)})
	})
	assert.ErrorIs(t, err, engine.ErrDuplicate)

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		group, err := st.ListTxnEntries(ctx, "c1", "t1")
		require.NoError(t, err)
		require.Len(t, group, 2)
		assert.Equal(t, 0, group[0].Seq)
		assert.JSONEq(t, `{"lot_id":"x"}`, string(group[1].Payload))
		return nil
	}))
}

func testQueueListing(t *testing.T, s engine.TxStore) {
	ctx := context.Background()
	a, b, c := entry("c2", "t1", 0), entry("c1", "t2", 0), entry("c1", "t3", 0)
	write(t, s, func(st engine.Store) error {
		return st.CreateQueueEntries(ctx, []engine.OfflineQueueEntry{a, b, c})
	})
	now := base.Add(time.Minute)
	b.Status = engine.QueueConflict
	b.ConflictReason = "lot changed"
	b.ErrorKind = "InsufficientQuantity"
	b.ProcessedAt = &now
	write(t, s, func(st engine.Store) error { return st.UpdateQueueEntry(ctx, b) })

	require.NoError(t, s.View(ctx, func(st engine.Store) error {
		pending, err := st.ListQueue(ctx, "c1", engine.QueuePending, 0)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, c.ID, pending[0].ID)

		all, err := st.ListQueue(ctx, "c1", "", 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, b.ID, all[0].ID)

		conflicts, err := st.ListConflicts(ctx)
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, "InsufficientQuantity", conflicts[0].ErrorKind)
		require.NotNil(t, conflicts[0].ProcessedAt)

		clients, err := st.PendingClients(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"c1", "c2"}, clients)

		got, err := st.GetQueueEntry(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "c2", got.ClientID)
		return nil
	}))
}
