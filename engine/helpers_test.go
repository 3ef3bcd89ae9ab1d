package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/lotledger/engine"
	"github.com/warp/lotledger/engine/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testRef is a small plant catalog.
type testRef struct{}

var (
	testItems = map[string]engine.Item{
		"carcass":   {ID: "carcass", Name: "Beef carcass", ProfileID: "dry-age"},
		"striploin": {ID: "striploin", Name: "Striploin", ProfileID: "dry-age"},
		"trim":      {ID: "trim", Name: "Beef trim", ProfileID: "grind"},
		"ground":    {ID: "ground", Name: "Ground beef", ProfileID: "grind"},
		"patty":     {ID: "patty", Name: "Patty"},
	}
	testProfiles = map[string]engine.ProcessProfile{
		"dry-age": {ID: "dry-age", Name: "Dry aging", DefaultAgingDays: 14},
		"grind":   {ID: "grind", Name: "Grinding", AllowsMixing: true, DefaultAgingDays: 0},
	}
	testLossTypes = map[string]engine.LossType{
		"bone":    {Code: "bone", Name: "Bone", Active: true},
		"fat":     {Code: "fat", Name: "Fat", Active: true},
		"retired": {Code: "retired", Name: "Retired", Active: false},
	}
)

func (testRef) Item(id string) (engine.Item, bool) {
	it, ok := testItems[id]
	return it, ok
}

func (testRef) Profile(id string) (engine.ProcessProfile, bool) {
	p, ok := testProfiles[id]
	return p, ok
}

func (testRef) LossType(code string) (engine.LossType, bool) {
	lt, ok := testLossTypes[code]
	return lt, ok
}

func (testRef) HasSupplier(id string) bool { return id == "sup-1" || id == "sup-2" }
func (testRef) HasCustomer(id string) bool { return id == "cust-1" || id == "cust-2" || id == "cust-3" }
func (testRef) HasLocation(id string) bool { return id == "dock" || id == "cooler" || id == "aging-room" }

type fixture struct {
	ctx   context.Context
	eng   *engine.Engine
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(store.NewMemory(), engine.Options{
		Clock:     clk.Now,
		Reference: testRef{},
	})
	return &fixture{ctx: context.Background(), eng: eng, clock: clk}
}

func kg(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func kgPtr(s string) *decimal.Decimal {
	d := kg(s)
	return &d
}

func boolPtr(b bool) *bool { return &b }

// receive creates a received lot of item with qty kg.
func (f *fixture) receive(t *testing.T, item, qty string) engine.Lot {
	t.Helper()
	lot, err := f.eng.Receive(f.ctx, engine.ReceiveRequest{
		ItemID:      item,
		SupplierID:  "sup-1",
		LocationID:  "dock",
		Quantity:    kg(qty),
		PerformedBy: "receiver",
	})
	require.NoError(t, err)
	return lot
}

// released creates a lot that has been aged and released.
func (f *fixture) released(t *testing.T, item, qty string) engine.Lot {
	t.Helper()
	lot := f.receive(t, item, qty)
	zero := 0
	_, err := f.eng.StartAging(f.ctx, engine.StartAgingRequest{
		LotID: lot.ID, LocationID: "aging-room", Days: &zero, PerformedBy: "op",
	})
	require.NoError(t, err)
	lot, err = f.eng.Release(f.ctx, engine.ReleaseRequest{LotID: lot.ID, PerformedBy: "supervisor"})
	require.NoError(t, err)
	return lot
}

func (f *fixture) quantities(t *testing.T, lotID string) engine.Quantities {
	t.Helper()
	q, err := f.eng.Quantities(f.ctx, lotID)
	require.NoError(t, err)
	return q
}

func (f *fixture) lot(t *testing.T, id string) engine.Lot {
	t.Helper()
	lot, err := f.eng.Lot(f.ctx, id)
	require.NoError(t, err)
	return lot
}

// requireKg asserts two masses are equal within the ledger tolerance.
func requireKg(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, got.Sub(kg(want)).Abs().LessThanOrEqual(engine.Tolerance),
		"want %s kg, got %s kg", want, got.String())
}

// assertLedgerIdentity checks available = received - consumed - quarantined
// - disposed - sold by refolding the raw movements.
func (f *fixture) assertLedgerIdentity(t *testing.T, lotID string) {
	t.Helper()
	lot := f.lot(t, lotID)
	moves, err := f.eng.Movements(f.ctx, lotID)
	require.NoError(t, err)
	out := decimal.Zero
	for _, m := range moves {
		switch m.Type {
		case engine.MoveConsume, engine.MoveQuarantine, engine.MoveDispose, engine.MoveSale:
			out = out.Add(m.Quantity)
		}
	}
	q := f.quantities(t, lotID)
	require.True(t, q.Available.Sub(lot.ReceivedQty.Sub(out)).Abs().LessThanOrEqual(engine.Tolerance),
		"ledger identity broken for %s", lot.Code)
	require.False(t, q.Reserved.GreaterThan(q.Available.Add(engine.Tolerance)), "reserved exceeds available on %s", lot.Code)
}
