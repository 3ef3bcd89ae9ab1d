/*
scenarios.go - Demo plant loaders

PURPOSE:
  Seeds a running server with a small but complete plant history so the
  lot, genealogy and recall views have something to show. Every step goes
  through the engine, so seeded data obeys the same rules as real traffic.

AVAILABLE SCENARIOS:
  demo-plant:    A dry-aged carcass broken down into primals and trim,
                 trim mixed with bought-in trim into ground beef, then
                 reserved, sold and QA checked
  recall-drill:  demo-plant, followed by a supplier recall of the carcass
                 that quarantines everything downstream

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "recall-drill"}

NOTE:
  Scenarios add to existing data; they never reset the database. They
  reference the embedded default catalog's ids and fail with a validation
  error against a catalog that lacks them.

SEE ALSO:
  - catalog/default.json: Items, locations and customers used here
*/
package api

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/lotledger/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-plant",
		Name:        "Demo Plant",
		Description: "Receive, age, break down, mix, reserve, sell and QA check",
	},
	{
		ID:          "recall-drill",
		Name:        "Recall Drill",
		Description: "Demo plant followed by a supplier recall quarantining every downstream lot",
	},
}

const scenarioUser = "scenario-loader"

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario seeds the named scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var body LoadScenarioBody
	if !decode(w, r, &body) {
		return
	}
	res, err := h.loadScenario(r.Context(), body.ScenarioID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	h.mu.Lock()
	h.currentScenario = body.ScenarioID
	h.mu.Unlock()
	h.Log.WithField("scenario", body.ScenarioID).WithField("lots", len(res.LotIDs)).Info("scenario loaded")
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) loadScenario(ctx context.Context, id string) (*ScenarioResultDTO, error) {
	var sc *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == id {
			sc = &scenarios[i]
		}
	}
	if sc == nil {
		return nil, &engine.NotFoundError{Entity: "scenario", ID: id}
	}

	b := &seeder{ctx: ctx, eng: h.Engine, res: &ScenarioResultDTO{Scenario: *sc, LotIDs: []string{}, OrderIDs: []string{}}}
	carcass := seedDemoPlant(b)
	if id == "recall-drill" && b.err == nil {
		_, b.err = h.Engine.QuarantineForward(ctx, engine.QuarantineForwardRequest{
			LotID:       carcass,
			Reason:      "supplier notified of positive pathogen test on source animal",
			PerformedBy: scenarioUser,
		})
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.res, nil
}

// =============================================================================
// DEMO PLANT
// =============================================================================

// seedDemoPlant returns the carcass lot id.
func seedDemoPlant(b *seeder) string {
	carcass := b.receive("beef-carcass", "sup-hillside", "320")
	b.ageAndRelease(carcass, "aging-room")

	cut := b.breakdown(carcass, "320",
		[]engine.OutputLine{
			b.out("striploin", "40"),
			b.out("ribeye", "35"),
			b.out("chuck", "90"),
			b.out("brisket", "45"),
			b.out("beef-trim", "80"),
		},
		[]engine.LossLine{
			{LossType: "bone", Quantity: kg("25")},
			{LossType: "fat", Quantity: kg("5")},
		},
	)

	bought := b.receive("beef-trim", "sup-riverbend", "50")
	b.ageAndRelease(bought, "cooler-1")

	var striploin, ribeye, trim string
	if len(cut) == 5 {
		striploin, ribeye, trim = cut[0], cut[1], cut[4]
	}
	ground := b.mix("grind", "ground-beef", map[string]string{trim: "60", bought: "40"})

	b.reserve(ground, "cust-bistro", "20")
	b.sell(striploin, "cust-market", "15")
	b.sell(ground, "cust-grill", "10")
	b.partialCheck(ribeye, "33", "2")
	return carcass
}

// =============================================================================
// SEEDER
// =============================================================================

// seeder runs engine calls until the first error, which it keeps.
type seeder struct {
	ctx context.Context
	eng *engine.Engine
	res *ScenarioResultDTO
	err error
}

func (b *seeder) receive(item, supplier, qty string) string {
	if b.err != nil {
		return ""
	}
	lot, err := b.eng.Receive(b.ctx, engine.ReceiveRequest{
		ItemID: item, SupplierID: supplier, LocationID: "dock", Quantity: kg(qty), PerformedBy: scenarioUser,
	})
	if b.err = err; err != nil {
		return ""
	}
	b.res.LotIDs = append(b.res.LotIDs, lot.ID)
	return lot.ID
}

func (b *seeder) ageAndRelease(lotID, location string) {
	if b.err != nil {
		return
	}
	zero := 0
	if _, b.err = b.eng.StartAging(b.ctx, engine.StartAgingRequest{
		LotID: lotID, LocationID: location, Days: &zero, PerformedBy: scenarioUser,
	}); b.err != nil {
		return
	}
	_, b.err = b.eng.Release(b.ctx, engine.ReleaseRequest{LotID: lotID, PerformedBy: scenarioUser})
}

func (b *seeder) out(item, qty string) engine.OutputLine {
	return engine.OutputLine{ItemID: item, Quantity: kg(qty), LocationID: "cutting-room"}
}

func (b *seeder) breakdown(lotID, qty string, outputs []engine.OutputLine, losses []engine.LossLine) []string {
	if b.err != nil {
		return nil
	}
	res, err := b.eng.Breakdown(b.ctx, engine.BreakdownRequest{
		InputLotID: lotID, InputQuantity: kg(qty), Outputs: outputs, Losses: losses, PerformedBy: scenarioUser,
	})
	if b.err = err; err != nil {
		return nil
	}
	return b.recordOrder(res)
}

func (b *seeder) mix(profile, item string, inputs map[string]string) string {
	if b.err != nil {
		return ""
	}
	req := engine.MixRequest{ProfileID: profile, OutputItemID: item, LocationID: "cutting-room", PerformedBy: scenarioUser}
	for lotID, qty := range inputs {
		req.Inputs = append(req.Inputs, engine.MixInput{LotID: lotID, Quantity: kg(qty)})
	}
	res, err := b.eng.Mix(b.ctx, req)
	if b.err = err; err != nil {
		return ""
	}
	return b.recordOrder(res)[0]
}

func (b *seeder) recordOrder(res *engine.ProductionResult) []string {
	b.res.OrderIDs = append(b.res.OrderIDs, res.Order.ID)
	ids := make([]string, len(res.Outputs))
	for i, lot := range res.Outputs {
		ids[i] = lot.ID
	}
	b.res.LotIDs = append(b.res.LotIDs, ids...)
	return ids
}

func (b *seeder) reserve(lotID, customer, qty string) {
	if b.err != nil {
		return
	}
	_, b.err = b.eng.CreateReservation(b.ctx, engine.ReserveRequest{
		LotID: lotID, CustomerID: customer, Quantity: kg(qty), PerformedBy: scenarioUser,
	})
}

func (b *seeder) sell(lotID, customer, qty string) {
	if b.err != nil {
		return
	}
	_, b.err = b.eng.Sell(b.ctx, engine.SaleRequest{
		LotID: lotID, CustomerID: customer, Quantity: kg(qty), PerformedBy: scenarioUser,
	})
}

func (b *seeder) partialCheck(lotID, pass, fail string) {
	if b.err != nil {
		return
	}
	p, f := kg(pass), kg(fail)
	_, b.err = b.eng.SubmitCheck(b.ctx, engine.QACheckRequest{
		LotID: lotID, CheckType: "temperature", Mode: engine.QAModePartial,
		PassQty: &p, FailQty: &f, Notes: "two pieces above 7C on arrival", PerformedBy: scenarioUser,
	})
}

func kg(s string) decimal.Decimal { return decimal.RequireFromString(s) }
