/*
dto.go - Request and response shapes specific to the HTTP layer

PURPOSE:
  Most operations accept the engine's own request types as JSON bodies;
  the handler fills in path parameters and the acting user. The types here
  cover what the engine does not model: bodies whose identifiers come from
  the URL, composite responses and the error envelope.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Body: Request bodies whose ids come from the path

SEE ALSO:
  - handlers.go: Uses these types
  - engine/*.go: Request types decoded directly from bodies
*/
package api

import (
	"github.com/shopspring/decimal"

	"github.com/warp/lotledger/engine"
)

// =============================================================================
// RESPONSES
// =============================================================================

// LotDetailDTO is a lot with its derived quantities.
type LotDetailDTO struct {
	engine.Lot
	Quantities engine.Quantities `json:"quantities"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details any    `json:"details,omitempty"`
}

// HealthDTO reports liveness and store reachability.
type HealthDTO struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO summarizes what a scenario seeded.
type ScenarioResultDTO struct {
	Scenario ScenarioDTO `json:"scenario"`
	LotIDs   []string    `json:"lot_ids"`
	OrderIDs []string    `json:"order_ids"`
}

// =============================================================================
// REQUEST BODIES
// =============================================================================

// StartAgingBody is POST /api/lots/{id}/aging/start.
type StartAgingBody struct {
	LocationID string `json:"location_id"`
	Days       *int   `json:"days,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// ReleaseBody is POST /api/lots/{id}/aging/release.
type ReleaseBody struct {
	Override bool   `json:"override"`
	Notes    string `json:"notes,omitempty"`
}

// QuarantineBody is POST /api/lots/{id}/quarantine.
type QuarantineBody struct {
	Quantity *decimal.Decimal `json:"quantity_kg,omitempty"`
	Reason   string           `json:"reason"`
}

// NotesBody carries supervisor notes for dispose and cancel.
type NotesBody struct {
	Notes string `json:"notes"`
}

// TransferBody is POST /api/lots/{id}/transfer.
type TransferBody struct {
	LocationID string `json:"location_id"`
	Notes      string `json:"notes,omitempty"`
}

// ReasonBody is POST /api/recall/{id}/quarantine-forward.
type ReasonBody struct {
	Reason string `json:"reason"`
}

// SyncBody is POST /api/offline/sync. An empty ClientID syncs every
// client with pending entries.
type SyncBody struct {
	ClientID string `json:"client_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ResolveBody is POST /api/offline/conflicts/{id}/resolve.
type ResolveBody struct {
	Action string `json:"action"`
	Notes  string `json:"notes"`
}

// LoadScenarioBody is POST /api/scenarios/load.
type LoadScenarioBody struct {
	ScenarioID string `json:"scenario_id"`
}

// StockReportDTO wraps the stock report rows.
type StockReportDTO struct {
	Rows []engine.StockRow `json:"rows"`
}
