/*
reports.go - Operational stock views

PURPOSE:
  Read-only reports the floor works from each shift. Both are folds over
  the ledger taken in one read snapshot, so every row's quantities agree
  with each other and with the lot's state at that instant.

STOCK:
  Every lot that is not disposed, with available, reserved and sellable
  kg. Lots with nothing available are left out unless includeZero is set.

AT RISK:
  Live lots (received, aging, released, quarantined) that need attention
  within a horizon of days (clamped to 1..60):
    aging_not_ready         aging and ready_at still in the future
    aging_missing_ready_at  aging without a ready_at
    expiring_soon           expires_at at or before the horizon
    quarantined             in state quarantined, or holding an
                            outstanding quarantined portion
  Quarantine rows and flags are dropped when includeQuarantined is false.

SEE ALSO:
  - ledger.go: Fold
*/
package engine

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Horizon bounds for AtRisk, in days.
const (
	MinRiskDays = 1
	MaxRiskDays = 60
)

// RiskFlag names why a lot is at risk.
type RiskFlag string

const (
	RiskAgingNotReady  RiskFlag = "aging_not_ready"
	RiskAgingNoReadyAt RiskFlag = "aging_missing_ready_at"
	RiskExpiringSoon   RiskFlag = "expiring_soon"
	RiskQuarantined    RiskFlag = "quarantined"
)

// StockRow is one lot with its current quantities.
type StockRow struct {
	Lot
	Available decimal.Decimal `json:"available_qty"`
	Reserved  decimal.Decimal `json:"reserved_qty"`
	Sellable  decimal.Decimal `json:"sellable_qty"`
}

// AtRiskRow is a stock row with the reasons it was flagged.
type AtRiskRow struct {
	StockRow
	Flags        []RiskFlag `json:"flags"`
	DaysToReady  *float64   `json:"days_to_ready,omitempty"`
	DaysToExpiry *float64   `json:"days_to_expiry,omitempty"`
}

// AtRiskReport is the result of AtRisk.
type AtRiskReport struct {
	Now     time.Time   `json:"now"`
	Horizon time.Time   `json:"horizon"`
	Rows    []AtRiskRow `json:"rows"`
}

func stockRow(lot Lot, q Quantities) StockRow {
	return StockRow{Lot: lot, Available: q.Available, Reserved: q.Reserved, Sellable: q.Sellable}
}

// Stock lists every lot that is not disposed with its quantities.
func (e *Engine) Stock(ctx context.Context, includeZero bool) ([]StockRow, error) {
	rows := []StockRow{}
	err := e.store.View(ctx, func(s Store) error {
		lots, err := s.ListLots(ctx, LotFilter{})
		if err != nil {
			return err
		}
		for _, lot := range lots {
			if lot.State == StateDisposed {
				continue
			}
			q, err := quantitiesTx(ctx, s, lot)
			if err != nil {
				return err
			}
			if !includeZero && !exceeds(q.Available, decimal.Zero) {
				continue
			}
			rows = append(rows, stockRow(lot, q))
		}
		return nil
	})
	return rows, err
}

// AtRisk lists live lots that are not ready, expire within days, or are
// held in quarantine.
func (e *Engine) AtRisk(ctx context.Context, days int, includeQuarantined bool) (*AtRiskReport, error) {
	days = max(MinRiskDays, min(days, MaxRiskDays))
	now := e.now()
	report := &AtRiskReport{Now: now, Horizon: now.AddDate(0, 0, days), Rows: []AtRiskRow{}}

	err := e.store.View(ctx, func(s Store) error {
		lots, err := s.ListLots(ctx, LotFilter{})
		if err != nil {
			return err
		}
		for _, lot := range lots {
			if !workable(lot.State) && lot.State != StateQuarantined {
				continue
			}
			if lot.State == StateQuarantined && !includeQuarantined {
				continue
			}
			q, err := quantitiesTx(ctx, s, lot)
			if err != nil {
				return err
			}
			row := AtRiskRow{StockRow: stockRow(lot, q)}

			if lot.State == StateAging {
				switch {
				case lot.ReadyAt == nil:
					row.Flags = append(row.Flags, RiskAgingNoReadyAt)
				case lot.ReadyAt.After(now):
					row.Flags = append(row.Flags, RiskAgingNotReady)
					row.DaysToReady = daysBetween(now, *lot.ReadyAt)
				}
			}
			if lot.ExpiresAt != nil && !lot.ExpiresAt.After(report.Horizon) {
				row.Flags = append(row.Flags, RiskExpiringSoon)
				row.DaysToExpiry = daysBetween(now, *lot.ExpiresAt)
			}
			if includeQuarantined && (lot.State == StateQuarantined || exceeds(q.Quarantined, decimal.Zero)) {
				row.Flags = append(row.Flags, RiskQuarantined)
			}

			if len(row.Flags) > 0 {
				report.Rows = append(report.Rows, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// daysBetween returns to-from in days, rounded to two places.
func daysBetween(from, to time.Time) *float64 {
	d := math.Round(to.Sub(from).Hours()/24*100) / 100
	return &d
}
