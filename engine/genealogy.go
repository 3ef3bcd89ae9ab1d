/*
genealogy.go - Genealogy graph over production orders

PURPOSE:
  Every production order links its input lots to its output lots. This
  file validates and persists orders, and walks the resulting graph in
  both directions.

MASS BALANCE:
  |sum(inputs) - sum(outputs) - sum(losses)| <= Tolerance
  checked before any write of the order.

TRAVERSAL:
  Outputs are always freshly created lots, so the graph is a DAG and
  traversal needs no cycle detection. A visited set still deduplicates
  lots reachable by more than one path. The walk fetches edges one
  frontier at a time, so a chain of depth d costs 2d store calls.
*/
package engine

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// Direction selects ancestor or descendant traversal.
type Direction int

const (
	Backward Direction = iota
	Forward
)

// CheckMassBalance validates an order's inputs against outputs plus losses.
func CheckMassBalance(order ProductionOrder) error {
	in, out, loss := decimal.Zero, decimal.Zero, decimal.Zero
	for _, e := range order.Edges {
		if e.Role == RoleInput {
			in = in.Add(e.Quantity)
		} else {
			out = out.Add(e.Quantity)
		}
	}
	for _, l := range order.Losses {
		loss = loss.Add(l.Quantity)
	}
	if !approxEqual(in, out.Add(loss)) {
		return &MassBalanceError{Inputs: in, Outputs: out, Losses: loss}
	}
	return nil
}

// recordProduction validates and persists an order with its edges and
// losses as one unit.
func recordProduction(ctx context.Context, s Store, order ProductionOrder) error {
	inputs := make(map[string]bool)
	for _, e := range order.Edges {
		if e.Role == RoleInput {
			if inputs[e.LotID] {
				return invalid("inputs", "duplicate input lot %s", e.LotID)
			}
			inputs[e.LotID] = true
		}
	}
	for _, e := range order.Edges {
		if e.Role == RoleOutput && inputs[e.LotID] {
			return invalid("outputs", "lot %s is both input and output", e.LotID)
		}
	}
	if err := CheckMassBalance(order); err != nil {
		return err
	}
	return s.CreateOrder(ctx, order)
}

// traverse returns every lot reachable from lotID in dir, excluding lotID.
func traverse(ctx context.Context, s Store, lotID string, dir Direction) ([]string, error) {
	from, to := RoleOutput, RoleInput
	if dir == Forward {
		from, to = RoleInput, RoleOutput
	}

	visited := map[string]bool{lotID: true}
	seenOrders := make(map[string]bool)
	frontier := []string{lotID}
	found := []string{}

	for len(frontier) > 0 {
		edges, err := s.EdgesForLots(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var orders []string
		for _, e := range edges {
			if e.Role == from && !seenOrders[e.OrderID] {
				seenOrders[e.OrderID] = true
				orders = append(orders, e.OrderID)
			}
		}
		if len(orders) == 0 {
			break
		}
		linked, err := s.EdgesForOrders(ctx, orders)
		if err != nil {
			return nil, err
		}
		frontier = nil
		for _, e := range linked {
			if e.Role == to && !visited[e.LotID] {
				visited[e.LotID] = true
				found = append(found, e.LotID)
				frontier = append(frontier, e.LotID)
			}
		}
	}
	sort.Strings(found)
	return found, nil
}

// Ancestors returns every lot that fed, directly or transitively, into lotID.
func (e *Engine) Ancestors(ctx context.Context, lotID string) ([]string, error) {
	return e.walk(ctx, lotID, Backward)
}

// Descendants returns every lot produced, directly or transitively, from lotID.
func (e *Engine) Descendants(ctx context.Context, lotID string) ([]string, error) {
	return e.walk(ctx, lotID, Forward)
}

func (e *Engine) walk(ctx context.Context, lotID string, dir Direction) ([]string, error) {
	var out []string
	err := e.store.View(ctx, func(s Store) error {
		if _, err := s.GetLot(ctx, lotID); err != nil {
			return err
		}
		var err error
		out, err = traverse(ctx, s, lotID, dir)
		return err
	})
	return out, err
}

// Lineage is a lot's place in the genealogy graph.
type Lineage struct {
	LotID       string          `json:"lot_id"`
	Parents     []GenealogyEdge `json:"parents"`
	Children    []GenealogyEdge `json:"children"`
	Ancestors   []string        `json:"ancestors"`
	Descendants []string        `json:"descendants"`
}

// Genealogy returns direct parent/child edges plus full closures for lotID.
// Parent edges are the input edges of orders that produced the lot; child
// edges are the output edges of orders that consumed it.
func (e *Engine) Genealogy(ctx context.Context, lotID string) (Lineage, error) {
	lin := Lineage{LotID: lotID, Parents: []GenealogyEdge{}, Children: []GenealogyEdge{}}
	err := e.store.View(ctx, func(s Store) error {
		if _, err := s.GetLot(ctx, lotID); err != nil {
			return err
		}
		own, err := s.EdgesForLots(ctx, []string{lotID})
		if err != nil {
			return err
		}
		producedBy := make(map[string]bool)
		consumedBy := make(map[string]bool)
		var orders []string
		for _, ed := range own {
			if ed.Role == RoleOutput {
				producedBy[ed.OrderID] = true
			} else {
				consumedBy[ed.OrderID] = true
			}
			orders = append(orders, ed.OrderID)
		}
		if len(orders) > 0 {
			linked, err := s.EdgesForOrders(ctx, orders)
			if err != nil {
				return err
			}
			for _, ed := range linked {
				switch {
				case ed.Role == RoleInput && producedBy[ed.OrderID]:
					lin.Parents = append(lin.Parents, ed)
				case ed.Role == RoleOutput && consumedBy[ed.OrderID]:
					lin.Children = append(lin.Children, ed)
				}
			}
		}
		if lin.Ancestors, err = traverse(ctx, s, lotID, Backward); err != nil {
			return err
		}
		lin.Descendants, err = traverse(ctx, s, lotID, Forward)
		return err
	})
	return lin, err
}

// Order returns a production order with its edges and losses.
func (e *Engine) Order(ctx context.Context, id string) (ProductionOrder, error) {
	var o ProductionOrder
	err := e.store.View(ctx, func(s Store) error {
		var err error
		o, err = s.GetOrder(ctx, id)
		return err
	})
	return o, err
}
