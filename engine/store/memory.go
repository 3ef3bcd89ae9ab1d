// Package store provides an in-memory engine.TxStore.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/lotledger/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an engine.TxStore kept in process memory. Transactions are
// serialized; a failed transaction restores the snapshot taken at its start.
type Memory struct {
	mu sync.RWMutex
	st *state
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(engine.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(m.st); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// View executes fn against the current state under a read lock.
func (m *Memory) View(_ context.Context, fn func(engine.Store) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(m.st)
}

// =============================================================================
// STATE
// =============================================================================

type state struct {
	lots      map[string]engine.Lot
	lotOrder  []string
	seqs      map[string]int
	moves     []engine.Movement
	events    []engine.LotEvent
	orders    map[string]engine.ProductionOrder
	edges     []engine.GenealogyEdge
	res       map[string]engine.Reservation
	resOrder  []string
	checks    []engine.QACheck
	sales     []engine.Sale
	queue     map[string]engine.OfflineQueueEntry
	queueSeq  []string
	queueKeys map[string]string
}

func newState() *state {
	return &state{
		lots:      make(map[string]engine.Lot),
		seqs:      make(map[string]int),
		orders:    make(map[string]engine.ProductionOrder),
		res:       make(map[string]engine.Reservation),
		queue:     make(map[string]engine.OfflineQueueEntry),
		queueKeys: make(map[string]string),
	}
}

func (s *state) clone() *state {
	c := &state{
		lots:      make(map[string]engine.Lot, len(s.lots)),
		lotOrder:  append([]string(nil), s.lotOrder...),
		seqs:      make(map[string]int, len(s.seqs)),
		moves:     append([]engine.Movement(nil), s.moves...),
		events:    append([]engine.LotEvent(nil), s.events...),
		orders:    make(map[string]engine.ProductionOrder, len(s.orders)),
		edges:     append([]engine.GenealogyEdge(nil), s.edges...),
		res:       make(map[string]engine.Reservation, len(s.res)),
		resOrder:  append([]string(nil), s.resOrder...),
		checks:    append([]engine.QACheck(nil), s.checks...),
		sales:     append([]engine.Sale(nil), s.sales...),
		queue:     make(map[string]engine.OfflineQueueEntry, len(s.queue)),
		queueSeq:  append([]string(nil), s.queueSeq...),
		queueKeys: make(map[string]string, len(s.queueKeys)),
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.seqs {
		c.seqs[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.res {
		c.res[k] = v
	}
	for k, v := range s.queue {
		c.queue[k] = v
	}
	for k, v := range s.queueKeys {
		c.queueKeys[k] = v
	}
	return c
}

func set(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// =============================================================================
// LOTS
// =============================================================================

func (s *state) CreateLot(_ context.Context, lot engine.Lot) error {
	if _, ok := s.lots[lot.ID]; ok {
		return fmt.Errorf("lot %s: %w", lot.ID, engine.ErrDuplicate)
	}
	for _, l := range s.lots {
		if l.Code == lot.Code {
			return fmt.Errorf("lot code %s: %w", lot.Code, engine.ErrDuplicate)
		}
	}
	s.lots[lot.ID] = lot
	s.lotOrder = append(s.lotOrder, lot.ID)
	return nil
}

func (s *state) GetLot(_ context.Context, id string) (engine.Lot, error) {
	lot, ok := s.lots[id]
	if !ok {
		return engine.Lot{}, &engine.NotFoundError{Entity: "lot", ID: id}
	}
	return lot, nil
}

func (s *state) GetLots(ctx context.Context, ids []string) ([]engine.Lot, error) {
	out := make([]engine.Lot, 0, len(ids))
	for _, id := range ids {
		lot, err := s.GetLot(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, nil
}

func (s *state) UpdateLot(_ context.Context, lot engine.Lot) error {
	cur, ok := s.lots[lot.ID]
	if !ok {
		return &engine.NotFoundError{Entity: "lot", ID: lot.ID}
	}
	if cur.Version != lot.Version-1 {
		return fmt.Errorf("lot %s at version %d, write based on %d: %w",
			lot.ID, cur.Version, lot.Version-1, engine.ErrConcurrentModification)
	}
	s.lots[lot.ID] = lot
	return nil
}

func (s *state) ListLots(_ context.Context, f engine.LotFilter) ([]engine.Lot, error) {
	out := []engine.Lot{}
	for _, id := range s.lotOrder {
		lot := s.lots[id]
		if f.State != "" && lot.State != f.State {
			continue
		}
		if f.ItemID != "" && lot.ItemID != f.ItemID {
			continue
		}
		out = append(out, lot)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *state) NextLotSeq(_ context.Context, prefix, day string) (int, error) {
	k := prefix + "|" + day
	s.seqs[k]++
	return s.seqs[k], nil
}

// =============================================================================
// LEDGER & EVENTS
// =============================================================================

func (s *state) AppendMovements(_ context.Context, moves ...engine.Movement) error {
	s.moves = append(s.moves, moves...)
	return nil
}

func (s *state) ListMovements(_ context.Context, lotID string) ([]engine.Movement, error) {
	out := []engine.Movement{}
	for _, m := range s.moves {
		if m.LotID == lotID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *state) AppendEvents(_ context.Context, events ...engine.LotEvent) error {
	s.events = append(s.events, events...)
	return nil
}

func (s *state) ListEvents(_ context.Context, lotID string) ([]engine.LotEvent, error) {
	out := []engine.LotEvent{}
	for _, e := range s.events {
		if e.LotID == lotID {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// PRODUCTION
// =============================================================================

func (s *state) CreateOrder(_ context.Context, order engine.ProductionOrder) error {
	if _, ok := s.orders[order.ID]; ok {
		return fmt.Errorf("production order %s: %w", order.ID, engine.ErrDuplicate)
	}
	for _, e := range order.Edges {
		if _, ok := s.lots[e.LotID]; !ok {
			return &engine.NotFoundError{Entity: "lot", ID: e.LotID}
		}
	}
	s.orders[order.ID] = order
	s.edges = append(s.edges, order.Edges...)
	return nil
}

func (s *state) GetOrder(_ context.Context, id string) (engine.ProductionOrder, error) {
	o, ok := s.orders[id]
	if !ok {
		return engine.ProductionOrder{}, &engine.NotFoundError{Entity: "production order", ID: id}
	}
	return o, nil
}

func (s *state) EdgesForLots(_ context.Context, lotIDs []string) ([]engine.GenealogyEdge, error) {
	want := set(lotIDs)
	var out []engine.GenealogyEdge
	for _, e := range s.edges {
		if want[e.LotID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *state) EdgesForOrders(_ context.Context, orderIDs []string) ([]engine.GenealogyEdge, error) {
	want := set(orderIDs)
	var out []engine.GenealogyEdge
	for _, e := range s.edges {
		if want[e.OrderID] {
			out = append(out, e)
		}
	}
	return out, nil
}

// =============================================================================
// RESERVATIONS, QA, SALES
// =============================================================================

func (s *state) CreateReservation(_ context.Context, r engine.Reservation) error {
	if _, ok := s.res[r.ID]; ok {
		return fmt.Errorf("reservation %s: %w", r.ID, engine.ErrDuplicate)
	}
	s.res[r.ID] = r
	s.resOrder = append(s.resOrder, r.ID)
	return nil
}

func (s *state) GetReservation(_ context.Context, id string) (engine.Reservation, error) {
	r, ok := s.res[id]
	if !ok {
		return engine.Reservation{}, &engine.NotFoundError{Entity: "reservation", ID: id}
	}
	return r, nil
}

func (s *state) UpdateReservation(_ context.Context, r engine.Reservation) error {
	if _, ok := s.res[r.ID]; !ok {
		return &engine.NotFoundError{Entity: "reservation", ID: r.ID}
	}
	s.res[r.ID] = r
	return nil
}

func (s *state) ListReservations(_ context.Context, lotIDs []string) ([]engine.Reservation, error) {
	want := set(lotIDs)
	out := []engine.Reservation{}
	for _, id := range s.resOrder {
		if r := s.res[id]; want[r.LotID] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *state) CreateQACheck(_ context.Context, c engine.QACheck) error {
	s.checks = append(s.checks, c)
	return nil
}

func (s *state) ListQAChecks(_ context.Context, lotID string) ([]engine.QACheck, error) {
	out := []engine.QACheck{}
	for _, c := range s.checks {
		if c.LotID == lotID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *state) CreateSale(_ context.Context, sale engine.Sale) error {
	s.sales = append(s.sales, sale)
	return nil
}

func (s *state) ListSales(_ context.Context, lotIDs []string) ([]engine.Sale, error) {
	want := set(lotIDs)
	out := []engine.Sale{}
	for _, sl := range s.sales {
		if want[sl.LotID] {
			out = append(out, sl)
		}
	}
	return out, nil
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

func queueKey(e engine.OfflineQueueEntry) string {
	return fmt.Sprintf("%s|%s|%d", e.ClientID, e.ClientTxnID, e.Seq)
}

func (s *state) CreateQueueEntries(_ context.Context, entries []engine.OfflineQueueEntry) error {
	for _, e := range entries {
		if _, ok := s.queueKeys[queueKey(e)]; ok {
			return fmt.Errorf("queue entry %s: %w", queueKey(e), engine.ErrDuplicate)
		}
	}
	for _, e := range entries {
		s.queue[e.ID] = e
		s.queueKeys[queueKey(e)] = e.ID
		s.queueSeq = append(s.queueSeq, e.ID)
	}
	return nil
}

func (s *state) GetQueueEntry(_ context.Context, id string) (engine.OfflineQueueEntry, error) {
	e, ok := s.queue[id]
	if !ok {
		return engine.OfflineQueueEntry{}, &engine.NotFoundError{Entity: "queue entry", ID: id}
	}
	return e, nil
}

func (s *state) UpdateQueueEntry(_ context.Context, e engine.OfflineQueueEntry) error {
	if _, ok := s.queue[e.ID]; !ok {
		return &engine.NotFoundError{Entity: "queue entry", ID: e.ID}
	}
	s.queue[e.ID] = e
	return nil
}

func (s *state) ListTxnEntries(_ context.Context, clientID, txnID string) ([]engine.OfflineQueueEntry, error) {
	var out []engine.OfflineQueueEntry
	for _, id := range s.queueSeq {
		if e := s.queue[id]; e.ClientID == clientID && e.ClientTxnID == txnID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *state) ListQueue(_ context.Context, clientID string, status engine.QueueStatus, limit int) ([]engine.OfflineQueueEntry, error) {
	out := []engine.OfflineQueueEntry{}
	for _, id := range s.queueSeq {
		e := s.queue[id]
		if e.ClientID != clientID || (status != "" && e.Status != status) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *state) ListConflicts(_ context.Context) ([]engine.OfflineQueueEntry, error) {
	out := []engine.OfflineQueueEntry{}
	for _, id := range s.queueSeq {
		if e := s.queue[id]; e.Status == engine.QueueConflict {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *state) PendingClients(_ context.Context) ([]string, error) {
	seen := make(map[string]bool)
	out := []string{}
	for _, id := range s.queueSeq {
		e := s.queue[id]
		if e.Status == engine.QueuePending && !seen[e.ClientID] {
			seen[e.ClientID] = true
			out = append(out, e.ClientID)
		}
	}
	sort.Strings(out)
	return out, nil
}
