/*
store.go - Persistence contract for the lot ledger

PURPOSE:
  Defines the operations the engine needs from storage. Implementations
  only do CRUD; every rule about quantities, states and balance lives in
  the engine.

APPEND-ONLY CONTRACT:
  Movements, events, production orders, QA checks and sales have only
  Append/Create methods. The only updates are:
  - UpdateLot: state, location and timestamps, guarded by Version
  - UpdateReservation: cancellation and fulfilment stamps
  - UpdateQueueEntry: offline outcome fields

TRANSACTIONS:
  TxStore.WithTx runs fn against a Store bound to one transaction. If fn
  returns an error nothing fn wrote is visible afterwards. View gives a
  consistent read-only snapshot.

IMPLEMENTATIONS:
  - engine/store/memory.go: In-memory for tests and demos
  - store/sqlite/sqlite.go: SQLite via sqlx
*/
package engine

import "context"

// Store is the set of storage operations available inside a transaction.
type Store interface {
	// Lots
	CreateLot(ctx context.Context, lot Lot) error
	GetLot(ctx context.Context, id string) (Lot, error)
	GetLots(ctx context.Context, ids []string) ([]Lot, error)
	// UpdateLot writes lot if the stored version equals lot.Version-1.
	// Returns ErrConcurrentModification otherwise.
	UpdateLot(ctx context.Context, lot Lot) error
	ListLots(ctx context.Context, filter LotFilter) ([]Lot, error)
	// NextLotSeq increments and returns the counter for (prefix, day).
	NextLotSeq(ctx context.Context, prefix, day string) (int, error)

	// Ledger and audit
	AppendMovements(ctx context.Context, moves ...Movement) error
	ListMovements(ctx context.Context, lotID string) ([]Movement, error)
	AppendEvents(ctx context.Context, events ...LotEvent) error
	ListEvents(ctx context.Context, lotID string) ([]LotEvent, error)

	// Production and genealogy
	CreateOrder(ctx context.Context, order ProductionOrder) error
	GetOrder(ctx context.Context, id string) (ProductionOrder, error)
	// EdgesForLots returns every edge touching any of lotIDs.
	EdgesForLots(ctx context.Context, lotIDs []string) ([]GenealogyEdge, error)
	// EdgesForOrders returns every edge of the given orders.
	EdgesForOrders(ctx context.Context, orderIDs []string) ([]GenealogyEdge, error)

	// Reservations
	CreateReservation(ctx context.Context, r Reservation) error
	GetReservation(ctx context.Context, id string) (Reservation, error)
	UpdateReservation(ctx context.Context, r Reservation) error
	ListReservations(ctx context.Context, lotIDs []string) ([]Reservation, error)

	// QA and sales
	CreateQACheck(ctx context.Context, c QACheck) error
	ListQAChecks(ctx context.Context, lotID string) ([]QACheck, error)
	CreateSale(ctx context.Context, s Sale) error
	ListSales(ctx context.Context, lotIDs []string) ([]Sale, error)

	// Offline queue
	// CreateQueueEntries returns ErrDuplicate if any (client, txn, seq) exists.
	CreateQueueEntries(ctx context.Context, entries []OfflineQueueEntry) error
	GetQueueEntry(ctx context.Context, id string) (OfflineQueueEntry, error)
	UpdateQueueEntry(ctx context.Context, e OfflineQueueEntry) error
	// ListTxnEntries returns a client's entries for one txn ordered by Seq.
	ListTxnEntries(ctx context.Context, clientID, txnID string) ([]OfflineQueueEntry, error)
	// ListQueue returns a client's entries in submission order. An empty
	// status matches every entry; limit <= 0 means no limit.
	ListQueue(ctx context.Context, clientID string, status QueueStatus, limit int) ([]OfflineQueueEntry, error)
	ListConflicts(ctx context.Context) ([]OfflineQueueEntry, error)
	PendingClients(ctx context.Context) ([]string, error)
}

// TxStore provides transactional access to a Store.
type TxStore interface {
	WithTx(ctx context.Context, fn func(Store) error) error
	View(ctx context.Context, fn func(Store) error) error
}
