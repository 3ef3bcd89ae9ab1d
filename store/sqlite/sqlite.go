/*
Package sqlite provides a SQLite-backed engine.TxStore.

PURPOSE:
  Persists lots, the movement ledger, lot events, production orders with
  their genealogy edges and losses, reservations, QA checks, sales and the
  offline queue. All rules live in the engine; this package only maps rows.

APPEND-ONLY ENFORCEMENT:
  movements, lot_events, genealogy_edges, loss_records, qa_checks and
  sales are only ever INSERTed. The only UPDATEs are:
  - lots:          guarded by version (compare-and-set)
  - reservations:  cancellation and fulfilment stamps
  - offline_queue: outcome and resolution fields

KEY TABLES:
  lots:            One row per lot, version column for optimistic checks
  movements:       Immutable quantity ledger
  genealogy_edges: (order, lot, role) links forming the lineage DAG
  offline_queue:   UNIQUE(client_id, client_txn_id, seq) for idempotency

ORDERING:
  Lists return rows in insertion order (rowid), which is the order the
  engine appended them.

TRANSACTIONS:
  Writes go through a pool whose DSN sets _txlock=immediate, so every
  WithTx takes the write lock at BEGIN. Two writers can never both read a
  version and then race to update it.

  View uses a second, query-only pool with deferred BEGIN. Under WAL its
  snapshot never waits for a writer, so recall traces and reports run
  alongside production. A ":memory:" database has one connection and
  shares it for both.

STORAGE FORMATS:
  Quantities are TEXT decimals so no precision is lost. Times are
  RFC3339Nano TEXT in UTC.

USAGE:
  st, err := sqlite.New("./data/lotledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()

  eng := engine.New(st, engine.Options{})

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/lotledger/engine"
)

// Store implements engine.TxStore on SQLite.
type Store struct {
	db *sqlx.DB
	// reads serves View; it is db itself for ":memory:".
	reads *sqlx.DB
}

// New opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a private in-memory database.
func New(path string) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, reads: db}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	if path != ":memory:" {
		s.reads, err = sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000&_query_only=1")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to open read pool: %w", err)
		}
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.reads != s.db {
		err = errors.Join(err, s.reads.Close())
	}
	return err
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	return s.reads.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		item_id TEXT NOT NULL,
		supplier_id TEXT NOT NULL DEFAULT '',
		location_id TEXT NOT NULL,
		state TEXT NOT NULL,
		received_qty TEXT NOT NULL,
		received_at TEXT NOT NULL,
		aging_started_at TEXT,
		ready_at TEXT,
		released_at TEXT,
		expires_at TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lots_state ON lots(state);
	CREATE INDEX IF NOT EXISTS idx_lots_item ON lots(item_id);

	CREATE TABLE IF NOT EXISTS lot_sequences (
		prefix TEXT NOT NULL,
		day TEXT NOT NULL,
		seq INTEGER NOT NULL,
		PRIMARY KEY (prefix, day)
	);

	-- Quantity ledger (append-only)
	CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		move_type TEXT NOT NULL,
		quantity_kg TEXT NOT NULL,
		from_location TEXT NOT NULL DEFAULT '',
		to_location TEXT NOT NULL DEFAULT '',
		production_order_id TEXT NOT NULL DEFAULT '',
		moved_at TEXT NOT NULL,
		performed_by TEXT NOT NULL
	);

	-- Hot path: every quantity fold reads one lot's movements
	CREATE INDEX IF NOT EXISTS idx_movements_lot ON movements(lot_id);

	CREATE TABLE IF NOT EXISTS lot_events (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		event_type TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL,
		performed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_lot_events_lot ON lot_events(lot_id);

	CREATE TABLE IF NOT EXISTS production_orders (
		id TEXT PRIMARY KEY,
		process_type TEXT NOT NULL,
		is_rework INTEGER NOT NULL DEFAULT 0,
		profile_id TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS genealogy_edges (
		production_order_id TEXT NOT NULL REFERENCES production_orders(id),
		lot_id TEXT NOT NULL REFERENCES lots(id),
		role TEXT NOT NULL,
		quantity_kg TEXT NOT NULL,
		PRIMARY KEY (production_order_id, lot_id, role)
	);

	-- Genealogy traversal starts from a lot
	CREATE INDEX IF NOT EXISTS idx_edges_lot ON genealogy_edges(lot_id);

	CREATE TABLE IF NOT EXISTS loss_records (
		id TEXT PRIMARY KEY,
		production_order_id TEXT NOT NULL REFERENCES production_orders(id),
		loss_type TEXT NOT NULL,
		quantity_kg TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_losses_order ON loss_records(production_order_id);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		customer_id TEXT NOT NULL,
		quantity_kg TEXT NOT NULL,
		reserved_at TEXT NOT NULL,
		performed_by TEXT NOT NULL,
		cancelled_at TEXT,
		cancel_notes TEXT NOT NULL DEFAULT '',
		fulfilled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_lot ON reservations(lot_id);

	CREATE TABLE IF NOT EXISTS qa_checks (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		check_type TEXT NOT NULL,
		mode TEXT NOT NULL,
		passed INTEGER,
		pass_qty TEXT,
		fail_qty TEXT,
		notes TEXT NOT NULL DEFAULT '',
		performed_by TEXT NOT NULL,
		performed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_qa_checks_lot ON qa_checks(lot_id);

	CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		lot_id TEXT NOT NULL REFERENCES lots(id),
		customer_id TEXT NOT NULL,
		quantity_kg TEXT NOT NULL,
		sold_at TEXT NOT NULL,
		performed_by TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sales_lot ON sales(lot_id);

	CREATE TABLE IF NOT EXISTS offline_queue (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		client_txn_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		performed_by TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		conflict_reason TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		processed_at TEXT,
		resolution TEXT NOT NULL DEFAULT '',
		resolution_notes TEXT NOT NULL DEFAULT '',
		resolved_by TEXT NOT NULL DEFAULT '',
		resolved_at TEXT,
		UNIQUE (client_id, client_txn_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON offline_queue(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (engine.TxStore interface)
// =============================================================================

// WithTx runs fn inside one database transaction. It commits when fn
// returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// View runs fn inside a read transaction on the query-only pool. The
// transaction is always rolled back.
func (s *Store) View(ctx context.Context, fn func(engine.Store) error) error {
	tx, err := s.reads.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(&txStore{q: tx})
}

// txStore is an engine.Store bound to one *sqlx.Tx.
type txStore struct {
	q sqlx.ExtContext
}

// in expands a single IN (?) placeholder for ids.
func (t *txStore) in(query string, ids []string) (string, []any, error) {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build IN query: %w", err)
	}
	return t.q.Rebind(q), args, nil
}

// =============================================================================
// LOTS
// =============================================================================

const lotColumns = `id, code, item_id, supplier_id, location_id, state, received_qty, received_at,
	aging_started_at, ready_at, released_at, expires_at, version`

type lotRow struct {
	ID             string          `db:"id"`
	Code           string          `db:"code"`
	ItemID         string          `db:"item_id"`
	SupplierID     string          `db:"supplier_id"`
	LocationID     string          `db:"location_id"`
	State          string          `db:"state"`
	ReceivedQty    decimal.Decimal `db:"received_qty"`
	ReceivedAt     string          `db:"received_at"`
	AgingStartedAt sql.NullString  `db:"aging_started_at"`
	ReadyAt        sql.NullString  `db:"ready_at"`
	ReleasedAt     sql.NullString  `db:"released_at"`
	ExpiresAt      sql.NullString  `db:"expires_at"`
	Version        int64           `db:"version"`
}

func (r lotRow) lot() (engine.Lot, error) {
	var p timeParser
	lot := engine.Lot{
		ID:             r.ID,
		Code:           r.Code,
		ItemID:         r.ItemID,
		SupplierID:     r.SupplierID,
		LocationID:     r.LocationID,
		State:          engine.LotState(r.State),
		ReceivedQty:    r.ReceivedQty,
		ReceivedAt:     p.at(r.ReceivedAt),
		AgingStartedAt: p.opt(r.AgingStartedAt),
		ReadyAt:        p.opt(r.ReadyAt),
		ReleasedAt:     p.opt(r.ReleasedAt),
		ExpiresAt:      p.opt(r.ExpiresAt),
		Version:        r.Version,
	}
	return lot, p.err
}

func (t *txStore) CreateLot(ctx context.Context, lot engine.Lot) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.Code, lot.ItemID, lot.SupplierID, lot.LocationID, string(lot.State),
		lot.ReceivedQty.String(), formatTime(lot.ReceivedAt),
		formatOpt(lot.AgingStartedAt), formatOpt(lot.ReadyAt), formatOpt(lot.ReleasedAt), formatOpt(lot.ExpiresAt),
		lot.Version,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("lot %s (%s): %w", lot.ID, lot.Code, engine.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (t *txStore) GetLot(ctx context.Context, id string) (engine.Lot, error) {
	var row lotRow
	err := sqlx.GetContext(ctx, t.q, &row, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Lot{}, &engine.NotFoundError{Entity: "lot", ID: id}
	}
	if err != nil {
		return engine.Lot{}, fmt.Errorf("failed to get lot: %w", err)
	}
	return row.lot()
}

func (t *txStore) GetLots(ctx context.Context, ids []string) ([]engine.Lot, error) {
	if len(ids) == 0 {
		return []engine.Lot{}, nil
	}
	query, args, err := t.in(`SELECT `+lotColumns+` FROM lots WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []lotRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get lots: %w", err)
	}
	byID := make(map[string]lotRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	out := make([]engine.Lot, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, &engine.NotFoundError{Entity: "lot", ID: id}
		}
		lot, err := r.lot()
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, nil
}

func (t *txStore) UpdateLot(ctx context.Context, lot engine.Lot) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE lots SET
			item_id = ?, supplier_id = ?, location_id = ?, state = ?,
			aging_started_at = ?, ready_at = ?, released_at = ?, expires_at = ?,
			version = ?
		WHERE id = ? AND version = ?`,
		lot.ItemID, lot.SupplierID, lot.LocationID, string(lot.State),
		formatOpt(lot.AgingStartedAt), formatOpt(lot.ReadyAt), formatOpt(lot.ReleasedAt), formatOpt(lot.ExpiresAt),
		lot.Version, lot.ID, lot.Version-1,
	)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	if n == 1 {
		return nil
	}
	var current int64
	err = sqlx.GetContext(ctx, t.q, &current, `SELECT version FROM lots WHERE id = ?`, lot.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return &engine.NotFoundError{Entity: "lot", ID: lot.ID}
	}
	if err != nil {
		return fmt.Errorf("failed to read lot version: %w", err)
	}
	return fmt.Errorf("lot %s at version %d, write based on %d: %w",
		lot.ID, current, lot.Version-1, engine.ErrConcurrentModification)
}

func (t *txStore) ListLots(ctx context.Context, f engine.LotFilter) ([]engine.Lot, error) {
	var where []string
	var args []any
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, f.ItemID)
	}
	query := `SELECT ` + lotColumns + ` FROM lots`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []lotRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list lots: %w", err)
	}
	out := make([]engine.Lot, 0, len(rows))
	for _, r := range rows {
		lot, err := r.lot()
		if err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, nil
}

func (t *txStore) NextLotSeq(ctx context.Context, prefix, day string) (int, error) {
	var seq int
	err := sqlx.GetContext(ctx, t.q, &seq, `
		INSERT INTO lot_sequences (prefix, day, seq) VALUES (?, ?, 1)
		ON CONFLICT (prefix, day) DO UPDATE SET seq = seq + 1
		RETURNING seq`, prefix, day)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate lot sequence: %w", err)
	}
	return seq, nil
}

// =============================================================================
// LEDGER & EVENTS
// =============================================================================

type movementRow struct {
	ID           string          `db:"id"`
	LotID        string          `db:"lot_id"`
	Type         string          `db:"move_type"`
	Quantity     decimal.Decimal `db:"quantity_kg"`
	FromLocation string          `db:"from_location"`
	ToLocation   string          `db:"to_location"`
	OrderID      string          `db:"production_order_id"`
	MovedAt      string          `db:"moved_at"`
	PerformedBy  string          `db:"performed_by"`
}

func (t *txStore) AppendMovements(ctx context.Context, moves ...engine.Movement) error {
	for _, m := range moves {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO movements
			(id, lot_id, move_type, quantity_kg, from_location, to_location, production_order_id, moved_at, performed_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.LotID, string(m.Type), m.Quantity.String(), m.FromLocation, m.ToLocation,
			m.OrderID, formatTime(m.MovedAt), m.PerformedBy,
		)
		if err != nil {
			return fmt.Errorf("failed to append movement: %w", err)
		}
	}
	return nil
}

func (t *txStore) ListMovements(ctx context.Context, lotID string) ([]engine.Movement, error) {
	var rows []movementRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT id, lot_id, move_type, quantity_kg, from_location, to_location, production_order_id, moved_at, performed_by
		FROM movements WHERE lot_id = ? ORDER BY rowid`, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list movements: %w", err)
	}
	var p timeParser
	out := make([]engine.Movement, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.Movement{
			ID:           r.ID,
			LotID:        r.LotID,
			Type:         engine.MoveType(r.Type),
			Quantity:     r.Quantity,
			FromLocation: r.FromLocation,
			ToLocation:   r.ToLocation,
			OrderID:      r.OrderID,
			MovedAt:      p.at(r.MovedAt),
			PerformedBy:  r.PerformedBy,
		})
	}
	return out, p.err
}

type eventRow struct {
	ID          string `db:"id"`
	LotID       string `db:"lot_id"`
	EventType   string `db:"event_type"`
	Notes       string `db:"notes"`
	PerformedBy string `db:"performed_by"`
	PerformedAt string `db:"performed_at"`
}

func (t *txStore) AppendEvents(ctx context.Context, events ...engine.LotEvent) error {
	for _, ev := range events {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO lot_events (id, lot_id, event_type, notes, performed_by, performed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.LotID, ev.EventType, ev.Notes, ev.PerformedBy, formatTime(ev.PerformedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	return nil
}

func (t *txStore) ListEvents(ctx context.Context, lotID string) ([]engine.LotEvent, error) {
	var rows []eventRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT id, lot_id, event_type, notes, performed_by, performed_at
		FROM lot_events WHERE lot_id = ? ORDER BY rowid`, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	var p timeParser
	out := make([]engine.LotEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.LotEvent{
			ID:          r.ID,
			LotID:       r.LotID,
			EventType:   r.EventType,
			Notes:       r.Notes,
			PerformedBy: r.PerformedBy,
			PerformedAt: p.at(r.PerformedAt),
		})
	}
	return out, p.err
}

// =============================================================================
// PRODUCTION & GENEALOGY
// =============================================================================

type orderRow struct {
	ID          string `db:"id"`
	ProcessType string `db:"process_type"`
	IsRework    bool   `db:"is_rework"`
	ProfileID   string `db:"profile_id"`
	StartedAt   string `db:"started_at"`
	Notes       string `db:"notes"`
	PerformedBy string `db:"performed_by"`
}

type edgeRow struct {
	OrderID  string          `db:"production_order_id"`
	LotID    string          `db:"lot_id"`
	Role     string          `db:"role"`
	Quantity decimal.Decimal `db:"quantity_kg"`
}

func (r edgeRow) edge() engine.GenealogyEdge {
	return engine.GenealogyEdge{OrderID: r.OrderID, LotID: r.LotID, Role: engine.EdgeRole(r.Role), Quantity: r.Quantity}
}

type lossRow struct {
	ID       string          `db:"id"`
	OrderID  string          `db:"production_order_id"`
	LossType string          `db:"loss_type"`
	Quantity decimal.Decimal `db:"quantity_kg"`
	Notes    string          `db:"notes"`
}

func (t *txStore) CreateOrder(ctx context.Context, o engine.ProductionOrder) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO production_orders (id, process_type, is_rework, profile_id, started_at, notes, performed_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.ProcessType), o.IsRework, o.ProfileID, formatTime(o.StartedAt), o.Notes, o.PerformedBy,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("production order %s: %w", o.ID, engine.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert production order: %w", err)
	}
	for _, e := range o.Edges {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO genealogy_edges (production_order_id, lot_id, role, quantity_kg)
			VALUES (?, ?, ?, ?)`,
			o.ID, e.LotID, string(e.Role), e.Quantity.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert genealogy edge for lot %s: %w", e.LotID, err)
		}
	}
	for _, l := range o.Losses {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO loss_records (id, production_order_id, loss_type, quantity_kg, notes)
			VALUES (?, ?, ?, ?, ?)`,
			l.ID, o.ID, l.LossType, l.Quantity.String(), l.Notes,
		)
		if err != nil {
			return fmt.Errorf("failed to insert loss record: %w", err)
		}
	}
	return nil
}

func (t *txStore) GetOrder(ctx context.Context, id string) (engine.ProductionOrder, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, t.q, &row, `
		SELECT id, process_type, is_rework, profile_id, started_at, notes, performed_by
		FROM production_orders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ProductionOrder{}, &engine.NotFoundError{Entity: "production order", ID: id}
	}
	if err != nil {
		return engine.ProductionOrder{}, fmt.Errorf("failed to get production order: %w", err)
	}
	edges, err := t.EdgesForOrders(ctx, []string{id})
	if err != nil {
		return engine.ProductionOrder{}, err
	}
	var losses []lossRow
	err = sqlx.SelectContext(ctx, t.q, &losses, `
		SELECT id, production_order_id, loss_type, quantity_kg, notes
		FROM loss_records WHERE production_order_id = ? ORDER BY rowid`, id)
	if err != nil {
		return engine.ProductionOrder{}, fmt.Errorf("failed to list losses: %w", err)
	}

	var p timeParser
	o := engine.ProductionOrder{
		ID:          row.ID,
		ProcessType: engine.ProcessType(row.ProcessType),
		IsRework:    row.IsRework,
		ProfileID:   row.ProfileID,
		StartedAt:   p.at(row.StartedAt),
		Notes:       row.Notes,
		PerformedBy: row.PerformedBy,
		Edges:       edges,
		Losses:      make([]engine.LossRecord, 0, len(losses)),
	}
	for _, l := range losses {
		o.Losses = append(o.Losses, engine.LossRecord{ID: l.ID, OrderID: l.OrderID, LossType: l.LossType, Quantity: l.Quantity, Notes: l.Notes})
	}
	return o, p.err
}

func (t *txStore) EdgesForLots(ctx context.Context, lotIDs []string) ([]engine.GenealogyEdge, error) {
	return t.edges(ctx, "lot_id", lotIDs)
}

func (t *txStore) EdgesForOrders(ctx context.Context, orderIDs []string) ([]engine.GenealogyEdge, error) {
	return t.edges(ctx, "production_order_id", orderIDs)
}

func (t *txStore) edges(ctx context.Context, column string, ids []string) ([]engine.GenealogyEdge, error) {
	if len(ids) == 0 {
		return []engine.GenealogyEdge{}, nil
	}
	query, args, err := t.in(`
		SELECT production_order_id, lot_id, role, quantity_kg
		FROM genealogy_edges WHERE `+column+` IN (?) ORDER BY rowid`, ids)
	if err != nil {
		return nil, err
	}
	var rows []edgeRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list genealogy edges: %w", err)
	}
	out := make([]engine.GenealogyEdge, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.edge())
	}
	return out, nil
}

// =============================================================================
// RESERVATIONS, QA, SALES
// =============================================================================

const reservationColumns = `id, lot_id, customer_id, quantity_kg, reserved_at, performed_by,
	cancelled_at, cancel_notes, fulfilled_at`

type reservationRow struct {
	ID          string          `db:"id"`
	LotID       string          `db:"lot_id"`
	CustomerID  string          `db:"customer_id"`
	Quantity    decimal.Decimal `db:"quantity_kg"`
	ReservedAt  string          `db:"reserved_at"`
	PerformedBy string          `db:"performed_by"`
	CancelledAt sql.NullString  `db:"cancelled_at"`
	CancelNotes string          `db:"cancel_notes"`
	FulfilledAt sql.NullString  `db:"fulfilled_at"`
}

func (r reservationRow) reservation(p *timeParser) engine.Reservation {
	return engine.Reservation{
		ID:          r.ID,
		LotID:       r.LotID,
		CustomerID:  r.CustomerID,
		Quantity:    r.Quantity,
		ReservedAt:  p.at(r.ReservedAt),
		PerformedBy: r.PerformedBy,
		CancelledAt: p.opt(r.CancelledAt),
		CancelNotes: r.CancelNotes,
		FulfilledAt: p.opt(r.FulfilledAt),
	}
}

func (t *txStore) CreateReservation(ctx context.Context, r engine.Reservation) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LotID, r.CustomerID, r.Quantity.String(), formatTime(r.ReservedAt), r.PerformedBy,
		formatOpt(r.CancelledAt), r.CancelNotes, formatOpt(r.FulfilledAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("reservation %s: %w", r.ID, engine.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (t *txStore) GetReservation(ctx context.Context, id string) (engine.Reservation, error) {
	var row reservationRow
	err := sqlx.GetContext(ctx, t.q, &row, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Reservation{}, &engine.NotFoundError{Entity: "reservation", ID: id}
	}
	if err != nil {
		return engine.Reservation{}, fmt.Errorf("failed to get reservation: %w", err)
	}
	var p timeParser
	r := row.reservation(&p)
	return r, p.err
}

func (t *txStore) UpdateReservation(ctx context.Context, r engine.Reservation) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE reservations SET quantity_kg = ?, cancelled_at = ?, cancel_notes = ?, fulfilled_at = ?
		WHERE id = ?`,
		r.Quantity.String(), formatOpt(r.CancelledAt), r.CancelNotes, formatOpt(r.FulfilledAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Entity: "reservation", ID: r.ID}
	}
	return nil
}

func (t *txStore) ListReservations(ctx context.Context, lotIDs []string) ([]engine.Reservation, error) {
	if len(lotIDs) == 0 {
		return []engine.Reservation{}, nil
	}
	query, args, err := t.in(`SELECT `+reservationColumns+` FROM reservations WHERE lot_id IN (?) ORDER BY rowid`, lotIDs)
	if err != nil {
		return nil, err
	}
	var rows []reservationRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	var p timeParser
	out := make([]engine.Reservation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.reservation(&p))
	}
	return out, p.err
}

type qaRow struct {
	ID          string              `db:"id"`
	LotID       string              `db:"lot_id"`
	CheckType   string              `db:"check_type"`
	Mode        string              `db:"mode"`
	Passed      sql.NullBool        `db:"passed"`
	PassQty     decimal.NullDecimal `db:"pass_qty"`
	FailQty     decimal.NullDecimal `db:"fail_qty"`
	Notes       string              `db:"notes"`
	PerformedBy string              `db:"performed_by"`
	PerformedAt string              `db:"performed_at"`
}

func (t *txStore) CreateQACheck(ctx context.Context, c engine.QACheck) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO qa_checks (id, lot_id, check_type, mode, passed, pass_qty, fail_qty, notes, performed_by, performed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.LotID, c.CheckType, string(c.Mode), nullBool(c.Passed), nullDecimal(c.PassQty), nullDecimal(c.FailQty),
		c.Notes, c.PerformedBy, formatTime(c.PerformedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert QA check: %w", err)
	}
	return nil
}

func (t *txStore) ListQAChecks(ctx context.Context, lotID string) ([]engine.QACheck, error) {
	var rows []qaRow
	err := sqlx.SelectContext(ctx, t.q, &rows, `
		SELECT id, lot_id, check_type, mode, passed, pass_qty, fail_qty, notes, performed_by, performed_at
		FROM qa_checks WHERE lot_id = ? ORDER BY rowid`, lotID)
	if err != nil {
		return nil, fmt.Errorf("failed to list QA checks: %w", err)
	}
	var p timeParser
	out := make([]engine.QACheck, 0, len(rows))
	for _, r := range rows {
		c := engine.QACheck{
			ID:          r.ID,
			LotID:       r.LotID,
			CheckType:   r.CheckType,
			Mode:        engine.QAMode(r.Mode),
			Notes:       r.Notes,
			PerformedBy: r.PerformedBy,
			PerformedAt: p.at(r.PerformedAt),
		}
		if r.Passed.Valid {
			c.Passed = &r.Passed.Bool
		}
		if r.PassQty.Valid {
			c.PassQty = &r.PassQty.Decimal
		}
		if r.FailQty.Valid {
			c.FailQty = &r.FailQty.Decimal
		}
		out = append(out, c)
	}
	return out, p.err
}

type saleRow struct {
	ID          string          `db:"id"`
	LotID       string          `db:"lot_id"`
	CustomerID  string          `db:"customer_id"`
	Quantity    decimal.Decimal `db:"quantity_kg"`
	SoldAt      string          `db:"sold_at"`
	PerformedBy string          `db:"performed_by"`
}

func (t *txStore) CreateSale(ctx context.Context, sale engine.Sale) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO sales (id, lot_id, customer_id, quantity_kg, sold_at, performed_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sale.ID, sale.LotID, sale.CustomerID, sale.Quantity.String(), formatTime(sale.SoldAt), sale.PerformedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

func (t *txStore) ListSales(ctx context.Context, lotIDs []string) ([]engine.Sale, error) {
	if len(lotIDs) == 0 {
		return []engine.Sale{}, nil
	}
	query, args, err := t.in(`
		SELECT id, lot_id, customer_id, quantity_kg, sold_at, performed_by
		FROM sales WHERE lot_id IN (?) ORDER BY rowid`, lotIDs)
	if err != nil {
		return nil, err
	}
	var rows []saleRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sales: %w", err)
	}
	var p timeParser
	out := make([]engine.Sale, 0, len(rows))
	for _, r := range rows {
		out = append(out, engine.Sale{
			ID:          r.ID,
			LotID:       r.LotID,
			CustomerID:  r.CustomerID,
			Quantity:    r.Quantity,
			SoldAt:      p.at(r.SoldAt),
			PerformedBy: r.PerformedBy,
		})
	}
	return out, p.err
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

const queueColumns = `id, client_id, client_txn_id, seq, action_type, payload, performed_by, status,
	conflict_reason, error_kind, created_at, processed_at, resolution, resolution_notes, resolved_by, resolved_at`

type queueRow struct {
	ID             string         `db:"id"`
	ClientID       string         `db:"client_id"`
	ClientTxnID    string         `db:"client_txn_id"`
	Seq            int            `db:"seq"`
	ActionType     string         `db:"action_type"`
	Payload        string         `db:"payload"`
	PerformedBy    string         `db:"performed_by"`
	Status         string         `db:"status"`
	ConflictReason string         `db:"conflict_reason"`
	ErrorKind      string         `db:"error_kind"`
	CreatedAt      string         `db:"created_at"`
	ProcessedAt    sql.NullString `db:"processed_at"`
	Resolution     string         `db:"resolution"`
	ResolutionNote string         `db:"resolution_notes"`
	ResolvedBy     string         `db:"resolved_by"`
	ResolvedAt     sql.NullString `db:"resolved_at"`
}

func (r queueRow) entry(p *timeParser) engine.OfflineQueueEntry {
	return engine.OfflineQueueEntry{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ClientTxnID:    r.ClientTxnID,
		Seq:            r.Seq,
		ActionType:     engine.ActionType(r.ActionType),
		Payload:        json.RawMessage(r.Payload),
		PerformedBy:    r.PerformedBy,
		Status:         engine.QueueStatus(r.Status),
		ConflictReason: r.ConflictReason,
		ErrorKind:      r.ErrorKind,
		CreatedAt:      p.at(r.CreatedAt),
		ProcessedAt:    p.opt(r.ProcessedAt),
		Resolution:     r.Resolution,
		ResolutionNote: r.ResolutionNote,
		ResolvedBy:     r.ResolvedBy,
		ResolvedAt:     p.opt(r.ResolvedAt),
	}
}

func (t *txStore) queryQueue(ctx context.Context, query string, args ...any) ([]engine.OfflineQueueEntry, error) {
	var rows []queueRow
	if err := sqlx.SelectContext(ctx, t.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query offline queue: %w", err)
	}
	var p timeParser
	out := make([]engine.OfflineQueueEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry(&p))
	}
	return out, p.err
}

func (t *txStore) CreateQueueEntries(ctx context.Context, entries []engine.OfflineQueueEntry) error {
	for _, e := range entries {
		_, err := t.q.ExecContext(ctx, `
			INSERT INTO offline_queue (`+queueColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.ClientID, e.ClientTxnID, e.Seq, string(e.ActionType), string(e.Payload), e.PerformedBy,
			string(e.Status), e.ConflictReason, e.ErrorKind, formatTime(e.CreatedAt), formatOpt(e.ProcessedAt),
			e.Resolution, e.ResolutionNote, e.ResolvedBy, formatOpt(e.ResolvedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("queue entry %s/%s/%d: %w", e.ClientID, e.ClientTxnID, e.Seq, engine.ErrDuplicate)
		}
		if err != nil {
			return fmt.Errorf("failed to insert queue entry: %w", err)
		}
	}
	return nil
}

func (t *txStore) GetQueueEntry(ctx context.Context, id string) (engine.OfflineQueueEntry, error) {
	out, err := t.queryQueue(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE id = ?`, id)
	if err != nil {
		return engine.OfflineQueueEntry{}, err
	}
	if len(out) == 0 {
		return engine.OfflineQueueEntry{}, &engine.NotFoundError{Entity: "queue entry", ID: id}
	}
	return out[0], nil
}

func (t *txStore) UpdateQueueEntry(ctx context.Context, e engine.OfflineQueueEntry) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE offline_queue SET
			status = ?, conflict_reason = ?, error_kind = ?, processed_at = ?,
			resolution = ?, resolution_notes = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?`,
		string(e.Status), e.ConflictReason, e.ErrorKind, formatOpt(e.ProcessedAt),
		e.Resolution, e.ResolutionNote, e.ResolvedBy, formatOpt(e.ResolvedAt), e.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &engine.NotFoundError{Entity: "queue entry", ID: e.ID}
	}
	return nil
}

func (t *txStore) ListTxnEntries(ctx context.Context, clientID, txnID string) ([]engine.OfflineQueueEntry, error) {
	return t.queryQueue(ctx, `
		SELECT `+queueColumns+` FROM offline_queue
		WHERE client_id = ? AND client_txn_id = ? ORDER BY seq`, clientID, txnID)
}

func (t *txStore) ListQueue(ctx context.Context, clientID string, status engine.QueueStatus, limit int) ([]engine.OfflineQueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM offline_queue WHERE client_id = ?`
	args := []any{clientID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY rowid`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return t.queryQueue(ctx, query, args...)
}

func (t *txStore) ListConflicts(ctx context.Context) ([]engine.OfflineQueueEntry, error) {
	return t.queryQueue(ctx, `SELECT `+queueColumns+` FROM offline_queue WHERE status = ? ORDER BY rowid`,
		string(engine.QueueConflict))
}

func (t *txStore) PendingClients(ctx context.Context) ([]string, error) {
	out := []string{}
	err := sqlx.SelectContext(ctx, t.q, &out, `
		SELECT DISTINCT client_id FROM offline_queue WHERE status = ? ORDER BY client_id`,
		string(engine.QueuePending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending clients: %w", err)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOpt(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

// timeParser parses stored timestamps and keeps the first failure.
type timeParser struct {
	err error
}

func (p *timeParser) at(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t
}

func (p *timeParser) opt(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := p.at(ns.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
