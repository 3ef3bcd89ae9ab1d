/*
offline.go - Offline reconciliation queue

PURPOSE:
  Clients that lose connectivity queue actions locally and submit them
  later. The server stores them idempotently and applies them through the
  same transaction functions the online operations use.

IDEMPOTENCY:
  Entries are keyed by (client_id, client_txn_id, seq). Resubmitting a txn
  that is already stored returns the stored entries with their recorded
  outcome and writes nothing.

APPLY:
  Pending entries are taken in submission order. Entries sharing a
  client_txn_id form one group applied in a single transaction: all
  applied, or none. Each group ends in one of:

    applied   every action committed
    conflict  state or quantity changed since queuing (kept for review,
              never retried automatically)
    rejected  the payload can never succeed (decode, validation, mass
              balance, unknown action type)

  A group's conflict or rejection does not stop later groups. A storage
  failure does: the group stays pending and the error is returned.

  Groups of one client are applied one at a time. Different clients may be
  applied concurrently.

SEE ALSO:
  - api/scheduler.go: Periodic apply across clients
*/
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// QueuedAction is one client-originated action.
type QueuedAction struct {
	ClientTxnID string          `json:"client_txn_id" validate:"required"`
	ActionType  ActionType      `json:"action_type" validate:"required"`
	Payload     json.RawMessage `json:"payload" validate:"required"`
}

// EnqueueRequest submits a client's batch.
type EnqueueRequest struct {
	ClientID    string         `json:"client_id" validate:"required"`
	PerformedBy string         `json:"performed_by,omitempty"`
	Actions     []QueuedAction `json:"actions" validate:"required,min=1,dive"`
}

// ApplyResult summarizes one ApplyQueue run.
type ApplyResult struct {
	ClientID  string              `json:"client_id"`
	Applied   int                 `json:"applied"`
	Conflicts int                 `json:"conflicts"`
	Rejected  int                 `json:"rejected"`
	Entries   []OfflineQueueEntry `json:"entries"`
}

// =============================================================================
// ENQUEUE
// =============================================================================

// Enqueue stores a batch. Actions are grouped by client_txn_id in
// submission order; a txn that already exists is returned as stored.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) ([]OfflineQueueEntry, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	var txnOrder []string
	groups := make(map[string][]QueuedAction)
	for _, a := range req.Actions {
		if _, ok := groups[a.ClientTxnID]; !ok {
			txnOrder = append(txnOrder, a.ClientTxnID)
		}
		groups[a.ClientTxnID] = append(groups[a.ClientTxnID], a)
	}

	var out []OfflineQueueEntry
	err := e.mutate(ctx, "offline_enqueue", nil, func(s Store) error {
		out = nil
		now := e.now()
		for _, txn := range txnOrder {
			existing, err := s.ListTxnEntries(ctx, req.ClientID, txn)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				out = append(out, existing...)
				continue
			}
			entries := make([]OfflineQueueEntry, 0, len(groups[txn]))
			for i, a := range groups[txn] {
				entries = append(entries, OfflineQueueEntry{
					ID:          uuid.NewString(),
					ClientID:    req.ClientID,
					ClientTxnID: txn,
					Seq:         i,
					ActionType:  a.ActionType,
					Payload:     a.Payload,
					PerformedBy: req.PerformedBy,
					Status:      QueuePending,
					CreatedAt:   now,
				})
			}
			if err := s.CreateQueueEntries(ctx, entries); err != nil {
				return err
			}
			out = append(out, entries...)
		}
		return nil
	})
	return out, err
}

// =============================================================================
// APPLY
// =============================================================================

// ApplyQueue applies up to limit pending entries of clientID. Groups are
// never split, so the last group may take the count past limit. limit <= 0
// applies everything pending.
func (e *Engine) ApplyQueue(ctx context.Context, clientID string, limit int) (*ApplyResult, error) {
	unlock, err := e.clients.Lock(ctx, []string{clientID})
	if err != nil {
		return nil, err
	}
	defer unlock()

	var pending []OfflineQueueEntry
	err = e.store.View(ctx, func(s Store) error {
		var err error
		pending, err = s.ListQueue(ctx, clientID, QueuePending, 0)
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &ApplyResult{ClientID: clientID, Entries: []OfflineQueueEntry{}}
	processed := 0
	for _, group := range groupByTxn(pending) {
		if limit > 0 && processed >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		done, err := e.applyGroup(ctx, group)
		if err != nil {
			return res, err
		}
		processed += len(done)
		switch done[0].Status {
		case QueueApplied:
			res.Applied += len(done)
		case QueueConflict:
			res.Conflicts += len(done)
		case QueueRejected:
			res.Rejected += len(done)
		}
		res.Entries = append(res.Entries, done...)
	}
	return res, nil
}

func groupByTxn(entries []OfflineQueueEntry) [][]OfflineQueueEntry {
	idx := make(map[string]int)
	var groups [][]OfflineQueueEntry
	for _, en := range entries {
		i, ok := idx[en.ClientTxnID]
		if !ok {
			i = len(groups)
			idx[en.ClientTxnID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], en)
	}
	return groups
}

// applyGroup commits one txn group and records its outcome.
func (e *Engine) applyGroup(ctx context.Context, group []OfflineQueueEntry) ([]OfflineQueueEntry, error) {
	actions := make([]any, len(group))
	var lots []string
	for i, en := range group {
		act, err := e.decodeAction(en)
		if err != nil {
			return e.finishGroup(ctx, group, QueueRejected, err)
		}
		actions[i] = act
		lots = append(lots, actionLots(act)...)
	}

	var applied []OfflineQueueEntry
	err := e.mutate(ctx, "offline_apply", lots, func(s Store) error {
		applied = make([]OfflineQueueEntry, len(group))
		for i, en := range group {
			if err := e.applyAction(ctx, s, actions[i]); err != nil {
				return fmt.Errorf("%s action %d: %w", en.ActionType, en.Seq, err)
			}
		}
		now := e.now()
		for i, en := range group {
			en.Status = QueueApplied
			en.ProcessedAt = &now
			en.ConflictReason, en.ErrorKind = "", ""
			if err := s.UpdateQueueEntry(ctx, en); err != nil {
				return err
			}
			applied[i] = en
		}
		return nil
	})
	switch {
	case err == nil:
		return applied, nil
	case IsRejection(err):
		return e.finishGroup(ctx, group, QueueRejected, err)
	case IsConflict(err):
		return e.finishGroup(ctx, group, QueueConflict, err)
	default:
		return nil, err
	}
}

// finishGroup records a failed outcome for every entry of the group.
func (e *Engine) finishGroup(ctx context.Context, group []OfflineQueueEntry, status QueueStatus, cause error) ([]OfflineQueueEntry, error) {
	out := make([]OfflineQueueEntry, len(group))
	err := e.store.WithTx(ctx, func(s Store) error {
		now := e.now()
		for i, en := range group {
			en.Status = status
			en.ConflictReason = cause.Error()
			en.ErrorKind = Kind(cause)
			en.ProcessedAt = &now
			if err := s.UpdateQueueEntry(ctx, en); err != nil {
				return err
			}
			out[i] = en
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"client_id": group[0].ClientID,
		"txn_id":    group[0].ClientTxnID,
		"status":    status,
	}).Warn(cause.Error())
	return out, nil
}

// =============================================================================
// ACTION VARIANTS
// =============================================================================

// decodeAction parses and validates an entry's payload into the request
// type for its action.
func (e *Engine) decodeAction(en OfflineQueueEntry) (any, error) {
	by := en.PerformedBy
	if by == "" {
		by = en.ClientID
	}
	switch en.ActionType {
	case ActionReceiving:
		req, err := decodeStrict[ReceiveRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		return req, e.check(req)
	case ActionBreakdown:
		req, err := decodeStrict[BreakdownRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		return req, e.validateBreakdown(req)
	case ActionRework:
		req, err := decodeStrict[ReworkRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		return req, e.validateRework(req)
	case ActionMixing:
		req, err := decodeStrict[MixRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		return req, e.validateMix(req)
	case ActionSale:
		req, err := decodeStrict[SaleRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		if err := e.check(req); err != nil {
			return nil, err
		}
		return req, e.requireCustomer("customer_id", req.CustomerID)
	case ActionReservation:
		req, err := decodeStrict[ReserveRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		if err := e.check(req); err != nil {
			return nil, err
		}
		return req, e.requireCustomer("customer_id", req.CustomerID)
	case ActionQACheck:
		req, err := decodeStrict[QACheckRequest](en.Payload)
		if err != nil {
			return nil, err
		}
		req.PerformedBy = orDefault(req.PerformedBy, by)
		return req, e.validateCheck(req)
	}
	return nil, invalid("action_type", "unknown action type %q", en.ActionType)
}

func decodeStrict[T any](payload json.RawMessage) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, &ValidationError{Field: "payload", Message: err.Error()}
	}
	return v, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// actionLots returns the existing lots an action writes to.
func actionLots(act any) []string {
	switch req := act.(type) {
	case BreakdownRequest:
		return []string{req.InputLotID}
	case ReworkRequest:
		return []string{req.InputLotID}
	case MixRequest:
		ids := make([]string, len(req.Inputs))
		for i, in := range req.Inputs {
			ids[i] = in.LotID
		}
		return ids
	case SaleRequest:
		return []string{req.LotID}
	case ReserveRequest:
		return []string{req.LotID}
	case QACheckRequest:
		return []string{req.LotID}
	}
	return nil
}

// applyAction runs the transaction body of the online operation for act.
func (e *Engine) applyAction(ctx context.Context, s Store, act any) error {
	var err error
	switch req := act.(type) {
	case ReceiveRequest:
		_, err = e.receiveTx(ctx, s, req)
	case BreakdownRequest:
		_, err = e.breakdownTx(ctx, s, req)
	case ReworkRequest:
		_, err = e.reworkTx(ctx, s, req)
	case MixRequest:
		_, err = e.mixTx(ctx, s, req)
	case SaleRequest:
		_, err = e.sellTx(ctx, s, req)
	case ReserveRequest:
		_, err = e.reserveTx(ctx, s, req)
	case QACheckRequest:
		_, err = e.checkTx(ctx, s, req)
	default:
		err = invalid("action_type", "unsupported action %T", act)
	}
	return err
}

// =============================================================================
// REVIEW
// =============================================================================

// Resolutions for a conflicted txn.
const (
	ResolveReject  = "reject"
	ResolveRequeue = "requeue"
)

// ResolveConflictRequest closes a conflict after supervisor review.
type ResolveConflictRequest struct {
	EntryID    string `json:"entry_id" validate:"required"`
	Action     string `json:"action" validate:"required,oneof=reject requeue"`
	Notes      string `json:"notes" validate:"required"`
	ResolvedBy string `json:"resolved_by" validate:"required"`
}

// ResolveConflict resolves every entry of the conflicted entry's txn.
// reject makes the outcome final; requeue returns the group to pending so
// the next apply retries it against current state.
func (e *Engine) ResolveConflict(ctx context.Context, req ResolveConflictRequest) ([]OfflineQueueEntry, error) {
	if err := e.check(req); err != nil {
		return nil, err
	}
	if err := requireNotes("notes", req.Notes); err != nil {
		return nil, err
	}
	var target OfflineQueueEntry
	err := e.store.View(ctx, func(s Store) error {
		var err error
		target, err = s.GetQueueEntry(ctx, req.EntryID)
		return err
	})
	if err != nil {
		return nil, err
	}

	unlock, err := e.clients.Lock(ctx, []string{target.ClientID})
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []OfflineQueueEntry
	err = e.mutate(ctx, "offline_resolve", nil, func(s Store) error {
		group, err := s.ListTxnEntries(ctx, target.ClientID, target.ClientTxnID)
		if err != nil {
			return err
		}
		out = make([]OfflineQueueEntry, 0, len(group))
		now := e.now()
		for _, en := range group {
			if en.Status != QueueConflict {
				return invalid("entry_id", "txn %s is %s, not in conflict", en.ClientTxnID, en.Status)
			}
			en.Resolution = req.Action
			en.ResolutionNote = req.Notes
			en.ResolvedBy = req.ResolvedBy
			en.ResolvedAt = &now
			if req.Action == ResolveReject {
				en.Status = QueueRejected
			} else {
				en.Status = QueuePending
				en.ProcessedAt = nil
			}
			if err := s.UpdateQueueEntry(ctx, en); err != nil {
				return err
			}
			out = append(out, en)
		}
		return nil
	})
	return out, err
}

// QueueEntries lists a client's entries, optionally filtered by status.
func (e *Engine) QueueEntries(ctx context.Context, clientID string, status QueueStatus) ([]OfflineQueueEntry, error) {
	var out []OfflineQueueEntry
	err := e.store.View(ctx, func(s Store) error {
		var err error
		out, err = s.ListQueue(ctx, clientID, status, 0)
		return err
	})
	return out, err
}

// Conflicts lists every entry awaiting review.
func (e *Engine) Conflicts(ctx context.Context) ([]OfflineQueueEntry, error) {
	var out []OfflineQueueEntry
	err := e.store.View(ctx, func(s Store) error {
		var err error
		out, err = s.ListConflicts(ctx)
		return err
	})
	return out, err
}

// PendingClients lists clients with pending entries.
func (e *Engine) PendingClients(ctx context.Context) ([]string, error) {
	var out []string
	err := e.store.View(ctx, func(s Store) error {
		var err error
		out, err = s.PendingClients(ctx)
		return err
	})
	return out, err
}
