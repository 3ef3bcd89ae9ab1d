/*
engine.go - Engine wiring and the atomic mutation protocol

PURPOSE:
  Engine is the single entry point for every operation on lots. It owns the
  store, the lot locker, the clock, logging and metrics.

MUTATION PROTOCOL:
  1. Lock every lot the operation touches, in sorted order
  2. Run validation and all writes inside one store transaction
  3. If the store reports ErrConcurrentModification, run the whole
     transaction once more from a fresh read
  4. Unlock, record metrics

  Validation never happens on a snapshot taken outside the transaction, so
  no operation commits against stale quantities.

USAGE:
  eng := engine.New(store.NewMemory(), engine.Options{})
  lot, err := eng.Receive(ctx, engine.ReceiveRequest{...})
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// Clock returns the current time.
type Clock func() time.Time

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Clock     Clock
	Logger    logrus.FieldLogger
	Recorder  Recorder
	Locker    LotLocker
	Reference ReferenceData
}

// Engine applies lot operations against a TxStore.
type Engine struct {
	store    TxStore
	clock    Clock
	log      logrus.FieldLogger
	rec      Recorder
	locker   LotLocker
	ref      ReferenceData
	validate *validator.Validate
	clients  *KeyedMutex
}

// New creates an engine over store.
func New(store TxStore, opts Options) *Engine {
	e := &Engine{
		store:    store,
		clock:    opts.Clock,
		log:      opts.Logger,
		rec:      opts.Recorder,
		locker:   opts.Locker,
		ref:      opts.Reference,
		validate: sharedValidator,
		clients:  NewKeyedMutex(),
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		e.log = l
	}
	if e.rec == nil {
		e.rec = NopRecorder{}
	}
	if e.locker == nil {
		e.locker = NewKeyedMutex()
	}
	if e.ref == nil {
		e.ref = OpenReference{}
	}
	return e
}

// Reference returns the engine's reference data.
func (e *Engine) Reference() ReferenceData { return e.ref }

func (e *Engine) now() time.Time { return e.clock().UTC() }

// mutate runs fn in a transaction while holding locks on lotIDs. fn may be
// invoked twice and must not carry state between invocations.
func (e *Engine) mutate(ctx context.Context, op string, lotIDs []string, fn func(Store) error) (err error) {
	start := time.Now()
	defer func() {
		e.rec.Observe(ctx, op, err == nil, time.Since(start))
		e.logResult(op, lotIDs, err)
	}()

	unlock, err := e.locker.Lock(ctx, lotIDs)
	if err != nil {
		return err
	}
	defer unlock()

	err = e.store.WithTx(ctx, fn)
	if errors.Is(err, ErrConcurrentModification) {
		e.log.WithFields(logrus.Fields{"op": op, "lots": lotIDs}).Warn("concurrent modification, retrying")
		err = e.store.WithTx(ctx, fn)
	}
	return err
}

func (e *Engine) logResult(op string, lotIDs []string, err error) {
	entry := e.log.WithFields(logrus.Fields{"op": op, "lots": lotIDs})
	switch {
	case err == nil:
		entry.Info("committed")
	case Kind(err) != "":
		entry.WithField("kind", Kind(err)).Warn(err.Error())
	default:
		entry.WithError(err).Error("operation failed")
	}
}

// check validates req with struct tags.
func (e *Engine) check(req any) error {
	return validateStruct(e.validate, req)
}

// lotCode allocates the next human-readable code for prefix on the day of at.
func lotCode(ctx context.Context, s Store, prefix string, at time.Time) (string, error) {
	day := at.Format("20060102")
	n, err := s.NextLotSeq(ctx, prefix, day)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, day, n), nil
}

// =============================================================================
// LOT READS
// =============================================================================

// Lot returns one lot.
func (e *Engine) Lot(ctx context.Context, id string) (Lot, error) {
	var lot Lot
	err := e.store.View(ctx, func(s Store) error {
		var err error
		lot, err = s.GetLot(ctx, id)
		return err
	})
	return lot, err
}

// Lots lists lots matching filter.
func (e *Engine) Lots(ctx context.Context, filter LotFilter) ([]Lot, error) {
	var lots []Lot
	err := e.store.View(ctx, func(s Store) error {
		var err error
		lots, err = s.ListLots(ctx, filter)
		return err
	})
	return lots, err
}

// Events returns a lot's audit trail.
func (e *Engine) Events(ctx context.Context, lotID string) ([]LotEvent, error) {
	var out []LotEvent
	err := e.store.View(ctx, func(s Store) error {
		if _, err := s.GetLot(ctx, lotID); err != nil {
			return err
		}
		var err error
		out, err = s.ListEvents(ctx, lotID)
		return err
	})
	return out, err
}
