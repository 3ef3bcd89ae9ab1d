/*
scheduler.go - Periodic offline queue sync

PURPOSE:
  Floor tablets enqueue actions while disconnected. The scheduler applies
  them on a timer so no one has to call /api/offline/sync by hand.

DESIGN:
  - One background goroutine ticking at Interval
  - Each tick lists clients with pending entries and applies up to Batch
    entries per client
  - Clients run concurrently (bounded by Workers); one client's entries are
    applied in order by the engine
  - A failing client is logged and retried on the next tick

USAGE:
  s := NewOfflineSyncScheduler(eng, log)
  s.Interval = time.Minute
  s.Start()
  defer s.Stop()

SEE ALSO:
  - handlers.go: SyncOffline endpoint (manual sync)
  - engine/offline.go: ApplyQueue
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/warp/lotledger/engine"
)

// OfflineSyncScheduler applies pending offline entries periodically.
type OfflineSyncScheduler struct {
	Engine   *engine.Engine
	Log      logrus.FieldLogger
	Interval time.Duration
	Batch    int
	Workers  int
	// OnResult observes each client's result.
	OnResult func(engine.ApplyResult)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOfflineSyncScheduler creates a scheduler with a one minute interval.
func NewOfflineSyncScheduler(eng *engine.Engine, log logrus.FieldLogger) *OfflineSyncScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OfflineSyncScheduler{
		Engine:   eng,
		Log:      log.WithField("component", "offline_sync"),
		Interval: time.Minute,
		Batch:    100,
		Workers:  4,
	}
}

// Start begins ticking. A non-positive Interval leaves the scheduler off.
func (s *OfflineSyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Log.Info("disabled, not starting")
		return
	}
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(ctx)
	s.Log.WithField("interval", s.Interval.String()).Info("started")
}

// Stop cancels an in-flight run and waits for the goroutine to exit.
func (s *OfflineSyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
	s.Log.Info("stopped")
}

func (s *OfflineSyncScheduler) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one sync pass.
func (s *OfflineSyncScheduler) RunNow(ctx context.Context) []*engine.ApplyResult {
	results, err := syncClients(ctx, s.Engine, s.Batch, s.Workers, s.Log)
	if err != nil && ctx.Err() == nil {
		s.Log.WithError(err).Error("sync pass failed")
	}
	for _, res := range results {
		if s.OnResult != nil {
			s.OnResult(*res)
		}
		if res.Applied+res.Conflicts+res.Rejected > 0 {
			s.Log.WithFields(logrus.Fields{
				"client_id": res.ClientID,
				"applied":   res.Applied,
				"conflicts": res.Conflicts,
				"rejected":  res.Rejected,
			}).Info("client synced")
		}
	}
	return results
}

// SyncAll applies up to batch pending entries for every client with
// pending entries. Results are ordered by client id; clients that failed
// are omitted and the first failure is returned.
func SyncAll(ctx context.Context, eng *engine.Engine, batch int, log logrus.FieldLogger) ([]*engine.ApplyResult, error) {
	return syncClients(ctx, eng, batch, 4, log)
}

func syncClients(ctx context.Context, eng *engine.Engine, batch, workers int, log logrus.FieldLogger) ([]*engine.ApplyResult, error) {
	clients, err := eng.PendingClients(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]*engine.ApplyResult, len(clients))

	// A failing client must not cancel the others.
	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, client := range clients {
		g.Go(func() error {
			res, err := eng.ApplyQueue(ctx, client, batch)
			if err != nil {
				log.WithError(err).WithField("client_id", client).Warn("client sync failed")
				return err
			}
			results[i] = res
			return nil
		})
	}
	err = g.Wait()

	out := make([]*engine.ApplyResult, 0, len(results))
	for _, res := range results {
		if res != nil {
			out = append(out, res)
		}
	}
	return out, err
}
