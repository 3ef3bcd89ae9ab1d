/*
Package redislock implements engine.LotLocker on Redis so several server
processes sharing one database serialize work on the same lots.

PURPOSE:
  The in-process KeyedMutex only protects a single process. With more
  than one replica, two processes could validate against the same lot and
  both commit; the store's version check would catch it, but only after
  the work is done. Locking in Redis first keeps contention out of the
  database.

INVARIANTS:
  - Keys are locked in SortedKeys order, so overlapping lot sets cannot
    deadlock across processes
  - Lock acquires all keys or none; on failure every held key is released
  - A lock lives at most TTL; the store's version check remains the final
    guard if a lock expires mid-operation

USAGE:
  rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
  locker := redislock.New(rdb, 5*time.Second, log)
  eng := engine.New(st, engine.Options{Locker: locker})
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/lotledger/engine"
)

const keyPrefix = "lotledger:lot:"

// retryInterval is the pause between attempts while a key is held
// elsewhere.
const retryInterval = 25 * time.Millisecond

// Locker is a Redis-backed engine.LotLocker.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

var _ engine.LotLocker = (*Locker)(nil)

// New creates a Locker on rdb. ttl bounds both how long a lock is held and,
// when ctx has no deadline, how long Lock waits for each key.
func New(rdb redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *Locker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl, log: log}
}

// Lock obtains every key in sorted order.
func (l *Locker) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = engine.SortedKeys(keys)
	held := make([]*redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			// Release must run even when the caller's ctx has ended.
			if err := held[i].Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.log.WithError(err).WithField("key", held[i].Key()).Warn("failed to release lot lock")
			}
		}
	}

	opts := &redislock.Options{RetryStrategy: redislock.LinearBackoff(retryInterval)}
	for _, key := range keys {
		lock, err := l.client.Obtain(ctx, keyPrefix+key, l.ttl, opts)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrNotObtained) {
				return nil, fmt.Errorf("lot %s is locked by another operation: %w", key, engine.ErrConcurrentModification)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("failed to lock lot %s: %w", key, err)
		}
		held = append(held, lock)
	}
	return release, nil
}
