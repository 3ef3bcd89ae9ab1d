package engine

import (
	"context"
	"sort"
	"sync"
)

// LotLocker serializes operations on the same lots. Lock acquires every key
// or none and returns a function releasing them.
type LotLocker interface {
	Lock(ctx context.Context, keys []string) (unlock func(), err error)
}

// SortedKeys returns keys deduplicated, without empties, in ascending order.
// Lockers acquire in this order so overlapping key sets cannot deadlock.
func SortedKeys(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// KeyedMutex is an in-process LotLocker with one mutex per key. Entries are
// dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires keys in sorted order. If ctx ends while waiting, the keys
// already held are released and ctx.Err() is returned.
func (k *KeyedMutex) Lock(ctx context.Context, keys []string) (func(), error) {
	keys = SortedKeys(keys)
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}
	for _, key := range keys {
		if err := k.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (k *KeyedMutex) lock(ctx context.Context, key string) error {
	k.mu.Lock()
	ent, ok := k.locks[key]
	if !ok {
		ent = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = ent
	}
	ent.refs++
	k.mu.Unlock()

	select {
	case ent.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		ent.refs--
		if ent.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *KeyedMutex) unlock(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	ent, ok := k.locks[key]
	if !ok {
		return
	}
	<-ent.ch
	ent.refs--
	if ent.refs == 0 {
		delete(k.locks, key)
	}
}
