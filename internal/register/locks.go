package register

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// keyedMutex hands out one mutual-exclusion region per key. Unused keys are
// released so the map does not grow with every register ever opened.
type keyedMutex struct {
	scope string
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

func newKeyedMutex(scope string) *keyedMutex {
	return &keyedMutex{scope: scope, slots: make(map[string]*slot)}
}

// lockKey names the region guarding id within scope.
func lockKey(scope, id string) string {
	return fmt.Sprintf("register:%s:%s:lock", scope, id)
}

// Lock blocks until id is free or ctx is done. The returned func releases it.
func (k *keyedMutex) Lock(ctx context.Context, id string) (func(), error) {
	key := lockKey(k.scope, id)
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		k.release(key, s)
		return nil, err
	}
	return func() {
		s.sem.Release(1)
		k.release(key, s)
	}, nil
}

func (k *keyedMutex) release(key string, s *slot) {
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}

// size reports the number of tracked keys.
func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// locks groups the mutual-exclusion regions shared by the day and cashier
// services.
type locks struct {
	stores   *keyedMutex
	days     *keyedMutex
	cashiers *keyedMutex
}

func newLocks() *locks {
	return &locks{
		stores:   newKeyedMutex("store"),
		days:     newKeyedMutex("day"),
		cashiers: newKeyedMutex("cashier"),
	}
}
