package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/crypto_liq_dca/internal/domain"
)

// KeyLocks is a registry of per-key mutual exclusion handles. A second
// acquirer for a held key waits on the holder's channel and then re-competes,
// so concurrent evaluations for the same (session, symbol, side) are strictly
// serialized while different keys interleave freely.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]chan struct{})}
}

// PositionKey builds the lock key for one tradable position slot.
func PositionKey(sessionID, symbol string, side domain.Side) string {
	return fmt.Sprintf("%s|%s|%s", sessionID, symbol, side)
}

// Acquire blocks until the key is free or ctx is done. Callers must pair it
// with a deferred Release.
func (k *KeyLocks) Acquire(ctx context.Context, key string) error {
	for {
		k.mu.Lock()
		held, ok := k.locks[key]
		if !ok {
			k.locks[key] = make(chan struct{})
			k.mu.Unlock()
			return nil
		}
		k.mu.Unlock()

		select {
		case <-held:
			// Holder released; loop and re-compete for the key.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryAcquire takes the key without blocking; returns false when held.
func (k *KeyLocks) TryAcquire(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.locks[key]; ok {
		return false
	}
	k.locks[key] = make(chan struct{})
	return true
}

// Release frees the key and wakes all waiters. Safe to call for an unheld key.
func (k *KeyLocks) Release(key string) {
	k.mu.Lock()
	held, ok := k.locks[key]
	if ok {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	if ok {
		close(held)
	}
}

// Reset unconditionally frees every key. Used on process stop.
func (k *KeyLocks) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, held := range k.locks {
		close(held)
		delete(k.locks, key)
	}
}
