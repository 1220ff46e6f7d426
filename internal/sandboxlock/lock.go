/*
   Copyright The WSandbox Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package sandboxlock provides the per-namespace locking strategies
// persistence uses to serialize autosaves without blocking unrelated
// namespaces against each other.
package sandboxlock

import (
	"context"
	"sync"
)

// UnlockFunc releases a lock acquired by Locker.Lock or Locker.LockKey.
type UnlockFunc func()

// Locker is the locking strategy interface: a sandbox-wide lock plus a
// finer-grained per-key lock. Unlike a plain sync.Mutex, every
// acquisition honors ctx: a save racing a spawn's deadline gives up
// instead of blocking the autosave timer goroutine indefinitely.
type Locker interface {
	// Lock acquires a sandbox-wide lock, independent of any key's lock.
	Lock(ctx context.Context) (UnlockFunc, error)
	// LockKey acquires the lock for one key (a persistence namespace).
	LockKey(ctx context.Context, key string) (UnlockFunc, error)
	// CleanupKey drops any bookkeeping held for key once it is known to
	// be idle, so a long-lived sandbox doesn't accumulate one slot per
	// namespace it has ever touched.
	CleanupKey(key string)
}

// slot is a 1-buffered channel used as a cancellable mutex: acquiring it
// is a blocking send that can race ctx.Done(), which sync.Mutex cannot.
type slot chan struct{}

func newSlot() slot { return make(slot, 1) }

func (s slot) acquire(ctx context.Context) (UnlockFunc, error) {
	select {
	case s <- struct{}{}:
		return s.release, nil
	default:
	}
	select {
	case s <- struct{}{}:
		return s.release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s slot) release() { <-s }

var _ Locker = (*GlobalLocker)(nil)

// GlobalLocker serializes every key through one slot. Use it when
// namespaces are few and contention across them is acceptable.
type GlobalLocker struct {
	global slot
}

// NewGlobalLocker returns a Locker backed by a single slot.
func NewGlobalLocker() *GlobalLocker {
	return &GlobalLocker{global: newSlot()}
}

func (l *GlobalLocker) Lock(ctx context.Context) (UnlockFunc, error) {
	return l.global.acquire(ctx)
}

func (l *GlobalLocker) LockKey(ctx context.Context, _ string) (UnlockFunc, error) {
	return l.global.acquire(ctx)
}

func (l *GlobalLocker) CleanupKey(string) {}

var _ Locker = (*KeyedLocker)(nil)

// KeyedLocker gives each key its own slot, with a mutex guarding only
// the key->slot map lookup, and a separate slot backing the
// sandbox-wide Lock.
type KeyedLocker struct {
	mu     sync.Mutex
	global slot
	slots  map[string]slot
}

// NewKeyedLocker returns a Locker that hands out one slot per key.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{global: newSlot(), slots: make(map[string]slot)}
}

func (l *KeyedLocker) Lock(ctx context.Context) (UnlockFunc, error) {
	return l.global.acquire(ctx)
}

func (l *KeyedLocker) LockKey(ctx context.Context, key string) (UnlockFunc, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = newSlot()
		l.slots[key] = s
	}
	l.mu.Unlock()

	return s.acquire(ctx)
}

func (l *KeyedLocker) CleanupKey(key string) {
	l.mu.Lock()
	delete(l.slots, key)
	l.mu.Unlock()
}
