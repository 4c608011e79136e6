// rlock.go - reentrant mutex
// Copyright (C) 2026  Mixcore Contributors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package rlock implements a reentrant mutex, standing in for the
// reentrant lock (threading.RLock) the original implementation relies on.
// Go's sync.Mutex has no native reentrant variant; spec.md's "Reentrant
// mutex" design note asks either for a reentrant primitive or for call
// sites to be flattened so they never re-acquire. This package provides
// the former so callers that mirror the original's nested lock/unlock
// pairs (e.g. Queue.RemoveAll calling an internal helper that itself
// locks) don't deadlock.
package rlock

import "sync"

// Mutex is a goroutine-aware reentrant mutex: the same goroutine may call
// Lock more than once without blocking, and must call Unlock an equal
// number of times.
type Mutex struct {
	mu    sync.Mutex
	owner int64
	count int
	cond  *sync.Cond
}

func (m *Mutex) init() {
	if m.cond == nil {
		m.cond = sync.NewCond(&m.mu)
	}
}

// Lock acquires the mutex, reentrantly if the calling goroutine already
// holds it.
func (m *Mutex) Lock() {
	id := goroutineID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	for m.count > 0 && m.owner != id {
		m.cond.Wait()
	}
	m.owner = id
	m.count++
}

// Unlock releases one level of the lock. It panics if called by a
// goroutine that does not hold the lock, matching the programming-error
// nature of such a bug.
func (m *Mutex) Unlock() {
	id := goroutineID()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count == 0 || m.owner != id {
		panic("rlock: Unlock of unlocked or not-owned mutex")
	}
	m.count--
	if m.count == 0 {
		m.cond.Signal()
	}
}
