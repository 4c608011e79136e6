// worker.go - halting goroutine group
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

// Package worker implements the halt/Go goroutine-lifecycle base every
// long-running component in this module embeds, grounded on the
// embed-and-call-Go/HaltCh pattern the teacher's disk.go, stream/stream.go,
// client2/connection.go and server/internal/decoy use via
// "github.com/katzenpost/katzenpost/core/worker".
package worker

import "sync"

// Worker is embedded by any type that runs background goroutines needing
// a coordinated, idempotent shutdown. Embedders call Go to launch a
// goroutine and HaltCh (inside that goroutine's select loop) to learn
// when to stop; Halt blocks until every launched goroutine has returned.
type Worker struct {
	wg      sync.WaitGroup
	haltCh  chan struct{}
	once    sync.Once
}

func (w *Worker) lazyInit() {
	if w.haltCh == nil {
		w.haltCh = make(chan struct{})
	}
}

// HaltCh returns the channel that is closed when Halt is called.
func (w *Worker) HaltCh() <-chan struct{} {
	w.lazyInit()
	return w.haltCh
}

// Go runs fn in a new goroutine tracked by this Worker, so that Halt can
// wait for it to exit.
func (w *Worker) Go(fn func()) {
	w.lazyInit()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh (exactly once, even under concurrent callers) and
// blocks until every goroutine started with Go has returned.
func (w *Worker) Halt() {
	w.lazyInit()
	w.once.Do(func() { close(w.haltCh) })
	w.wg.Wait()
}
