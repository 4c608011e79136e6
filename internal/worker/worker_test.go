// worker_test.go - halting goroutine group tests
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

package worker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRunsFunctionAndHaltWaitsForIt(t *testing.T) {
	var w Worker
	var ran int32

	w.Go(func() {
		<-w.HaltCh()
		atomic.StoreInt32(&ran, 1)
	})

	w.Halt()
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestHaltWaitsForMultipleGoroutines(t *testing.T) {
	var w Worker
	var done int32

	for i := 0; i < 10; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&done, 1)
		})
	}

	w.Halt()
	require.Equal(t, int32(10), atomic.LoadInt32(&done))
}

func TestHaltChClosesExactlyOnce(t *testing.T) {
	var w Worker
	ch := w.HaltCh()

	done := make(chan struct{})
	go func() {
		w.Halt()
		w.Halt() // second call must not panic on double-close
		close(done)
	}()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("HaltCh never closed")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Halt call did not return")
	}
}

func TestHaltChReflectsClosedStateBeforeAnyGo(t *testing.T) {
	var w Worker
	w.Halt()

	select {
	case <-w.HaltCh():
	default:
		t.Fatal("HaltCh should already be closed")
	}
}
