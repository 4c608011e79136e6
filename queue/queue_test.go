// queue_test.go - directory-based crash-safe queue tests
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

package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixcore/internal/metrics"
	"github.com/katzenpost/mixcore/internal/rng"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	q, err := New(Options{Dir: dir, Create: true, RNG: rng.NewMath()})
	require.NoError(t, err)
	return q
}

func TestQueueBytesAndMessageContents(t *testing.T) {
	q := newTestQueue(t)
	handle, err := q.QueueBytes([]byte("hello"))
	require.NoError(t, err)
	require.Len(t, handle, rng.HandleLength)

	contents, err := q.MessageContents(handle)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), contents)
}

func TestQueueObjectRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	type payload struct{ N int }
	handle, err := q.QueueObject(payload{N: 42})
	require.NoError(t, err)

	var out payload
	require.NoError(t, q.GetObject(handle, &out))
	require.Equal(t, 42, out.N)
}

func TestCountReflectsQueuedMessages(t *testing.T) {
	q := newTestQueue(t)
	require.Equal(t, 0, q.Count(false))
	_, err := q.QueueBytes([]byte("a"))
	require.NoError(t, err)
	_, err = q.QueueBytes([]byte("b"))
	require.NoError(t, err)
	require.Equal(t, 2, q.Count(false))
}

func TestRemoveMessageDropsFromAllMessages(t *testing.T) {
	q := newTestQueue(t)
	h, err := q.QueueBytes([]byte("a"))
	require.NoError(t, err)
	require.Len(t, q.AllMessages(), 1)

	q.RemoveMessage(h)
	require.Empty(t, q.AllMessages())
}

func TestAllMessagesContainsEveryHandle(t *testing.T) {
	q := newTestQueue(t)
	handles := map[string]bool{}
	for i := 0; i < 5; i++ {
		h, err := q.QueueBytes([]byte("x"))
		require.NoError(t, err)
		handles[h] = true
	}
	all := q.AllMessages()
	require.Len(t, all, 5)
	for _, h := range all {
		require.True(t, handles[h])
	}
}

func TestPickRandomTruncates(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 5; i++ {
		_, err := q.QueueBytes([]byte("x"))
		require.NoError(t, err)
	}
	picked := q.PickRandom(2)
	require.Len(t, picked, 2)
}

func TestMoveMessageTransfersBetweenQueues(t *testing.T) {
	src := newTestQueue(t)
	dst := newTestQueue(t)

	h, err := src.QueueBytes([]byte("payload"))
	require.NoError(t, err)

	newHandle, err := src.MoveMessage(h, dst)
	require.NoError(t, err)
	require.Empty(t, src.AllMessages())

	contents, err := dst.MessageContents(newHandle)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), contents)
}

func TestRemoveAllClearsQueue(t *testing.T) {
	q := newTestQueue(t)
	for i := 0; i < 3; i++ {
		_, err := q.QueueBytes([]byte("x"))
		require.NoError(t, err)
	}
	q.RemoveAll()
	require.Equal(t, 0, q.Count(true))
	require.Empty(t, q.AllMessages())
}

func TestCleanQueueRemovesAbandonedInputFiles(t *testing.T) {
	q := newTestQueue(t)
	f, handle, err := q.OpenNewMessage()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	old := time.Now().Add(-2 * InputTimeout)
	path := filepath.Join(q.Dir(), "inp_"+handle)
	require.NoError(t, os.Chtimes(path, old, old))

	q.CleanQueue(nil)

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestOpenNewFileThenFinishMessageBecomesVisible(t *testing.T) {
	q := newTestQueue(t)
	f, handle, err := q.OpenNewMessage()
	require.NoError(t, err)
	_, err = f.Write([]byte("in progress"))
	require.NoError(t, err)
	require.NoError(t, q.FinishMessage(f, handle))

	contents, err := q.MessageContents(handle)
	require.NoError(t, err)
	require.Equal(t, []byte("in progress"), contents)
}

func TestAbortMessageDiscardsIncompleteFile(t *testing.T) {
	q := newTestQueue(t)
	f, handle, err := q.OpenNewMessage()
	require.NoError(t, err)
	require.NoError(t, q.AbortMessage(f, handle))

	require.Empty(t, q.AllMessages())
	_, err = os.Stat(filepath.Join(q.Dir(), "rmv_"+handle))
	require.NoError(t, err)
}

func TestNewRejectsNonDirectoryPath(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "not-a-dir")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0600))

	_, err := New(Options{Dir: filePath, RNG: rng.NewMath()})
	require.ErrorIs(t, err, ErrNotADirectory)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
}

func TestNewWithoutCreateFailsOnMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	_, err := New(Options{Dir: dir, Create: false, RNG: rng.NewMath()})
	require.Error(t, err)
}

func TestQueueDepthMetricTracksCount(t *testing.T) {
	dir := t.TempDir()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	q, err := New(Options{Dir: dir, Create: true, RNG: rng.NewMath(), Metrics: m, Name: "mix"})
	require.NoError(t, err)

	_, err = q.QueueBytes([]byte("a"))
	require.NoError(t, err)
	_, err = q.QueueBytes([]byte("b"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)

	var value float64
	for _, f := range families {
		if f.GetName() == "mixcore_queue_depth" {
			for _, metric := range f.GetMetric() {
				for _, l := range metric.GetLabel() {
					if l.GetName() == "queue" && l.GetValue() == "mix" {
						value = metric.GetGauge().GetValue()
					}
				}
			}
		}
	}
	require.Equal(t, float64(2), value)
}
