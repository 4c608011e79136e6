// queue.go - directory-based crash-safe queue
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

// Package queue implements the directory-based, crash-safe unordered
// queue from spec.md §4.5: a directory of files named "msg_HANDLE",
// "inp_HANDLE" (incomplete) or "rmv_HANDLE" (trash awaiting removal),
// with atomic rename-based state transitions grounded on the teacher's
// disk.go tmp/backup/final rename sequence and internal/rng's collision-
// aware handle allocator.
package queue

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixcore/internal/codec"
	"github.com/katzenpost/mixcore/internal/metrics"
	"github.com/katzenpost/mixcore/internal/rlock"
	"github.com/katzenpost/mixcore/internal/rng"
	"github.com/katzenpost/mixcore/internal/storebolt"
)

// ErrNotADirectory is returned by New when Options.Dir exists but is not
// a directory.
var ErrNotADirectory = errors.New("queue: path exists and is not a directory")

// FatalError is the MixFatalError kind from spec.md §7: an unrecoverable
// storage inconsistency, mirroring Python's ServerQueue.py:82
// (`raise MixFatalError("%s is not a directory" % location)`) and
// ServerQueue.py:322 (`raise MixFatalError("Unrecognized delivery
// state")`). Unlike a ConfigError, which reports a malformed input a
// caller can simply reject, a FatalError means the on-disk state this
// process depends on can no longer be trusted; callers that see one
// should log it and terminate rather than retry or recover. Err, if
// set, is the underlying sentinel or codec error (Unwrap-compatible, so
// errors.Is still matches it).
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string { return e.Reason }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a *FatalError with a formatted reason and no wrapped
// cause.
func Fatalf(format string, args ...interface{}) *FatalError {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// WrapFatal builds a *FatalError whose Reason is msg and whose Unwrap
// target is err, so errors.Is(result, err) still holds.
func WrapFatal(err error, msg string) *FatalError {
	return &FatalError{Reason: msg, Err: err}
}

// InputTimeout is how old an "inp_" file may get before CleanQueue treats
// it as abandoned and moves it to "rmv_".
const InputTimeout = 6000 * time.Second

const (
	prefixInput   = "inp_"
	prefixMessage = "msg_"
	prefixRemove  = "rmv_"
)

// Queue is an unordered collection of files with secure insert, move, and
// delete operations. It is safe for concurrent use; Lock/Unlock are
// exposed for callers (e.g. queue/delivery.Queue) that need to hold the
// lock across several Queue operations.
type Queue struct {
	dir string
	rng *rng.PRNG
	log *logging.Logger

	// index is an optional write-through secondary index over this
	// queue's "msg_" handle set. It is strictly a performance cache: the
	// directory remains authoritative, and every method here falls back
	// to a directory scan whenever the index is nil or returns an error.
	index *storebolt.Index

	// metrics, if non-nil, receives this queue's depth under name
	// whenever the cached entry count changes.
	metrics *metrics.Metrics
	name    string

	lock     rlock.Mutex
	nEntries int // -1 until first counted
}

// Options configures New.
type Options struct {
	Dir    string
	Create bool
	Scrub  bool
	RNG    *rng.PRNG
	Log    *logging.Logger

	// Index, if non-nil, is consulted and kept in sync as a fast-path
	// cache for Count/AllMessages on large pools.
	Index *storebolt.Index

	// Metrics, if non-nil, is updated with this queue's depth under
	// Name (e.g. "mix", "delivery") every time the cached count changes.
	Metrics *metrics.Metrics
	Name    string
}

// New opens (and optionally creates) a queue directory.
func New(opts Options) (*Queue, error) {
	if opts.RNG == nil {
		panic("queue: Options.RNG is required")
	}
	if fi, err := os.Stat(opts.Dir); err == nil {
		if !fi.IsDir() {
			return nil, WrapFatal(ErrNotADirectory, fmt.Sprintf("%s is not a directory", opts.Dir))
		}
	} else if os.IsNotExist(err) {
		if !opts.Create {
			return nil, err
		}
		if err := os.MkdirAll(opts.Dir, 0700); err != nil {
			return nil, err
		}
	} else {
		return nil, err
	}

	q := &Queue{
		dir:      opts.Dir,
		rng:      opts.RNG,
		log:      opts.Log,
		index:    opts.Index,
		metrics:  opts.Metrics,
		name:     opts.Name,
		nEntries: -1,
	}
	if opts.Scrub {
		q.CleanQueue(nil)
	}
	if q.index != nil {
		if err := q.index.Rebuild(q.listPrefix(prefixMessage)); err != nil {
			if q.log != nil {
				q.log.Warningf("queue: failed to rebuild secondary index, falling back to directory scans: %v", err)
			}
			q.index = nil
		}
	}
	// Count once at open so the cached count, and with it the depth
	// metric, is known before the first state change.
	q.Count(true)
	return q, nil
}

// Lock and Unlock expose the queue's reentrant lock to callers that need
// to perform several operations atomically.
func (q *Queue) Lock()   { q.lock.Lock() }
func (q *Queue) Unlock() { q.lock.Unlock() }

// Dir returns the backing directory.
func (q *Queue) Dir() string { return q.dir }

// QueueBytes creates a new message in the queue whose contents are
// contents, and returns a handle to that message.
func (q *Queue) QueueBytes(contents []byte) (string, error) {
	f, handle, err := q.OpenNewMessage()
	if err != nil {
		return "", err
	}
	if _, err := f.Write(contents); err != nil {
		f.Close()
		return "", err
	}
	if err := q.FinishMessage(f, handle); err != nil {
		return "", err
	}
	return handle, nil
}

// QueueObject serializes obj with the shared object codec and queues it,
// returning a handle.
func (q *Queue) QueueObject(obj interface{}) (string, error) {
	data, err := codec.WriteObject(obj)
	if err != nil {
		return "", err
	}
	return q.QueueBytes(data)
}

// Count returns the number of complete messages in the queue, caching the
// result until a state-changing operation invalidates it.
func (q *Queue) Count(recount bool) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.nEntries >= 0 && !recount {
		return q.nEntries
	}
	if q.index != nil {
		if n, err := q.index.Count(); err == nil {
			q.nEntries = n
			q.reportDepth()
			return n
		}
	}
	n := len(q.listPrefix(prefixMessage))
	q.nEntries = n
	q.reportDepth()
	return n
}

// reportDepth publishes the current cached entry count to q.metrics, if
// configured. Callers must hold q.lock.
func (q *Queue) reportDepth() {
	if q.metrics != nil && q.nEntries >= 0 {
		q.metrics.SetQueueDepth(q.name, q.nEntries)
	}
}

// PickRandom returns up to count handles to messages in the queue, chosen
// and ordered randomly. count < 0 returns every handle, shuffled.
func (q *Queue) PickRandom(count int) []string {
	handles := q.AllMessages()
	return q.rng.Shuffle(handles, count)
}

// AllMessages returns handles for every message currently in the queue,
// in filesystem order (not guaranteed random).
func (q *Queue) AllMessages() []string {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.index != nil {
		if handles, err := q.index.All(); err == nil {
			return handles
		}
	}
	return q.listPrefix(prefixMessage)
}

func (q *Queue) listPrefix(prefix string) []string {
	entries, err := ioutil.ReadDir(q.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out = append(out, strings.TrimPrefix(e.Name(), prefix))
		}
	}
	return out
}

// RemoveMessage moves handle's message file to the "rmv_" state.
func (q *Queue) RemoveMessage(handle string) {
	q.changeState(handle, prefixMessage, prefixRemove)
}

// RemoveAll moves every message and incomplete file to the "rmv_" state,
// then cleans the queue.
func (q *Queue) RemoveAll() {
	q.lock.Lock()
	defer q.lock.Unlock()
	entries, _ := ioutil.ReadDir(q.dir)
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, prefixMessage):
			q.changeStateLocked(strings.TrimPrefix(name, prefixMessage), prefixMessage, prefixRemove)
		case strings.HasPrefix(name, prefixInput):
			q.changeStateLocked(strings.TrimPrefix(name, prefixInput), prefixInput, prefixRemove)
		}
	}
	q.nEntries = 0
	q.reportDepth()
	q.CleanQueue(nil)
}

// MoveMessage moves handle's message to dest, returning its new handle.
func (q *Queue) MoveMessage(handle string, dest *Queue) (string, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	contents, err := q.MessageContents(handle)
	if err != nil {
		return "", err
	}
	newHandle, err := dest.QueueBytes(contents)
	if err != nil {
		return "", err
	}
	q.RemoveMessage(handle)
	return newHandle, nil
}

// MessagePath returns the path of the file backing handle's message.
func (q *Queue) MessagePath(handle string) string {
	return filepath.Join(q.dir, prefixMessage+handle)
}

// OpenMessage opens handle's message file for reading.
func (q *Queue) OpenMessage(handle string) (*os.File, error) {
	return os.Open(q.MessagePath(handle))
}

// MessageContents reads and returns the raw contents of handle's message.
func (q *Queue) MessageContents(handle string) ([]byte, error) {
	q.lock.Lock()
	defer q.lock.Unlock()
	return ioutil.ReadFile(q.MessagePath(handle))
}

// GetObject reads handle's message and decodes it with the shared object
// codec into out, which must be a pointer.
func (q *Queue) GetObject(handle string, out interface{}) error {
	data, err := q.MessageContents(handle)
	if err != nil {
		return err
	}
	return codec.ReadObject(data, out)
}

// OpenNewMessage returns a (file, handle) pair for a new incomplete
// message. The caller must call FinishMessage or AbortMessage.
func (q *Queue) OpenNewMessage() (*os.File, string, error) {
	return rng.OpenNewFile(q.rng, q.dir, prefixInput)
}

// FinishMessage closes f and commits the incomplete message as a message.
func (q *Queue) FinishMessage(f *os.File, handle string) error {
	if err := f.Close(); err != nil {
		return err
	}
	q.changeState(handle, prefixInput, prefixMessage)
	return nil
}

// AbortMessage closes f and discards the incomplete message.
func (q *Queue) AbortMessage(f *os.File, handle string) error {
	if err := f.Close(); err != nil {
		return err
	}
	q.changeState(handle, prefixInput, prefixRemove)
	return nil
}

// CleanQueue removes all timed-out "inp_" files and all "rmv_" trash.
// If remove is nil, os.Remove is used directly.
func (q *Queue) CleanQueue(remove func([]string)) {
	var rmv []string
	allowed := time.Now().Add(-InputTimeout)
	entries, err := ioutil.ReadDir(q.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, prefixRemove):
			rmv = append(rmv, filepath.Join(q.dir, name))
		case strings.HasPrefix(name, prefixInput):
			if e.ModTime().Before(allowed) {
				handle := strings.TrimPrefix(name, prefixInput)
				q.changeState(handle, prefixInput, prefixRemove)
				rmv = append(rmv, filepath.Join(q.dir, prefixRemove+handle))
			}
		}
	}
	if remove != nil {
		remove(rmv)
	} else {
		for _, p := range rmv {
			os.Remove(p)
		}
	}
}

// changeState acquires the lock and calls changeStateLocked.
func (q *Queue) changeState(handle, from, to string) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.changeStateLocked(handle, from, to)
}

// changeStateLocked renames a queue entry from one state prefix to
// another and updates the cached entry count, logging (rather than
// failing) on a rename error, matching the original's __changeState:
// filesystem inconsistency here is recoverable by a recount, not fatal.
func (q *Queue) changeStateLocked(handle, from, to string) {
	oldPath := filepath.Join(q.dir, from+handle)
	newPath := filepath.Join(q.dir, to+handle)
	if err := os.Rename(oldPath, newPath); err != nil {
		if q.log != nil {
			q.log.Errorf("queue: error changing %s from %s to %s: %v", handle, from, to, err)
		}
		q.nEntries = -1
		return
	}
	if q.index != nil {
		if to == prefixMessage {
			q.index.Add(handle)
		} else if from == prefixMessage {
			q.index.Remove(handle)
		}
	}

	if q.nEntries < 0 {
		return
	}
	if from == prefixMessage && to != prefixMessage {
		q.nEntries--
	} else if from != prefixMessage && to == prefixMessage {
		q.nEntries++
	}
	q.reportDepth()
}
