// delivery.go - retrying delivery queue
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

// Package delivery implements the retrying delivery queue from spec.md
// §4.6: a queue.Queue of pickled messages, each paired with a meta_HANDLE
// sidecar recording when it was first queued and when delivery was last
// attempted, used to compute the next scheduled attempt from a caller-
// supplied retry schedule. Grounded on ServerQueue.py's DeliveryQueue/
// _DeliveryState classes.
package delivery

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/mixcore/internal/codec"
	"github.com/katzenpost/mixcore/internal/metrics"
	"github.com/katzenpost/mixcore/internal/rng"
	"github.com/katzenpost/mixcore/queue"
)

const metaPrefix = "meta_"
const metaRemovePrefix = "rmv_meta_"

// Deliverer is implemented by callers of Queue; it receives a batch of
// (handle, message) pairs ready to send and must call onResult exactly
// once per handle (nil error for success) as each delivery concludes, or
// the message sits in the queue forever without retry.
type Deliverer interface {
	DeliverMessages(batch []Message, onResult func(handle string, err error))
}

// Message pairs a handle with its decoded message bytes.
type Message struct {
	Handle  string
	Payload []byte
}

// deliveryState mirrors ServerQueue.py's _DeliveryState: when a message
// was first queued, and (if ever) when it was last attempted.
type deliveryState struct {
	queuedTime  time.Time
	hasLast     bool
	lastAttempt time.Time
}

func (ds *deliveryState) nextAttempt(schedule []time.Duration, now time.Time) (time.Time, bool) {
	if !ds.hasLast {
		return now, true
	}
	attempt := ds.queuedTime
	for _, interval := range schedule {
		attempt = attempt.Add(interval)
		if attempt.After(ds.lastAttempt) {
			return attempt, true
		}
	}
	return time.Time{}, false
}

// Queue is a DeliveryQueue: a queue.Queue plus retry-scheduling metadata.
// Callers should only need QueueDelivery, SendReadyMessages,
// RemoveExpiredMessages, Succeeded, and Failed.
type Queue struct {
	q       *queue.Queue
	log     *logging.Logger
	rng     *rng.PRNG
	send    Deliverer
	metrics *metrics.Metrics

	retrySchedule []time.Duration

	sendable []string
	pending  map[string]time.Time
	state    map[string]*deliveryState
	next     map[string]nextEntry
}

type nextEntry struct {
	t    time.Time
	drop bool
}

// Options configures New.
type Options struct {
	Dir           string
	RNG           *rng.PRNG
	Log           *logging.Logger
	RetrySchedule []time.Duration
	Deliverer     Deliverer

	// Metrics, if non-nil, receives this queue's depth (under the name
	// "delivery") and every delivery attempt's outcome.
	Metrics *metrics.Metrics
}

// New opens (creating and scrubbing as needed) a delivery queue rooted at
// opts.Dir, rescanning its on-disk state and rebuilding the in-memory
// retry schedule.
func New(opts Options) (*Queue, error) {
	q, err := queue.New(queue.Options{
		Dir: opts.Dir, Create: true, Scrub: true, RNG: opts.RNG, Log: opts.Log,
		Metrics: opts.Metrics, Name: "delivery",
	})
	if err != nil {
		return nil, err
	}
	schedule := opts.RetrySchedule
	if schedule == nil {
		schedule = []time.Duration{0}
	}
	dq := &Queue{
		q:             q,
		log:           opts.Log,
		rng:           opts.RNG,
		send:          opts.Deliverer,
		metrics:       opts.Metrics,
		retrySchedule: schedule,
		pending:       make(map[string]time.Time),
	}
	if err := dq.rescan(time.Now()); err != nil {
		return nil, err
	}
	return dq, nil
}

// SetRetrySchedule replaces the retry schedule and rebuilds every
// message's next-attempt time against it.
func (dq *Queue) SetRetrySchedule(schedule []time.Duration, now time.Time) {
	dq.q.Lock()
	defer dq.q.Unlock()
	dq.retrySchedule = schedule
	dq.rebuildNextAttempt(now)
}

func (dq *Queue) rescan(now time.Time) error {
	dq.q.Lock()
	defer dq.q.Unlock()
	dq.pending = make(map[string]time.Time)
	dq.sendable = dq.q.AllMessages()
	if err := dq.loadState(); err != nil {
		return err
	}
	dq.rebuildNextAttempt(now)
	return nil
}

// loadState reads every meta_HANDLE sidecar, synthesizing a fresh
// deliveryState for any message missing one (and deleting orphaned
// sidecars with no corresponding message), mirroring _loadState.
func (dq *Queue) loadState() error {
	dq.state = make(map[string]*deliveryState)
	for _, h := range dq.q.AllMessages() {
		path := dq.metaPath(h)
		data, err := ioutil.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			if dq.log != nil {
				dq.log.Warningf("delivery: no metadata for handle %s", h)
			}
			dq.state[h] = &deliveryState{queuedTime: time.Now()}
			dq.writeState(h)
			continue
		}
		ds, err := codec.UnmarshalDeliveryState(data)
		if err != nil {
			return queue.WrapFatal(err, fmt.Sprintf("delivery: handle %s: %v", h, err))
		}
		dq.state[h] = &deliveryState{
			queuedTime:  time.Unix(0, int64(ds.QueuedTime*float64(time.Second))),
			hasLast:     ds.HasLast,
			lastAttempt: time.Unix(0, int64(ds.LastAttempt*float64(time.Second))),
		}
	}

	entries, err := ioutil.ReadDir(dq.q.Dir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, metaPrefix) {
			continue
		}
		h := strings.TrimPrefix(name, metaPrefix)
		if _, ok := dq.state[h]; !ok {
			if dq.log != nil {
				dq.log.Warningf("delivery: metadata for nonexistent handle %s", h)
			}
			os.Remove(filepath.Join(dq.q.Dir(), name))
		}
	}
	return nil
}

func (dq *Queue) metaPath(h string) string {
	return filepath.Join(dq.q.Dir(), metaPrefix+h)
}

// writeState persists (or, if the handle has been removed, clears) the
// sidecar for h.
func (dq *Queue) writeState(h string) {
	ds, ok := dq.state[h]
	if !ok {
		os.Rename(dq.metaPath(h), filepath.Join(dq.q.Dir(), metaRemovePrefix+h))
		return
	}
	enc := codec.DeliveryState{
		QueuedTime: float64(ds.queuedTime.UnixNano()) / float64(time.Second),
		HasLast:    ds.hasLast,
	}
	if ds.hasLast {
		enc.LastAttempt = float64(ds.lastAttempt.UnixNano()) / float64(time.Second)
	}
	ioutil.WriteFile(dq.metaPath(h), codec.MarshalDeliveryState(enc), 0600)
}

func (dq *Queue) rebuildNextAttempt(now time.Time) {
	dq.next = make(map[string]nextEntry, len(dq.state))
	for h, ds := range dq.state {
		t, ok := ds.nextAttempt(dq.retrySchedule, now)
		dq.next[h] = nextEntry{t: t, drop: !ok}
	}
}

// QueueDelivery queues payload (already serialized by the caller) for
// delivery, scheduling its first attempt for now.
func (dq *Queue) QueueDelivery(payload []byte, now time.Time) (string, error) {
	dq.q.Lock()
	defer dq.q.Unlock()
	handle, err := dq.q.QueueBytes(payload)
	if err != nil {
		return "", err
	}
	dq.sendable = append(dq.sendable, handle)
	ds := &deliveryState{queuedTime: now}
	dq.state[handle] = ds
	t, ok := ds.nextAttempt(dq.retrySchedule, now)
	dq.next[handle] = nextEntry{t: t, drop: !ok}
	dq.writeState(handle)
	return handle, nil
}

// RemoveExpiredMessages removes every sendable message whose retry
// schedule has been exhausted.
func (dq *Queue) RemoveExpiredMessages() {
	dq.q.Lock()
	defer dq.q.Unlock()
	for _, h := range dq.sendable {
		if dq.next[h].drop {
			dq.removeLocked(h)
			dq.metrics.ObserveDeliveryAttempt("drop")
		}
	}
}

// SendReadyMessages partitions sendable messages into expired (removed),
// ready (handed to the Deliverer), and not-yet-ready (left sendable), and
// invokes the Deliverer outside the lock.
func (dq *Queue) SendReadyMessages(now time.Time) {
	dq.q.Lock()
	handles := dq.sendable
	dq.sendable = nil
	var batch []Message
	for _, h := range handles {
		entry := dq.next[h]
		switch {
		case entry.drop:
			dq.removeLocked(h)
			dq.metrics.ObserveDeliveryAttempt("drop")
		case !entry.t.After(now):
			payload, err := dq.q.MessageContents(h)
			if err != nil {
				if dq.log != nil {
					dq.log.Errorf("delivery: failed to load message %s: %v", h, err)
				}
				continue
			}
			batch = append(batch, Message{Handle: h, Payload: payload})
			dq.pending[h] = now
		default:
			dq.sendable = append(dq.sendable, h)
		}
	}
	dq.q.Unlock()

	if len(batch) > 0 && dq.send != nil {
		dq.send.DeliverMessages(batch, func(handle string, err error) {
			if err == nil {
				dq.Succeeded(handle)
				return
			}
			if dq.log != nil {
				dq.log.Warningf("delivery: attempt failed for %s: %v", handle, err)
			}
			dq.Failed(handle, true, now)
		})
	}
}

// removeLocked removes handle from every in-memory index and the
// underlying queue. Callers must hold dq.q's lock.
func (dq *Queue) removeLocked(handle string) {
	dq.q.RemoveMessage(handle)
	delete(dq.pending, handle)
	delete(dq.state, handle)
	delete(dq.next, handle)
	for i, h := range dq.sendable {
		if h == handle {
			dq.sendable = append(dq.sendable[:i], dq.sendable[i+1:]...)
			break
		}
	}
	dq.writeState(handle)
}

// Succeeded removes handle from the queue after a successful delivery.
func (dq *Queue) Succeeded(handle string) {
	dq.q.Lock()
	defer dq.q.Unlock()
	dq.removeLocked(handle)
	dq.metrics.ObserveDeliveryAttempt("success")
}

// Failed removes handle, or reschedules it for a later attempt if
// retriable and the retry schedule has not been exhausted.
func (dq *Queue) Failed(handle string, retriable bool, now time.Time) {
	dq.q.Lock()
	defer dq.q.Unlock()

	lastAttempt, ok := dq.pending[handle]
	if !ok {
		if dq.log != nil {
			dq.log.Errorf("delivery: handle %s was not pending", handle)
		}
		return
	}

	if retriable {
		ds, ok := dq.state[handle]
		if !ok {
			ds = &deliveryState{queuedTime: now}
			dq.state[handle] = ds
		}
		ds.hasLast = true
		ds.lastAttempt = lastAttempt
		t, ok := ds.nextAttempt(dq.retrySchedule, now)
		if ok {
			dq.next[handle] = nextEntry{t: t}
			dq.sendable = append(dq.sendable, handle)
			delete(dq.pending, handle)
			dq.writeState(handle)
			dq.metrics.ObserveDeliveryAttempt("retry")
			return
		}
	}

	dq.removeLocked(handle)
	dq.metrics.ObserveDeliveryAttempt("drop")
}

// Inspect returns the decoded message, queued time, and whether delivery
// was ever attempted, for test use.
func (dq *Queue) Inspect(handle string) (payload []byte, queuedTime time.Time, hasLast bool, lastAttempt time.Time, err error) {
	dq.q.Lock()
	defer dq.q.Unlock()
	payload, err = dq.q.MessageContents(handle)
	ds := dq.state[handle]
	if ds != nil {
		queuedTime = ds.queuedTime
		hasLast = ds.hasLast
		lastAttempt = ds.lastAttempt
	}
	return
}
