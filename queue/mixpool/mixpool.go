// mixpool.go - timed mix-pool batch selectors
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

// Package mixpool implements the timed mix-pool batch selectors from
// spec.md §4.7: TimedMixPool (send everything every interval),
// CottrellMixPool (Cottrell/"timed dynamic-pool" batch sizing), and
// BinomialCottrellMixPool (per-message probabilistic inclusion at the
// same target batch size), grounded on ServerQueue.py's TimedMixPool/
// CottrellMixPool/_BinomialMixin/BinomialCottrellMixPool.
package mixpool

import (
	"time"

	"github.com/katzenpost/mixcore/internal/metrics"
	"github.com/katzenpost/mixcore/internal/rng"
	"github.com/katzenpost/mixcore/queue"
)

// TimedMixPool holds a group of messages and releases the whole pool as a
// batch every Interval.
type TimedMixPool struct {
	q        *queue.Queue
	interval time.Duration
	metrics  *metrics.Metrics
}

// NewTimedMixPool wraps the already-opened queue q in a mix pool that
// releases its entire contents every interval. m may be nil; every
// released batch's size is then simply not recorded.
func NewTimedMixPool(q *queue.Queue, interval time.Duration, m *metrics.Metrics) *TimedMixPool {
	return &TimedMixPool{q: q, interval: interval, metrics: m}
}

// Interval returns the configured batch interval.
func (p *TimedMixPool) Interval() time.Duration { return p.interval }

// GetBatch returns handles for every message the pool is ready to send.
func (p *TimedMixPool) GetBatch() []string {
	batch := p.q.PickRandom(-1)
	p.metrics.ObserveMixBatch(len(batch))
	return batch
}

// Queue exposes the underlying queue for message insertion/removal.
func (p *TimedMixPool) Queue() *queue.Queue { return p.q }

// CottrellMixPool holds a group of messages and releases a batch sized by
// the Cottrell (timed dynamic-pool) algorithm from Mixmaster: nothing
// while the pool holds fewer than MinPool+MinSend messages, otherwise
// SendRate of the current pool rounded down (but at least one), never
// leaving fewer than MinPool messages behind.
type CottrellMixPool struct {
	TimedMixPool
	MinPool  int
	MinSend  int
	SendRate float64
}

// NewCottrellMixPool constructs a CottrellMixPool. minSend == 1 gives the
// classic Cottrell (type II) mix; other values are a generic timed
// dynamic-pool mix. m may be nil.
func NewCottrellMixPool(q *queue.Queue, interval time.Duration, minPool, minSend int, sendRate float64, m *metrics.Metrics) *CottrellMixPool {
	return &CottrellMixPool{
		TimedMixPool: TimedMixPool{q: q, interval: interval, metrics: m},
		MinPool:      minPool,
		MinSend:      minSend,
		SendRate:     sendRate,
	}
}

// batchSize returns the number of messages to send in the next batch.
func (p *CottrellMixPool) batchSize() int {
	pool := p.q.Count(false)
	if pool < p.MinPool+p.MinSend {
		return 0
	}
	sendable := pool - p.MinPool
	n := int(float64(pool) * p.SendRate)
	if n < 1 {
		n = 1
	}
	if n > sendable {
		n = sendable
	}
	return n
}

// GetBatch returns handles for the next batch of messages to send.
func (p *CottrellMixPool) GetBatch() []string {
	n := p.batchSize()
	if n == 0 {
		p.metrics.ObserveMixBatch(0)
		return nil
	}
	batch := p.q.PickRandom(n)
	p.metrics.ObserveMixBatch(len(batch))
	return batch
}

// BinomialCottrellMixPool uses the same batch-size calculation as
// CottrellMixPool, but instead of sending exactly N of P messages,
// includes each message independently with probability N/P (the
// _BinomialMixin behavior).
type BinomialCottrellMixPool struct {
	CottrellMixPool
	rng *rng.PRNG
}

// NewBinomialCottrellMixPool constructs a BinomialCottrellMixPool. m may
// be nil.
func NewBinomialCottrellMixPool(q *queue.Queue, interval time.Duration, minPool, minSend int, sendRate float64, r *rng.PRNG, m *metrics.Metrics) *BinomialCottrellMixPool {
	return &BinomialCottrellMixPool{
		CottrellMixPool: CottrellMixPool{
			TimedMixPool: TimedMixPool{q: q, interval: interval, metrics: m},
			MinPool:      minPool,
			MinSend:      minSend,
			SendRate:     sendRate,
		},
		rng: r,
	}
}

// GetBatch returns a randomly-ordered list of handles, each independently
// included with probability n/count where n is the Cottrell target batch
// size and count is the current pool size.
func (p *BinomialCottrellMixPool) GetBatch() []string {
	n := p.batchSize()
	count := p.q.Count(false)
	if n == 0 || count == 0 {
		p.metrics.ObserveMixBatch(0)
		return nil
	}
	prob := float64(n) / float64(count)
	all := p.q.AllMessages()
	selected := make([]string, 0, n)
	for _, h := range all {
		if p.rng.GetFloat() < prob {
			selected = append(selected, h)
		}
	}
	batch := p.rng.Shuffle(selected, -1)
	p.metrics.ObserveMixBatch(len(batch))
	return batch
}
