// rng.go - shared PRNG and handle allocator
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

// Package rng provides the shared PRNG handle threaded explicitly to
// constructors throughout this module, replacing the single
// process-global getCommonPRNG() of the original implementation (see
// spec.md's "Global PRNG" design note). It also implements the handle
// file creation and collision-aware handle allocation used by the queue.
package rng

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	mrand "math/rand"
	"os"
	"path/filepath"

	"github.com/yawning/bloom"
)

const handleAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+-"

// HandleLength is the length in characters of a queue entry handle.
const HandleLength = 8

// PRNG is an explicit, non-global pseudo-random source. It is safe for
// concurrent use by multiple goroutines.
type PRNG struct {
	src io.Reader

	// seen is a probabilistic filter over handles this PRNG has already
	// issued. OpenNewFile skips any handle the filter reports as seen and
	// draws another, so a false positive only costs a redraw; every other
	// handle is claimed with an O_EXCL open, so correctness never depends
	// on the filter.
	seen *bloom.BloomFilter
}

// New constructs a PRNG drawing from src. Pass crypto/rand.Reader for a
// process that needs cryptographic unpredictability of handles (the
// common case); a seeded math/rand source may be used in tests for
// reproducibility.
func New(src io.Reader) *PRNG {
	return &PRNG{
		src:  src,
		seen: bloom.New(1<<16, 6),
	}
}

// NewMath returns a PRNG backed by an unseeded math/rand source, grounded
// on the teacher's core/crypto/rand.NewMath() helper used where
// cryptographic strength isn't required (e.g. decoy traffic shaping).
func NewMath() *PRNG {
	return New(newMathReader(mrand.NewSource(1)))
}

type mathReader struct{ r *mrand.Rand }

func newMathReader(src mrand.Source) io.Reader { return &mathReader{mrand.New(src)} }

func (m *mathReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(m.r.Intn(256))
	}
	return len(p), nil
}

// GetFloat returns a uniform float64 in [0, 1), used by the binomial mix
// pool to decide per-message inclusion.
func (p *PRNG) GetFloat() float64 {
	var buf [8]byte
	if _, err := io.ReadFull(p.src, buf[:]); err != nil {
		panic(fmt.Sprintf("rng: read failed: %v", err))
	}
	n := uint64(0)
	for _, b := range buf {
		n = n<<8 | uint64(b)
	}
	return float64(n>>11) / float64(1<<53)
}

// Shuffle returns a randomly-ordered permutation of handles, truncated to
// count entries if count is non-negative and less than len(handles).
func (p *PRNG) Shuffle(handles []string, count int) []string {
	out := make([]string, len(handles))
	copy(out, handles)
	for i := len(out) - 1; i > 0; i-- {
		j := p.intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	if count >= 0 && count < len(out) {
		out = out[:count]
	}
	return out
}

func (p *PRNG) intn(n int) int {
	if n <= 0 {
		return 0
	}
	max := big.NewInt(int64(n))
	v, err := rand.Int(p.src, max)
	if err != nil {
		// rand.Int fails only when reading from the source fails;
		// fall back to a biased mod-reduction over 8 more bytes.
		var buf [8]byte
		io.ReadFull(p.src, buf[:])
		x := uint64(0)
		for _, b := range buf {
			x = x<<8 | uint64(b)
		}
		return int(x % uint64(n))
	}
	return int(v.Int64())
}

func (p *PRNG) handle() string {
	b := make([]byte, HandleLength)
	for i := range b {
		b[i] = handleAlphabet[p.intn(len(handleAlphabet))]
	}
	return string(b)
}

// OpenNewFile creates a new, uniquely-handled file in dir with the given
// prefix (e.g. "inp_"), retrying on collision. It returns the open file
// and the handle (without the prefix).
func OpenNewFile(p *PRNG, dir, prefix string) (*os.File, string, error) {
	for attempts := 0; attempts < 128; attempts++ {
		h := p.handle()
		key := []byte(h)
		if p.seen.Test(key) {
			continue
		}
		name := filepath.Join(dir, prefix+h)
		f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err == nil {
			p.seen.Add(key)
			return f, h, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
		// Collision: the bloom filter didn't know about this handle
		// (e.g. inherited from a previous process), retry.
	}
	return nil, "", fmt.Errorf("rng: failed to allocate a unique handle after repeated collisions")
}
