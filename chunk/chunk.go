// Copyright (C) 2025 rings-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package chunk fragments payloads larger than the transport MTU and
// reassembles them on the receiving side. Fragments may arrive in any
// order or interleaved with fragments of other chunk ids; a partial
// reassembly that stalls is evicted after CHUNK_TIMEOUT, mirroring the
// TTL-map-with-background-GC shape used by session.NonceCache.
package chunk

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rings-x-project/rings-node/internal/metrics"
)

// DefaultTimeout is how long a partial reassembly is kept before eviction.
const DefaultTimeout = 30 * time.Second

// Fragment is one piece of a split payload.
type Fragment struct {
	ChunkID [16]byte
	Index   uint16
	Total   uint16
	Payload []byte
}

// Split divides data into fragments no larger than mtu bytes of payload
// each, all sharing a freshly generated random chunk id. If data already
// fits in one fragment, Split still returns a single-element slice so
// callers have one code path regardless of size.
func Split(data []byte, mtu int) []Fragment {
	if mtu <= 0 {
		mtu = 1
	}
	total := (len(data) + mtu - 1) / mtu
	if total == 0 {
		total = 1
	}
	id := uuid.New()
	var chunkID [16]byte
	copy(chunkID[:], id[:])

	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * mtu
		end := start + mtu
		if end > len(data) {
			end = len(data)
		}
		frags = append(frags, Fragment{
			ChunkID: chunkID,
			Index:   uint16(i),
			Total:   uint16(total),
			Payload: append([]byte(nil), data[start:end]...),
		})
	}
	return frags
}

type partial struct {
	total    uint16
	received map[uint16][]byte
	size     int
	deadline time.Time
}

// Reassembler accumulates fragments across one or more in-flight chunk
// ids and assembles each one exactly once, discarding it either on
// completion or on timeout.
type Reassembler struct {
	mu         sync.Mutex
	entries    map[[16]byte]*partial
	timeout    time.Duration
	maxSize    int
	totalBytes int

	ticker *time.Ticker
	stop   chan struct{}
}

// reportBufferBytes updates the package-level reassembly buffer gauge.
// Callers must hold r.mu.
func (r *Reassembler) reportBufferBytes() {
	metrics.ReassemblyBufferBytes.Set(float64(r.totalBytes))
}

// NewReassembler creates a Reassembler that evicts stalled partial
// entries after timeout and refuses to accumulate more than maxBytes for
// any one chunk id (maxBytes <= 0 disables the cap). The cap is not tracked
// per connection and does not bound the total across chunk ids.
func NewReassembler(timeout time.Duration, maxBytes int) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := &Reassembler{
		entries: make(map[[16]byte]*partial),
		timeout: timeout,
		maxSize: maxBytes,
		ticker:  time.NewTicker(timeout),
		stop:    make(chan struct{}),
	}
	go r.gcLoop()
	return r
}

// ErrBufferExceeded is returned by Handle when accepting a fragment would
// push its chunk id's partial reassembly over the configured byte cap; that
// partial entry is then discarded.
type ErrBufferExceeded struct{}

func (ErrBufferExceeded) Error() string { return "chunk: reassembly buffer exceeded" }

// Handle records frag and returns the assembled payload and true once every
// fragment for its chunk id has arrived. Fragments may arrive in any
// order or be duplicated; a duplicate fragment is simply overwritten.
func (r *Reassembler) Handle(frag Fragment) ([]byte, bool, error) {
	if frag.Total == 1 {
		return frag.Payload, true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.entries[frag.ChunkID]
	if !ok {
		p = &partial{
			total:    frag.Total,
			received: make(map[uint16][]byte),
			deadline: time.Now().Add(r.timeout),
		}
		r.entries[frag.ChunkID] = p
	}

	if _, dup := p.received[frag.Index]; !dup {
		p.size += len(frag.Payload)
		r.totalBytes += len(frag.Payload)
		if r.maxSize > 0 && p.size > r.maxSize {
			delete(r.entries, frag.ChunkID)
			r.totalBytes -= p.size
			r.reportBufferBytes()
			return nil, false, ErrBufferExceeded{}
		}
		r.reportBufferBytes()
	}
	p.received[frag.Index] = frag.Payload

	if len(p.received) < int(p.total) {
		return nil, false, nil
	}

	out := make([]byte, 0, p.size)
	for i := uint16(0); i < p.total; i++ {
		out = append(out, p.received[i]...)
	}
	delete(r.entries, frag.ChunkID)
	r.totalBytes -= p.size
	r.reportBufferBytes()
	return out, true, nil
}

// Close stops the background GC goroutine.
func (r *Reassembler) Close() {
	close(r.stop)
	r.ticker.Stop()
}

func (r *Reassembler) gcLoop() {
	for {
		select {
		case <-r.ticker.C:
			now := time.Now()
			r.mu.Lock()
			for id, p := range r.entries {
				if now.After(p.deadline) {
					delete(r.entries, id)
					r.totalBytes -= p.size
				}
			}
			r.reportBufferBytes()
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}
