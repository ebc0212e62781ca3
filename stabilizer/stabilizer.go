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

// Package stabilizer runs the periodic Chord stabilization protocol:
// stabilize, notify, fix-fingers, check-predecessor, reap-connections.
// A single outstanding cycle runs at a time, via singleflight rather than
// a hand-rolled boolean flag, so a slow tick is never re-entered while
// still running.
package stabilizer

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/dht"
	"github.com/rings-x-project/rings-node/internal/metrics"
)

// DefaultPeriod is the stabilizer tick interval used when unconfigured.
const DefaultPeriod = 3 * time.Second

const tickKey = "tick"

// RingRPC is the peer-to-peer control surface the stabilizer needs beyond
// PeerRing's own local state: asking a remote peer for its predecessor,
// notifying it of a claimed predecessor relationship, and asking it to
// resolve find_successor on our behalf. The router/swarm layer supplies
// the concrete implementation over the message transport.
type RingRPC interface {
	GetPredecessor(ctx context.Context, peer did.Did) (did.Did, bool, error)
	Notify(ctx context.Context, peer did.Did, self did.Did) error
	FindSuccessor(ctx context.Context, peer did.Did, target did.Did) (dht.FindResult, error)
	// Alive reports whether peer currently has a live (Connected) connection.
	Alive(peer did.Did) bool
}

// Stabilizer drives one PeerRing's convergence.
type Stabilizer struct {
	ring   *dht.PeerRing
	rpc    RingRPC
	period time.Duration

	group singleflight.Group

	stop chan struct{}
	done chan struct{}
}

// New creates a Stabilizer for ring, using rpc for the peer queries each
// tick requires. period <= 0 uses DefaultPeriod.
func New(ring *dht.PeerRing, rpc RingRPC, period time.Duration) *Stabilizer {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Stabilizer{
		ring:   ring,
		rpc:    rpc,
		period: period,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run blocks, ticking every period until ctx is canceled or Stop is
// called. Intended to be run in its own goroutine.
func (s *Stabilizer) Run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (s *Stabilizer) Stop() {
	close(s.stop)
	<-s.done
}

// Tick runs one stabilization cycle. If a cycle is already running,
// callers piggyback on it rather than starting a second, overlapping one.
func (s *Stabilizer) Tick(ctx context.Context) {
	_, _, _ = s.group.Do(tickKey, func() (interface{}, error) {
		start := time.Now()
		s.stabilize(ctx)
		s.notify(ctx)
		s.fixFingers(ctx)
		s.checkPredecessor()
		s.reapConnections(ctx)
		metrics.StabilizeTickDuration.Observe(time.Since(start).Seconds())
		return nil, nil
	})
}

// stabilize asks successor_list[0] for its predecessor; if that
// predecessor lies clockwise-between local_did and the successor, it is
// inserted at the front of the successor list.
func (s *Stabilizer) stabilize(ctx context.Context) {
	succs := s.ring.SuccessorList()
	if len(succs) == 0 {
		return
	}
	first := succs[0]
	pred, ok, err := s.rpc.GetPredecessor(ctx, first)
	if err != nil || !ok {
		return
	}
	if did.Between(s.ring.LocalDid(), pred, first, false, false) {
		s.ring.Join(pred)
	}
}

// notify tells successor_list[0] that we may be its predecessor.
func (s *Stabilizer) notify(ctx context.Context) {
	succs := s.ring.SuccessorList()
	if len(succs) == 0 {
		return
	}
	_ = s.rpc.Notify(ctx, succs[0], s.ring.LocalDid())
}

// fixFingers advances the round-robin finger cursor by one slot per tick.
func (s *Stabilizer) fixFingers(ctx context.Context) {
	idx, target := s.ring.NextFingerFix()
	res, err := s.rpc.FindSuccessor(ctx, s.ring.LocalDid(), target)
	if err != nil {
		return
	}
	switch res.Kind {
	case dht.FindSelf:
		s.ring.SetFinger(idx, s.ring.LocalDid())
	case dht.FindPeer, dht.FindForward:
		s.ring.SetFinger(idx, res.Did)
	}
}

// checkPredecessor clears the predecessor cell if its connection is dead.
func (s *Stabilizer) checkPredecessor() {
	s.ring.ClearPredecessorIfDisconnected(s.rpc.Alive)
}

// reapConnections drops dead successors and, for each one removed, runs
// find_successor on the next finger-fix target and joins the peer it
// returns. It returns the removed successors.
func (s *Stabilizer) reapConnections(ctx context.Context) []did.Did {
	removed := s.ring.ReapSuccessors(s.rpc.Alive)
	for range removed {
		// Schedule a replacement lookup for each gap left behind.
		idx, target := s.ring.NextFingerFix()
		if res, err := s.rpc.FindSuccessor(ctx, s.ring.LocalDid(), target); err == nil {
			switch res.Kind {
			case dht.FindPeer, dht.FindForward:
				s.ring.Join(res.Did)
			}
			_ = idx
		}
	}
	return removed
}
