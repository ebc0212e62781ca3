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

// Package dht implements PeerRing, the per-node Chord ring state: the
// successor list, predecessor cell, 160-entry finger table, and the
// local key-value storage each node is responsible for. Each substructure
// is guarded by its own RWMutex so a long scan of one never blocks a
// read of another; callers must never hold one of these locks across a
// blocking call (network I/O, storage access).
package dht

import (
	"context"
	"sort"
	"sync"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/storage"
)

// DefaultSuccMax is the default bound on the successor list length.
const DefaultSuccMax = 3

// FindKind distinguishes the three possible find_successor outcomes.
type FindKind int

const (
	// FindSelf means the local node itself is responsible for the target.
	FindSelf FindKind = iota
	// FindPeer means successor_list[0] is responsible for the target.
	FindPeer
	// FindForward means the target must be forwarded to the returned DID,
	// the closest preceding finger, to continue the search there.
	FindForward
)

// FindResult is the outcome of find_successor.
type FindResult struct {
	Kind FindKind
	Did  did.Did // meaningful for FindPeer and FindForward
}

// PeerRing is one node's Chord ring state.
type PeerRing struct {
	localDid did.Did
	succMax  int
	store    storage.Persistence

	succMu  sync.RWMutex
	succ    []did.Did

	predMu sync.RWMutex
	pred   *did.Did

	fingerMu sync.RWMutex
	finger   [did.Bits]did.Did // zero entry means "unknown"
	fixIdx   int               // round-robin cursor for fix-fingers
}

// New creates a PeerRing for localDid, backed by store for DHT payload
// key-value data. succMax <= 0 uses DefaultSuccMax.
func New(localDid did.Did, succMax int, store storage.Persistence) *PeerRing {
	if succMax <= 0 {
		succMax = DefaultSuccMax
	}
	return &PeerRing{
		localDid: localDid,
		succMax:  succMax,
		store:    store,
	}
}

// LocalDid returns the node's own identifier.
func (r *PeerRing) LocalDid() did.Did { return r.localDid }

// SuccessorList returns a snapshot copy of the current successor list,
// ordered by clockwise distance from the local did.
func (r *PeerRing) SuccessorList() []did.Did {
	r.succMu.RLock()
	defer r.succMu.RUnlock()
	out := make([]did.Did, len(r.succ))
	copy(out, r.succ)
	return out
}

// Fingers returns a snapshot copy of the 160-entry finger table. Unknown
// entries are the zero Did.
func (r *PeerRing) Fingers() []did.Did {
	r.fingerMu.RLock()
	defer r.fingerMu.RUnlock()
	out := make([]did.Did, len(r.finger))
	copy(out, r.finger[:])
	return out
}

// Predecessor returns the current predecessor, if any.
func (r *PeerRing) Predecessor() (did.Did, bool) {
	r.predMu.RLock()
	defer r.predMu.RUnlock()
	if r.pred == nil {
		return did.Did{}, false
	}
	return *r.pred, true
}

// Join inserts peerDid into the successor list (in clockwise order,
// capped at succMax) and into every finger table entry it is the closest
// known peer for. Safe to call repeatedly; demotes/no-ops on duplicates.
func (r *PeerRing) Join(peerDid did.Did) {
	if peerDid == r.localDid {
		return
	}
	r.insertSuccessor(peerDid)
	r.fingerMu.Lock()
	for i := range r.finger {
		target := r.localDid.AddOffset(uint(i))
		if r.finger[i].IsZero() || closerClockwise(r.localDid, peerDid, r.finger[i], target) {
			r.finger[i] = peerDid
		}
	}
	r.fingerMu.Unlock()
}

// insertSuccessor adds peerDid to the successor list in clockwise order
// from local_did, truncating at succMax.
func (r *PeerRing) insertSuccessor(peerDid did.Did) {
	r.succMu.Lock()
	defer r.succMu.Unlock()

	for _, d := range r.succ {
		if d == peerDid {
			return
		}
	}
	r.succ = append(r.succ, peerDid)
	sort.Slice(r.succ, func(i, j int) bool {
		return r.localDid.Distance(r.succ[i]).Cmp(r.localDid.Distance(r.succ[j])) < 0
	})
	if len(r.succ) > r.succMax {
		r.succ = r.succ[:r.succMax]
	}
}

// Leave removes peerDid from every ring structure. If it was the
// predecessor, the predecessor cell is cleared. Any locally-stored keys
// this node held only because peerDid's departure reassigns them are left
// untouched here; use Handoff to migrate keys before calling Leave.
func (r *PeerRing) Leave(peerDid did.Did) {
	r.succMu.Lock()
	out := r.succ[:0]
	for _, d := range r.succ {
		if d != peerDid {
			out = append(out, d)
		}
	}
	r.succ = out
	r.succMu.Unlock()

	r.predMu.Lock()
	if r.pred != nil && *r.pred == peerDid {
		r.pred = nil
	}
	r.predMu.Unlock()

	r.fingerMu.Lock()
	for i := range r.finger {
		if r.finger[i] == peerDid {
			r.finger[i] = did.Did{}
		}
	}
	r.fingerMu.Unlock()
}

// Notify is called by a peer claiming to be our predecessor. It is
// accepted if it lies clockwise-between the current predecessor (or
// anywhere, if there is none) and local_did.
func (r *PeerRing) Notify(peerDid did.Did) {
	if peerDid == r.localDid {
		return
	}
	r.predMu.Lock()
	defer r.predMu.Unlock()

	if r.pred == nil || did.Between(*r.pred, peerDid, r.localDid, false, false) {
		p := peerDid
		r.pred = &p
	}
}

// FindSuccessor resolves which peer is responsible for target: this node
// itself, a known successor, or the closest preceding finger to forward
// the query to.
func (r *PeerRing) FindSuccessor(target did.Did) FindResult {
	pred, hasPred := r.Predecessor()
	succs := r.SuccessorList()

	if !hasPred && len(succs) == 0 {
		// Alone on the ring: responsible for the entire identifier space.
		return FindResult{Kind: FindSelf}
	}
	if target == r.localDid {
		return FindResult{Kind: FindSelf}
	}
	if hasPred && did.Between(pred, target, r.localDid, false, true) {
		return FindResult{Kind: FindSelf}
	}

	if len(succs) > 0 && did.Between(r.localDid, target, succs[0], false, true) {
		return FindResult{Kind: FindPeer, Did: succs[0]}
	}

	if next, ok := r.closestPrecedingFinger(target); ok {
		return FindResult{Kind: FindForward, Did: next}
	}
	// No finger helps: fall back to the closest known successor so the
	// search still makes forward progress instead of stalling.
	if len(succs) > 0 {
		return FindResult{Kind: FindForward, Did: succs[0]}
	}
	return FindResult{Kind: FindSelf}
}

// closestPrecedingFinger returns the highest-index finger entry whose did
// lies strictly clockwise-between local_did and target.
func (r *PeerRing) closestPrecedingFinger(target did.Did) (did.Did, bool) {
	r.fingerMu.RLock()
	defer r.fingerMu.RUnlock()

	for i := len(r.finger) - 1; i >= 0; i-- {
		f := r.finger[i]
		if f.IsZero() {
			continue
		}
		if did.Between(r.localDid, f, target, false, false) {
			return f, true
		}
	}
	return did.Did{}, false
}

// NextFingerFix returns the target identifier for the next round-robin
// finger-table slot and advances the cursor, fixing at most one finger
// per call.
func (r *PeerRing) NextFingerFix() (idx int, target did.Did) {
	r.fingerMu.Lock()
	idx = r.fixIdx
	r.fixIdx = (r.fixIdx + 1) % len(r.finger)
	r.fingerMu.Unlock()
	return idx, r.localDid.AddOffset(uint(idx))
}

// SetFinger stores the result of a completed find_successor for slot idx.
func (r *PeerRing) SetFinger(idx int, d did.Did) {
	r.fingerMu.Lock()
	r.finger[idx] = d
	r.fingerMu.Unlock()
}

// ClearPredecessorIfDisconnected clears the predecessor cell when alive
// reports it is no longer reachable.
func (r *PeerRing) ClearPredecessorIfDisconnected(alive func(did.Did) bool) {
	r.predMu.Lock()
	defer r.predMu.Unlock()
	if r.pred != nil && !alive(*r.pred) {
		r.pred = nil
	}
}

// ReapSuccessors drops every successor for which alive returns false. It
// returns the removed DIDs so the caller can schedule replacement lookups.
func (r *PeerRing) ReapSuccessors(alive func(did.Did) bool) []did.Did {
	r.succMu.Lock()
	defer r.succMu.Unlock()

	var removed []did.Did
	out := r.succ[:0]
	for _, d := range r.succ {
		if alive(d) {
			out = append(out, d)
		} else {
			removed = append(removed, d)
		}
	}
	r.succ = out
	return removed
}

// Handoff scans locally-stored keys whose responsible DID (by
// FindSuccessor) is no longer this node and returns them, for migration
// to the new successor before this node leaves the ring. This supplements
// the Rust original's implied but undetailed finalize-on-leave behavior.
func (r *PeerRing) Handoff(ctx context.Context) (map[string][]byte, error) {
	keys, err := r.store.Scan(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, k := range keys {
		d, err := did.FromBytes(k)
		if err != nil {
			continue
		}
		if r.FindSuccessor(d).Kind == FindSelf {
			continue
		}
		val, ok, err := r.store.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		out[string(k)] = val
	}
	return out, nil
}

// closerClockwise reports whether candidate lies closer than current to
// target, measured clockwise from target (a finger entry holds the first
// known peer at or after its target), used when deciding whether a
// newly-joined peer should replace a finger table entry. origin is not
// used in the comparison.
func closerClockwise(origin, candidate, current, target did.Did) bool {
	return target.Distance(candidate).Cmp(target.Distance(current)) < 0
}
