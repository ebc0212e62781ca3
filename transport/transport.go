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

// Package transport defines the per-peer connection abstraction every
// concrete transport (transport/wsconn, transport/dummy) implements, plus
// the connection pool that owns them. State transitions are the single
// source of truth; every observer (the Swarm's event loop, the router)
// learns about them only through the Callback interface, never by
// polling.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/rings-x-project/rings-node/did"
)

// State mirrors the WebRTC connection states every connection
// implementation must expose.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	ErrChannelNotOpen         = errors.New("transport: channel not open")
	ErrConnectionAlreadyExists = errors.New("transport: connection already exists")
	ErrClosed                 = errors.New("transport: connection closed")
)

// Connection is the per-peer operation set every transport must expose.
// The transport never calls back into a Callback re-entrantly from inside
// SendMessage.
type Connection interface {
	// CreateOffer moves New->Connecting and returns an SDP-shaped offer.
	CreateOffer(ctx context.Context) ([]byte, error)
	// AnswerOffer moves New->Connecting, binds the remote offer, and
	// returns an SDP-shaped answer.
	AnswerOffer(ctx context.Context, offer []byte) ([]byte, error)
	// AcceptAnswer moves Connecting->Connected.
	AcceptAnswer(ctx context.Context, answer []byte) error
	// WaitForDataChannelOpen resolves once the channel is writable; it
	// fails if the connection reaches Failed or Closed first.
	WaitForDataChannelOpen(ctx context.Context) error
	// SendMessage fails with ErrChannelNotOpen unless State() == StateConnected.
	SendMessage(ctx context.Context, data []byte) error
	// Close moves the connection to Closed.
	Close() error
	// State is a non-blocking snapshot of the current state.
	State() State
}

// Callback receives transport-level events. Implementations must not
// block for long inside these methods; the transport delivers them
// synchronously from its own I/O goroutines.
type Callback interface {
	OnMessage(cid string, data []byte)
	OnPeerConnectionStateChange(cid string, state State)
}

// Transport creates and manages connections identified by cid, the
// string form of the remote DID.
type Transport interface {
	NewConnection(ctx context.Context, cid string, cb Callback) (Connection, error)
	CloseConnection(cid string) error
	Connection(cid string) (Connection, bool)
	ConnectionIDs() []string
}

// CidFromDid returns the canonical connection id string for a DID.
func CidFromDid(d did.Did) string { return d.String() }

// Pool maps cid -> Connection with atomic insert-fails-if-live semantics:
// Insert refuses to add a connection for a cid that already has a live
// one (New, Connecting, or Connected), preventing the split-brain where
// two half-open connections race to the same peer.
type Pool struct {
	mu    sync.RWMutex
	conns map[string]Connection
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{conns: make(map[string]Connection)}
}

func isLive(s State) bool {
	return s == StateNew || s == StateConnecting || s == StateConnected
}

// Insert adds conn under cid, failing with ErrConnectionAlreadyExists if a
// live connection is already registered there.
func (p *Pool) Insert(cid string, conn Connection) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.conns[cid]; ok && isLive(existing.State()) {
		return ErrConnectionAlreadyExists
	}
	p.conns[cid] = conn
	return nil
}

// Remove tears down and evicts the connection for cid, invalidating any
// outstanding Ref handles.
func (p *Pool) Remove(cid string) {
	p.mu.Lock()
	conn, ok := p.conns[cid]
	delete(p.conns, cid)
	p.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Get returns a weak-style reference to the connection registered for
// cid, if any.
func (p *Pool) Get(cid string) (Ref, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.conns[cid]
	if !ok {
		return Ref{}, false
	}
	return Ref{pool: p, cid: cid}, true
}

// IDs returns every cid currently registered, live or not.
func (p *Pool) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.conns))
	for cid := range p.conns {
		out = append(out, cid)
	}
	return out
}

// Ref is a weak-style handle into the pool: it tolerates eviction between
// the time it was obtained and the time it is used.
type Ref struct {
	pool *Pool
	cid  string
}

// Upgrade resolves the reference to a live Connection, failing if the
// pool entry has since been evicted.
func (r Ref) Upgrade() (Connection, bool) {
	if r.pool == nil {
		return nil, false
	}
	r.pool.mu.RLock()
	defer r.pool.mu.RUnlock()
	conn, ok := r.pool.conns[r.cid]
	return conn, ok
}
