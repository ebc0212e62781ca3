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

// Package dummy is a process-local test transport that connects peers by
// exchanging opaque offer/answer tokens through a Fixture, allowing
// multi-node tests without real networking. Unlike the connections this
// package is modeled on, there is no module-level singleton: every test
// constructs its own Fixture, so tests can run in parallel without
// fighting over shared global tables.
package dummy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rings-x-project/rings-node/transport"
)

// Fixture is the shared registry a set of dummy transports use to find
// each other. Each test owns exactly one Fixture.
type Fixture struct {
	mu    sync.Mutex
	conns map[string]*Connection // offer/answer token -> waiting connection
}

// NewFixture creates an empty, test-local registry.
func NewFixture() *Fixture {
	return &Fixture{conns: make(map[string]*Connection)}
}

// Transport is a dummy.Fixture-backed implementation of transport.Transport.
type Transport struct {
	fixture *Fixture
	selfCid string

	mu    sync.Mutex
	conns map[string]*Connection
}

// New creates a Transport identified as selfCid, registered against fx.
func New(fx *Fixture, selfCid string) *Transport {
	return &Transport{fixture: fx, selfCid: selfCid, conns: make(map[string]*Connection)}
}

func (t *Transport) NewConnection(_ context.Context, cid string, cb transport.Callback) (transport.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[cid]; ok && isLive(existing.State()) {
		return nil, transport.ErrConnectionAlreadyExists
	}
	conn := &Connection{
		fixture:  t.fixture,
		localCid: t.selfCid,
		peerCid:  cid,
		cb:       cb,
		state:    transport.StateNew,
	}
	conn.cond = sync.NewCond(&conn.mu)
	t.conns[cid] = conn
	return conn, nil
}

func (t *Transport) CloseConnection(cid string) error {
	t.mu.Lock()
	conn, ok := t.conns[cid]
	delete(t.conns, cid)
	t.mu.Unlock()
	if ok {
		return conn.Close()
	}
	return nil
}

func (t *Transport) Connection(cid string) (transport.Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[cid]
	return c, ok
}

func (t *Transport) ConnectionIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for cid := range t.conns {
		out = append(out, cid)
	}
	return out
}

func isLive(s transport.State) bool {
	return s == transport.StateNew || s == transport.StateConnecting || s == transport.StateConnected
}

// Connection is a dummy in-process connection. Sending a message invokes
// the callback of the remote Connection it was paired with during
// AnswerOffer, in-process, simulating network delivery without any real
// I/O.
type Connection struct {
	fixture  *Fixture
	localCid string
	peerCid  string
	cb       transport.Callback

	mu    sync.Mutex
	cond  *sync.Cond
	state transport.State

	remote *Connection
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateOffer and AnswerOffer hand back the token JSON-encoded (a quoted
// string) rather than as raw bytes, so the pair round-trips through a
// json.RawMessage handshake envelope the same way a real SDP blob would.
func (c *Connection) CreateOffer(_ context.Context) ([]byte, error) {
	c.setState(transport.StateConnecting)
	token := randomToken()

	c.fixture.mu.Lock()
	c.fixture.conns[token] = c
	c.fixture.mu.Unlock()

	return json.Marshal(token)
}

func (c *Connection) AnswerOffer(_ context.Context, offer []byte) ([]byte, error) {
	c.setState(transport.StateConnecting)
	var token string
	if err := json.Unmarshal(offer, &token); err != nil {
		c.setState(transport.StateFailed)
		return nil, fmt.Errorf("dummy: malformed offer: %w", err)
	}

	c.fixture.mu.Lock()
	peer, ok := c.fixture.conns[token]
	delete(c.fixture.conns, token)
	c.fixture.mu.Unlock()

	if !ok {
		c.setState(transport.StateFailed)
		return nil, transport.ErrClosed
	}

	c.remote = peer
	peer.remote = c
	return json.Marshal(token)
}

func (c *Connection) AcceptAnswer(_ context.Context, _ []byte) error {
	c.setState(transport.StateConnected)
	if c.remote != nil {
		c.remote.setState(transport.StateConnected)
	}
	return nil
}

func (c *Connection) WaitForDataChannelOpen(ctx context.Context) error {
	changed := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for {
			select {
			case <-done:
				return
			default:
			}
			if c.state == transport.StateConnected || c.state == transport.StateFailed || c.state == transport.StateClosed {
				close(changed)
				return
			}
			c.cond.Wait()
		}
	}()

	select {
	case <-changed:
		switch c.State() {
		case transport.StateConnected:
			return nil
		default:
			return transport.ErrClosed
		}
	case <-ctx.Done():
		// Wake the waiting goroutine so it can observe done and exit.
		c.cond.Broadcast()
		return ctx.Err()
	}
}

func (c *Connection) SendMessage(_ context.Context, data []byte) error {
	if c.State() != transport.StateConnected {
		return transport.ErrChannelNotOpen
	}
	remote := c.remote
	if remote == nil || remote.cb == nil {
		return transport.ErrChannelNotOpen
	}
	remote.cb.OnMessage(c.localCid, data)
	return nil
}

func (c *Connection) Close() error {
	c.setState(transport.StateClosed)
	if c.remote != nil {
		c.remote.setState(transport.StateDisconnected)
	}
	return nil
}

func (c *Connection) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s transport.State) {
	c.mu.Lock()
	c.state = s
	c.cond.Broadcast()
	c.mu.Unlock()
	if c.cb != nil {
		c.cb.OnPeerConnectionStateChange(c.peerCid, s)
	}
}
