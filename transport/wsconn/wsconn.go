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

// Package wsconn is the production transport.Transport: an SDP-shaped
// offer/answer exchange that bootstraps a persistent gorilla/websocket
// connection as the data channel. There is no STUN/TURN/ICE candidate
// negotiation; the offer simply carries the signaling endpoint the
// answering side should dial back to, identified by a one-time token.
package wsconn

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rings-x-project/rings-node/internal/metrics"
	"github.com/rings-x-project/rings-node/transport"
)

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

const (
	DefaultDialTimeout  = 10 * time.Second
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	acceptWait          = 20 * time.Second
)

// offerPayload is the wire-shape of CreateOffer's return value.
type offerPayload struct {
	Token        string `json:"token"`
	SignalingURL string `json:"signaling_url"`
}

// answerPayload is the wire-shape of AnswerOffer's return value.
type answerPayload struct {
	Token string `json:"token"`
}

// Transport is a Transport backed by websocket connections. SignalingURL
// is this node's own publicly reachable signaling endpoint, embedded in
// every offer so the answering peer knows where to dial back.
type Transport struct {
	selfCid string

	urlMu        sync.RWMutex
	signalingURL string

	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	mu    sync.Mutex
	conns map[string]*Connection

	pendingMu sync.Mutex
	pending   map[string]chan *websocket.Conn
}

// New creates a Transport identified as selfCid, advertising
// signalingURL as the endpoint peers dial to complete a connection this
// node offered.
func New(selfCid, signalingURL string) *Transport {
	return &Transport{
		selfCid:      selfCid,
		signalingURL: signalingURL,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer:  websocket.Dialer{HandshakeTimeout: DefaultDialTimeout},
		conns:   make(map[string]*Connection),
		pending: make(map[string]chan *websocket.Conn),
	}
}

// SetSignalingURL updates the address embedded in future offers. Useful
// when the node's externally reachable address is only known after its
// HTTP listener binds, e.g. an ephemeral port chosen by the OS.
func (t *Transport) SetSignalingURL(url string) {
	t.urlMu.Lock()
	t.signalingURL = url
	t.urlMu.Unlock()
}

func (t *Transport) currentSignalingURL() string {
	t.urlMu.RLock()
	defer t.urlMu.RUnlock()
	return t.signalingURL
}

func isLive(s transport.State) bool {
	return s == transport.StateNew || s == transport.StateConnecting || s == transport.StateConnected
}

func (t *Transport) NewConnection(_ context.Context, cid string, cb transport.Callback) (transport.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.conns[cid]; ok && isLive(existing.State()) {
		return nil, transport.ErrConnectionAlreadyExists
	}
	conn := newConnection(t, t.selfCid, cid, cb)
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

// Handler returns the http.Handler this node mounts at its signaling
// endpoint. A request whose "token" query parameter matches no pending
// offer is answered with 404 without upgrading; otherwise the request is
// upgraded to a websocket and handed to the waiting Connection, and the
// socket is closed if that Connection has already received one.
func (t *Transport) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		t.pendingMu.Lock()
		ch, ok := t.pending[token]
		t.pendingMu.Unlock()
		if !ok {
			http.Error(w, "unknown or expired token", http.StatusNotFound)
			return
		}

		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case ch <- conn:
		default:
			_ = conn.Close()
		}
	})
}

func (t *Transport) registerPending(token string) chan *websocket.Conn {
	ch := make(chan *websocket.Conn, 1)
	t.pendingMu.Lock()
	t.pending[token] = ch
	t.pendingMu.Unlock()
	return ch
}

func (t *Transport) unregisterPending(token string) {
	t.pendingMu.Lock()
	delete(t.pending, token)
	t.pendingMu.Unlock()
}

// Connection is a websocket-backed transport.Connection.
type Connection struct {
	transport *Transport
	localCid  string
	peerCid   string
	cb        transport.Callback

	token string

	mu    sync.Mutex
	cond  *sync.Cond
	state transport.State
	ws    *websocket.Conn
}

func newConnection(t *Transport, localCid, peerCid string, cb transport.Callback) *Connection {
	c := &Connection{
		transport: t,
		localCid:  localCid,
		peerCid:   peerCid,
		cb:        cb,
		state:     transport.StateNew,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Connection) CreateOffer(_ context.Context) ([]byte, error) {
	metrics.HandshakesInitiated.WithLabelValues("offerer").Inc()
	start := time.Now()
	defer func() { metrics.HandshakeDuration.WithLabelValues("offer").Observe(time.Since(start).Seconds()) }()

	c.setState(transport.StateConnecting)
	c.token = randomToken()
	c.transport.registerPending(c.token)
	payload := offerPayload{Token: c.token, SignalingURL: c.transport.currentSignalingURL()}
	return json.Marshal(payload)
}

func (c *Connection) AnswerOffer(ctx context.Context, offer []byte) ([]byte, error) {
	metrics.HandshakesInitiated.WithLabelValues("answerer").Inc()
	start := time.Now()
	defer func() { metrics.HandshakeDuration.WithLabelValues("answer").Observe(time.Since(start).Seconds()) }()

	var p offerPayload
	if err := json.Unmarshal(offer, &p); err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("wsconn: malformed offer: %w", err)
	}
	c.setState(transport.StateConnecting)

	url := fmt.Sprintf("%s?token=%s", p.SignalingURL, p.Token)
	ws, _, err := c.transport.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.setState(transport.StateFailed)
		metrics.HandshakesFailed.WithLabelValues("dial").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("wsconn: dial signaling endpoint: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	go c.readLoop(ws)

	// The answering side's data channel is live as soon as the dial
	// succeeds; there is no further accept step for this side.
	c.setState(transport.StateConnected)
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()

	return json.Marshal(answerPayload{Token: p.Token})
}

func (c *Connection) AcceptAnswer(ctx context.Context, answer []byte) error {
	start := time.Now()
	defer func() { metrics.HandshakeDuration.WithLabelValues("accept").Observe(time.Since(start).Seconds()) }()

	var p answerPayload
	if err := json.Unmarshal(answer, &p); err != nil {
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("wsconn: malformed answer: %w", err)
	}
	if p.Token != c.token {
		c.setState(transport.StateFailed)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("wsconn: answer token mismatch")
	}

	c.transport.pendingMu.Lock()
	ch := c.transport.pending[p.Token]
	c.transport.pendingMu.Unlock()
	if ch == nil {
		c.setState(transport.StateFailed)
		metrics.HandshakesFailed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("wsconn: no pending offer for token")
	}
	defer c.transport.unregisterPending(p.Token)

	waitCtx, cancel := context.WithTimeout(ctx, acceptWait)
	defer cancel()

	select {
	case ws := <-ch:
		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		go c.readLoop(ws)
		c.setState(transport.StateConnected)
		metrics.HandshakesCompleted.WithLabelValues("success").Inc()
		return nil
	case <-waitCtx.Done():
		c.setState(transport.StateFailed)
		metrics.HandshakesFailed.WithLabelValues("timeout").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return waitCtx.Err()
	}
}

func (c *Connection) readLoop(ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(DefaultReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.setState(transport.StateDisconnected)
			return
		}
		if c.cb != nil {
			c.cb.OnMessage(c.peerCid, data)
		}
	}
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
		if c.State() == transport.StateConnected {
			return nil
		}
		return transport.ErrClosed
	case <-ctx.Done():
		c.cond.Broadcast()
		return ctx.Err()
	}
}

func (c *Connection) SendMessage(_ context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()
	if state != transport.StateConnected || ws == nil {
		return transport.ErrChannelNotOpen
	}
	if err := ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return err
	}
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Connection) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	c.setState(transport.StateClosed)
	if ws != nil {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ws.Close()
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
