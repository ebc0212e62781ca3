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

// Package swarm wires the transport, the DHT ring, the stabilizer, and
// the router into the single orchestrator external code talks to.
//
// The transport, its per-connection callbacks, and the Swarm form a
// natural reference cycle: the transport holds a callback, the callback
// needs to reach the Swarm to update ring state, and the Swarm owns the
// transport. This is cut by construction: the Swarm owns the transport
// and a single event channel; the
// transport's callback holds only the send side of that channel, never
// a reference back to the Swarm itself. The Swarm's own event loop is
// the only thing that resolves Swarm-wide state changes.
package swarm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rings-x-project/rings-node/chunk"
	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/dht"
	"github.com/rings-x-project/rings-node/internal/metrics"
	"github.com/rings-x-project/rings-node/message"
	"github.com/rings-x-project/rings-node/router"
	"github.com/rings-x-project/rings-node/session"
	"github.com/rings-x-project/rings-node/stabilizer"
	"github.com/rings-x-project/rings-node/storage"
	"github.com/rings-x-project/rings-node/transport"
)

// EventKind distinguishes the three events the transport callback reports
// into the Swarm's event channel.
type EventKind int

const (
	EventConnected EventKind = iota
	EventClosed
	EventDataChannelMessage
)

// Event is one item flowing through the Swarm's transport-event channel.
type Event struct {
	Kind EventKind
	Peer did.Did
	Data []byte
}

// Callback is the application-facing observer interface, invoked from
// the Swarm's event-loop task. Errors from OnValidate drop the message;
// the other two methods return nothing.
type Callback interface {
	OnValidate(payload *message.Envelope) error
	OnInbound(payload *message.Envelope)
	OnEvent(event Event)
}

// NopCallback is the zero-value Callback: every hook is a no-op.
type NopCallback struct{}

func (NopCallback) OnValidate(*message.Envelope) error { return nil }
func (NopCallback) OnInbound(*message.Envelope)        {}
func (NopCallback) OnEvent(Event)                      {}

// innerCallback is the only object the transport holds. It never
// references the Swarm, only the send side of its event channel.
type innerCallback struct {
	events chan<- Event
}

func (c *innerCallback) OnMessage(cid string, data []byte) {
	peer, err := did.FromHex(cid)
	if err != nil {
		return
	}
	c.events <- Event{Kind: EventDataChannelMessage, Peer: peer, Data: data}
}

func (c *innerCallback) OnPeerConnectionStateChange(cid string, state transport.State) {
	metrics.ConnectionStateChanges.WithLabelValues(state.String()).Inc()
	peer, err := did.FromHex(cid)
	if err != nil {
		return
	}
	switch state {
	case transport.StateConnected:
		c.events <- Event{Kind: EventConnected, Peer: peer}
	case transport.StateFailed, transport.StateDisconnected, transport.StateClosed:
		c.events <- Event{Kind: EventClosed, Peer: peer}
	}
}

// pubkeyRegistry is a simple in-memory PubkeyResolver populated as peer
// session delegations are learned (out of band, e.g. during the HTTP
// signaling handshake or a dedicated delegation exchange message type
// outside this package's scope).
type pubkeyRegistry struct {
	mu   sync.RWMutex
	pubs map[did.Did]*ecdsa.PublicKey
}

func newPubkeyRegistry() *pubkeyRegistry {
	return &pubkeyRegistry{pubs: make(map[did.Did]*ecdsa.PublicKey)}
}

func (p *pubkeyRegistry) Register(d did.Did, pub *ecdsa.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs[d] = pub
}

func (p *pubkeyRegistry) ResolveSessionPubkey(d did.Did) (*ecdsa.PublicKey, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pub, ok := p.pubs[d]
	if !ok {
		return nil, fmt.Errorf("swarm: no known session pubkey for %s", d)
	}
	return pub, nil
}

// addressBook maps a peer's did to the external address it presented
// during handshake, letting the ring-control RPC client reach it
// directly instead of only over an already-open data channel.
type addressBook struct {
	mu   sync.RWMutex
	addr map[did.Did]string
}

func newAddressBook() *addressBook {
	return &addressBook{addr: make(map[did.Did]string)}
}

func (a *addressBook) Set(d did.Did, address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.addr[d] = address
}

func (a *addressBook) Get(d did.Did) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	address, ok := a.addr[d]
	return address, ok
}

// Swarm owns the transport, the ring, the stabilizer, and the router,
// and runs the single event-loop task that serializes every state change
// triggered by transport events.
type Swarm struct {
	sk          *session.SessionSk
	ring        *dht.PeerRing
	transport   transport.Transport
	pool        *transport.Pool
	pubkeys     *pubkeyRegistry
	delegations *session.DelegationCache
	addresses   *addressBook
	router      *router.Router
	stab        *stabilizer.Stabilizer
	callback    Callback

	externalAddress string

	events chan Event
	stop   chan struct{}
	done   chan struct{}

	httpClient *http.Client
}

// Config collects the construction-time options New builds a Swarm from.
type Config struct {
	SessionSk        *session.SessionSk
	DHTSuccMax       int
	DHTStorage       storage.Persistence
	Transport        transport.Transport
	RingRPC          stabilizer.RingRPC
	StabilizePeriod  time.Duration
	Callback         Callback
	MaxHops          uint8
	ReassemblyCap    int
	ReassemblyTTL    time.Duration
	NonceCacheTTL    time.Duration
	DelegationSweep  time.Duration
	// ExternalAddress, if set, is this node's externally reachable base
	// URL, presented to peers during handshake so they can reach this
	// node's ring-control endpoint.
	ExternalAddress string
}

// DefaultDelegationSweep is how often the delegation cache evicts expired
// entries when Config.DelegationSweep is left unset.
const DefaultDelegationSweep = time.Minute

// New builds a Swarm from cfg. The transport and ring_rpc must already
// know how to reach peers; New only wires the pieces together.
func New(cfg Config) *Swarm {
	if cfg.Callback == nil {
		cfg.Callback = NopCallback{}
	}
	ring := dht.New(cfg.SessionSk.AccountDID(), cfg.DHTSuccMax, cfg.DHTStorage)
	pool := transport.NewPool()
	pubkeys := newPubkeyRegistry()
	pubkeys.Register(cfg.SessionSk.AccountDID(), cfg.SessionSk.SessionPublicKey())

	sweep := cfg.DelegationSweep
	if sweep <= 0 {
		sweep = DefaultDelegationSweep
	}

	s := &Swarm{
		sk:              cfg.SessionSk,
		ring:            ring,
		transport:       cfg.Transport,
		pool:            pool,
		pubkeys:         pubkeys,
		delegations:     session.NewDelegationCache(sweep),
		addresses:       newAddressBook(),
		callback:        cfg.Callback,
		externalAddress: cfg.ExternalAddress,
		events:          make(chan Event, 256),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
		httpClient:      &http.Client{Timeout: 15 * time.Second},
	}

	reasm := chunk.NewReassembler(cfg.ReassemblyTTL, cfg.ReassemblyCap)
	seen := session.NewNonceCache(cfg.NonceCacheTTL)
	s.router = router.New(ring, cfg.SessionSk, s, pubkeys, routerCallbackAdapter{s}, reasm, seen, cfg.MaxHops)

	if cfg.RingRPC != nil {
		s.stab = stabilizer.New(ring, cfg.RingRPC, cfg.StabilizePeriod)
	}
	return s
}

// routerCallbackAdapter lets Swarm satisfy router.Callback without
// exposing OnEvent (which router never needs) as part of that interface.
type routerCallbackAdapter struct{ s *Swarm }

func (a routerCallbackAdapter) OnValidate(env *message.Envelope) error {
	return a.s.callback.OnValidate(env)
}

func (a routerCallbackAdapter) OnInbound(env *message.Envelope) {
	a.s.callback.OnInbound(env)
}

// Ring returns the Swarm's underlying PeerRing, e.g. for inspection or a
// health check.
func (s *Swarm) Ring() *dht.PeerRing { return s.ring }

// EnableStabilizer starts this Swarm's own HTTP-based RingRPC (see
// ringrpc.go) and the stabilizer tick loop against it. It is a no-op if a
// stabilizer is already running, e.g. one supplied via Config.RingRPC.
// Deferred like this because HTTPRingRPC needs a live *Swarm to reach the
// pool and address book, which don't exist yet inside New.
func (s *Swarm) EnableStabilizer(period time.Duration) {
	if s.stab != nil {
		return
	}
	s.stab = stabilizer.New(s.ring, s.RingRPC(), period)
}

// RegisterPeerPubkey records the session public key a peer has delegated
// to sign on its behalf, learned via a prior handshake. Required before
// any message to or from that peer can be verified.
func (s *Swarm) RegisterPeerPubkey(peer did.Did, pub *ecdsa.PublicKey) {
	s.pubkeys.Register(peer, pub)
}

// Send routes body to destination through the DHT.
func (s *Swarm) Send(ctx context.Context, destination did.Did, body []byte) error {
	return s.router.Send(ctx, destination, body)
}

// EnsureConnection implements router.ConnectionOpener: it returns the
// already-open pool connection for peer, failing if none exists. New
// connections are only created through ConnectPeerViaHTTP (or its
// equivalent on the receiving side), since establishing one requires an
// out-of-band signaling exchange the router itself has no part in.
func (s *Swarm) EnsureConnection(_ context.Context, peer did.Did) (transport.Connection, error) {
	ref, ok := s.pool.Get(transport.CidFromDid(peer))
	if !ok {
		return nil, fmt.Errorf("swarm: no connection to %s; connect first", peer)
	}
	conn, ok := ref.Upgrade()
	if !ok {
		return nil, fmt.Errorf("swarm: connection to %s was evicted", peer)
	}
	return conn, nil
}

// handshakeEnvelope is the HTTP signaling body exchanged by
// ConnectPeerViaHTTP and its server-side Handler. The delegation fields are
// optional: a peer that omits them must have its session pubkey registered
// out of band via RegisterPeerPubkey before any message to or from it can
// be verified.
type handshakeEnvelope struct {
	OriginDid       string          `json:"origin_did"`
	Body            json.RawMessage `json:"body"`
	AccountPubkey   []byte          `json:"account_pubkey,omitempty"`
	SessionPubkey   []byte          `json:"session_pubkey,omitempty"`
	Expiry          int64           `json:"expiry,omitempty"`
	Cert            []byte          `json:"cert,omitempty"`
	ExternalAddress string          `json:"external_address,omitempty"`
}

// selfDelegation fills in the delegation fields of an outgoing
// handshakeEnvelope with this node's own session certificate, so the peer
// can register this node's session pubkey without a separate exchange.
// It also stamps the node's own external address, if configured, so the
// peer can reach this node's ring-control endpoint directly.
func (s *Swarm) selfDelegation(env handshakeEnvelope) handshakeEnvelope {
	env.AccountPubkey = s.sk.AuthorizerPubkeyBytes()
	env.SessionPubkey = s.sk.SessionPublicBytes()
	env.Expiry = s.sk.Expiry().Unix()
	env.Cert = s.sk.Certificate()
	env.ExternalAddress = s.externalAddress
	return env
}

// registerDelegation verifies and registers the session pubkey a peer
// presented in a handshake envelope. It is a no-op if the peer presented
// none, leaving that peer's session pubkey to a manual RegisterPeerPubkey
// call.
func (s *Swarm) registerDelegation(peer did.Did, env handshakeEnvelope) error {
	if len(env.SessionPubkey) == 0 {
		return nil
	}
	accountPub, err := did.PubkeyFromBytes(env.AccountPubkey)
	if err != nil {
		return fmt.Errorf("swarm: malformed account pubkey from %s: %w", peer, err)
	}
	if did.FromPubkey(accountPub) != peer {
		return fmt.Errorf("swarm: account pubkey does not match origin_did %s", peer)
	}
	sessionPub, err := did.PubkeyFromBytes(env.SessionPubkey)
	if err != nil {
		return fmt.Errorf("swarm: malformed session pubkey from %s: %w", peer, err)
	}
	sessionDid := did.FromPubkey(sessionPub)
	expiry := time.Unix(env.Expiry, 0)

	if cached, ok := s.delegations.Get(sessionDid, time.Now()); ok {
		if cached != peer {
			return fmt.Errorf("swarm: cached delegation for session %s belongs to a different account", sessionDid)
		}
	} else {
		account, err := session.VerifyDelegation(accountPub, env.SessionPubkey, expiry, env.Cert, time.Now())
		if err != nil {
			return fmt.Errorf("swarm: verify delegation from %s: %w", peer, err)
		}
		if account != peer {
			return fmt.Errorf("swarm: delegation certificate authorizes a different account than %s", peer)
		}
		s.delegations.Put(sessionDid, account, expiry)
	}
	s.pubkeys.Register(peer, sessionPub)
	if env.ExternalAddress != "" {
		s.addresses.Set(peer, env.ExternalAddress)
	}
	return nil
}

// ConnectPeerViaHTTP establishes a connection to a known peer by POSTing
// an offer to its signaling URL and completing the answer.
func (s *Swarm) ConnectPeerViaHTTP(ctx context.Context, peer did.Did, signalingURL string) error {
	cid := transport.CidFromDid(peer)
	conn, err := s.transport.NewConnection(ctx, cid, &innerCallback{events: s.events})
	if err != nil {
		return err
	}
	if err := s.pool.Insert(cid, conn); err != nil {
		return err
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(s.selfDelegation(handshakeEnvelope{OriginDid: s.sk.AccountDID().String(), Body: offer}))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, signalingURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("swarm: connect to %s: %w", signalingURL, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var answer handshakeEnvelope
	if err := json.Unmarshal(respBody, &answer); err != nil {
		return fmt.Errorf("swarm: malformed handshake response: %w", err)
	}
	if err := s.registerDelegation(peer, answer); err != nil {
		return err
	}

	if err := conn.AcceptAnswer(ctx, answer.Body); err != nil {
		return err
	}
	s.ring.Join(peer)
	return nil
}

// wsHandler is implemented by transports that need an HTTP endpoint of
// their own for the data channel to dial back into, e.g. wsconn.Transport.
// The dummy transport used in tests needs no such endpoint.
type wsHandler interface {
	Handler() http.Handler
}

// Handler returns the http.Handler this node mounts at its externally
// reachable address: "/handshake" accepts inbound ConnectPeerViaHTTP
// requests, and, if the configured transport exposes one, "/ws" accepts
// the resulting data-channel dial-back.
func (s *Swarm) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/handshake", s.handleHandshake)
	mux.HandleFunc("/ring", s.handleRingRPC)
	if wh, ok := s.transport.(wsHandler); ok {
		mux.Handle("/ws", wh.Handler())
	}
	return mux
}

func (s *Swarm) handleHandshake(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req handshakeEnvelope
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "malformed handshake", http.StatusBadRequest)
		return
	}
	peer, err := did.FromHex(req.OriginDid)
	if err != nil {
		http.Error(w, "malformed did", http.StatusBadRequest)
		return
	}
	if err := s.registerDelegation(peer, req); err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	cid := transport.CidFromDid(peer)
	conn, err := s.transport.NewConnection(r.Context(), cid, &innerCallback{events: s.events})
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.pool.Insert(cid, conn); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	answer, err := conn.AnswerOffer(r.Context(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.ring.Join(peer)

	respBody, err := json.Marshal(s.selfDelegation(handshakeEnvelope{OriginDid: s.sk.AccountDID().String(), Body: answer}))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(respBody)
}

// Run starts the stabilizer (if configured) and the event-loop task,
// blocking until ctx is canceled or Stop is called.
func (s *Swarm) Run(ctx context.Context) {
	defer close(s.done)

	if s.stab != nil {
		go s.stab.Run(ctx)
	}

	for {
		select {
		case ev := <-s.events:
			s.handleEvent(ctx, ev)
		case <-s.stop:
			if s.stab != nil {
				s.stab.Stop()
			}
			return
		case <-ctx.Done():
			if s.stab != nil {
				s.stab.Stop()
			}
			return
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (s *Swarm) Stop() {
	close(s.stop)
	<-s.done
	s.delegations.Close()
}

// dropReason classifies an OnMessage error into one of the inbound-drop
// reasons the metrics package tracks.
func dropReason(err error) string {
	switch {
	case errors.Is(err, message.ErrSignature), errors.Is(err, router.ErrNoResolver), errors.Is(err, router.ErrValidationRejected):
		return metrics.DropVerificationFailed
	case errors.Is(err, message.ErrTTLExpired):
		return metrics.DropTTLExpired
	case errors.Is(err, message.ErrLoop):
		return metrics.DropLoopDetected
	default:
		return metrics.DropMalformedEnvelope
	}
}

func (s *Swarm) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventConnected:
		s.ring.Join(ev.Peer)
		s.callback.OnEvent(ev)
	case EventClosed:
		s.pool.Remove(transport.CidFromDid(ev.Peer))
		s.ring.Leave(ev.Peer)
		s.callback.OnEvent(ev)
	case EventDataChannelMessage:
		// Verification/parse/TTL/loop failures are expected under churn
		// and adversarial input; OnMessage's error is intentionally
		// swallowed here rather than surfaced as a connection event.
		if err := s.router.OnMessage(ctx, ev.Data); err != nil {
			metrics.MessagesDropped.WithLabelValues(dropReason(err)).Inc()
		} else {
			metrics.MessagesProcessed.WithLabelValues("inbound", "success").Inc()
		}
	}
}
