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

// Package router implements the send/forward pipeline: building and
// signing outbound Transactions, resolving the next hop via the DHT,
// chunking payloads that exceed the transport MTU, and verifying,
// reassembling, and re-relaying inbound ones. It holds no transport or
// DHT state of its own; ConnectionOpener and PubkeyResolver externalize
// the dependencies the Swarm actually owns.
package router

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rings-x-project/rings-node/chunk"
	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/dht"
	"github.com/rings-x-project/rings-node/internal/metrics"
	"github.com/rings-x-project/rings-node/message"
	"github.com/rings-x-project/rings-node/session"
	"github.com/rings-x-project/rings-node/transport"
)

// DefaultMaxHops is the TTL budget given to freshly originated messages.
const DefaultMaxHops = 7

// frame kinds distinguish a whole encoded envelope from one chunk
// fragment of a larger one on the wire; TransportMTU-sized payloads never
// need to be told apart from fragments by content alone.
const (
	frameWhole byte = 0
	frameChunk byte = 1
)

var (
	// ErrNoResolver is returned when a relay hop or the origin can't be
	// resolved to a session public key, e.g. no prior delegation exchange.
	ErrNoResolver = errors.New("router: cannot resolve session pubkey for did")
	// ErrValidationRejected is returned when the user's OnValidate callback
	// rejects an inbound payload.
	ErrValidationRejected = errors.New("router: message rejected by on_validate")
)

// ConnectionOpener ensures a live, open connection to peer exists,
// initiating a handshake if necessary, and blocks until the data channel
// is usable.
type ConnectionOpener interface {
	EnsureConnection(ctx context.Context, peer did.Did) (transport.Connection, error)
}

// PubkeyResolver maps a did to the session public key that should have
// signed on its behalf, learned from a prior delegation handshake.
type PubkeyResolver interface {
	ResolveSessionPubkey(d did.Did) (*ecdsa.PublicKey, error)
}

// Callback is the subset of the Swarm's user-facing callback interface
// the router invokes directly while processing an inbound message.
type Callback interface {
	OnValidate(payload *message.Envelope) error
	OnInbound(payload *message.Envelope)
}

// Router implements the message send and forward paths.
type Router struct {
	ring     *dht.PeerRing
	sk       *session.SessionSk
	opener   ConnectionOpener
	resolver PubkeyResolver
	callback Callback
	reasm    *chunk.Reassembler
	seen     *session.NonceCache
	maxHops  uint8
}

// New builds a Router. maxHops <= 0 uses DefaultMaxHops.
func New(ring *dht.PeerRing, sk *session.SessionSk, opener ConnectionOpener, resolver PubkeyResolver, cb Callback, reasm *chunk.Reassembler, seen *session.NonceCache, maxHops uint8) *Router {
	if maxHops == 0 {
		maxHops = DefaultMaxHops
	}
	return &Router{
		ring:     ring,
		sk:       sk,
		opener:   opener,
		resolver: resolver,
		callback: cb,
		reasm:    reasm,
		seen:     seen,
		maxHops:  maxHops,
	}
}

func randomNonce() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// Send builds, signs, and routes a fresh Transaction to destination. If
// the DHT determines this node is itself responsible for destination,
// the message is delivered to OnInbound directly rather than sent over
// the wire — an unusual but valid outcome.
func (r *Router) Send(ctx context.Context, destination did.Did, body []byte) error {
	tx := message.NewTransaction(r.sk, destination, randomNonce(), uint64(time.Now().UnixMilli()), r.maxHops, body)
	env := message.Envelope{Transaction: tx}

	result := r.ring.FindSuccessor(destination)
	if result.Kind == dht.FindSelf {
		if r.callback != nil {
			r.callback.OnInbound(&env)
		}
		return nil
	}
	if err := r.dispatch(ctx, result.Did, &env); err != nil {
		metrics.MessagesProcessed.WithLabelValues("outbound", "failure").Inc()
		return err
	}
	metrics.MessagesProcessed.WithLabelValues("outbound", "success").Inc()
	return nil
}

// dispatch ensures a connection to next exists, waits for its data
// channel, and transmits env, chunked if it exceeds the transport MTU.
func (r *Router) dispatch(ctx context.Context, next did.Did, env *message.Envelope) error {
	conn, err := r.opener.EnsureConnection(ctx, next)
	if err != nil {
		return fmt.Errorf("router: ensure connection to %s: %w", next, err)
	}
	if err := conn.WaitForDataChannelOpen(ctx); err != nil {
		return fmt.Errorf("router: wait for data channel: %w", err)
	}

	data := message.Encode(env)
	metrics.MessageSize.Observe(float64(len(data)))
	if len(data)+1 <= message.TransportMTU {
		return conn.SendMessage(ctx, encodeFrame(frameWhole, data))
	}

	// Each fragment is wrapped in a 1-byte frame kind plus a 20-byte
	// encodeFragment header (16-byte ChunkID, 2-byte Index, 2-byte Total)
	// before it hits the wire, so the payload split size must reserve both.
	const fragmentOverhead = 1 + 16 + 2 + 2
	for _, frag := range chunk.Split(data, message.TransportMTU-fragmentOverhead) {
		if err := conn.SendMessage(ctx, encodeFrame(frameChunk, encodeFragment(frag))); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage is the Connection callback entry point: it recognizes
// whole-envelope frames and chunk fragments, reassembling the latter
// before handing the decoded envelope to HandleInbound.
func (r *Router) OnMessage(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return message.ErrMalformed
	}
	kind, payload := data[0], data[1:]

	var envBytes []byte
	switch kind {
	case frameWhole:
		envBytes = payload
	case frameChunk:
		frag, err := decodeFragment(payload)
		if err != nil {
			return err
		}
		assembled, done, err := r.reasm.Handle(frag)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		envBytes = assembled
	default:
		return message.ErrMalformed
	}

	env, err := message.Decode(envBytes)
	if err != nil {
		return err
	}
	return r.HandleInbound(ctx, env)
}

// HandleInbound verifies and either delivers or forwards an inbound
// envelope that OnMessage has already reassembled and decoded.
func (r *Router) HandleInbound(ctx context.Context, env *message.Envelope) error {
	start := time.Now()
	defer func() { metrics.MessageProcessingDuration.Observe(time.Since(start).Seconds()) }()

	originPub, err := r.resolver.ResolveSessionPubkey(env.Transaction.Origin)
	if err != nil {
		return fmt.Errorf("%w: origin %s", ErrNoResolver, env.Transaction.Origin)
	}
	if err := message.VerifyTransaction(&env.Transaction, originPub); err != nil {
		return err
	}
	if err := message.VerifyRelay(env, r.resolver.ResolveSessionPubkey); err != nil {
		return err
	}

	if r.seen != nil {
		keyid := env.Transaction.Origin.String()
		nonce := fmt.Sprintf("%d", env.Transaction.Nonce)
		if r.seen.Seen(keyid, nonce) {
			metrics.NonceValidations.WithLabelValues("replay").Inc()
			metrics.ReplayAttacksDetected.Inc()
			return message.ErrLoop
		}
		metrics.NonceValidations.WithLabelValues("fresh").Inc()
	}

	if r.callback != nil {
		if err := r.callback.OnValidate(env); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationRejected, err)
		}
	}

	local := r.ring.LocalDid()
	if env.Transaction.Destination == local {
		if r.callback != nil {
			r.callback.OnInbound(env)
		}
		return nil
	}

	if env.ContainsHop(local) {
		return message.ErrLoop
	}
	if env.Transaction.TTLHops == 0 {
		return message.ErrTTLExpired
	}

	forwarded := message.AppendRelay(*env, r.sk)
	forwarded.Transaction.TTLHops = env.Transaction.TTLHops - 1
	if forwarded.Transaction.TTLHops == 0 {
		return message.ErrTTLExpired
	}

	result := r.ring.FindSuccessor(env.Transaction.Destination)
	if result.Kind == dht.FindSelf {
		// This node is responsible for the destination identifier even
		// though it doesn't literally equal local_did (e.g. the DID has
		// no live owner yet); there is no further hop to forward to.
		if r.callback != nil {
			r.callback.OnInbound(env)
		}
		return nil
	}
	return r.dispatch(ctx, result.Did, &forwarded)
}

func encodeFrame(kind byte, payload []byte) []byte {
	out := make([]byte, 1+len(payload))
	out[0] = kind
	copy(out[1:], payload)
	return out
}

func encodeFragment(f chunk.Fragment) []byte {
	out := make([]byte, 16+2+2+len(f.Payload))
	copy(out[:16], f.ChunkID[:])
	binary.LittleEndian.PutUint16(out[16:18], f.Index)
	binary.LittleEndian.PutUint16(out[18:20], f.Total)
	copy(out[20:], f.Payload)
	return out
}

func decodeFragment(data []byte) (chunk.Fragment, error) {
	if len(data) < 20 {
		return chunk.Fragment{}, message.ErrMalformed
	}
	var frag chunk.Fragment
	copy(frag.ChunkID[:], data[:16])
	frag.Index = binary.LittleEndian.Uint16(data[16:18])
	frag.Total = binary.LittleEndian.Uint16(data[18:20])
	frag.Payload = append([]byte(nil), data[20:]...)
	return frag, nil
}
