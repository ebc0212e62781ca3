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

// Package message implements the deterministic little-endian wire format
// for routed envelopes: a Transaction signed by the origin's session key,
// plus the Relay hop list each forwarder appends and signs in turn. The
// byte-for-byte layout is load-bearing (peers on different builds must
// agree on it), so it is encoded directly with encoding/binary rather
// than through a general-purpose serializer.
package message

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/session"
)

// TransportMTU is the maximum size of a single data-channel message,
// including framing; payloads larger than this are split by package chunk.
const TransportMTU = 65536

// sigFieldLen is the wire width of a signature field. did.KeyPair produces
// a 64-byte r||s signature; the extra byte is a reserved/recovery slot,
// always zero here, kept only so the wire layout matches a 65-byte field.
const sigFieldLen = 65

var (
	ErrMalformed  = errors.New("message: malformed envelope")
	ErrSignature  = errors.New("message: signature verification failed")
	ErrLoop       = errors.New("message: relay path already contains this did")
	ErrTTLExpired = errors.New("message: ttl_hops exhausted")
)

// RelayEntry is one hop appended to a forwarded message.
type RelayEntry struct {
	Did       did.Did
	Signature [sigFieldLen]byte
}

// Transaction is the origin-signed core of a routed message.
type Transaction struct {
	Origin      did.Did
	Destination did.Did
	Nonce       uint64
	TimestampMs uint64
	TTLHops     uint8
	Body        []byte
	Signature   [sigFieldLen]byte
}

// Envelope is a Transaction plus the relay path accumulated so far.
type Envelope struct {
	Transaction Transaction
	Relay       []RelayEntry
}

// signingBytes returns the canonical bytes signed by the origin: every
// transaction field except TTLHops and the signature itself. TTLHops is
// decremented by each forwarder in transit, so it cannot be part of what
// the origin signature covers without invalidating that signature at the
// very next hop.
func (tx *Transaction) signingBytes() []byte {
	var buf bytes.Buffer
	buf.Write(tx.Origin[:])
	buf.Write(tx.Destination[:])
	binary.Write(&buf, binary.LittleEndian, tx.Nonce)
	binary.Write(&buf, binary.LittleEndian, tx.TimestampMs)
	binary.Write(&buf, binary.LittleEndian, uint32(len(tx.Body)))
	buf.Write(tx.Body)
	return buf.Bytes()
}

// relayEntrySigningBytes returns the bytes a relayer signs: the signing
// bytes of the transaction plus every relay entry preceding this one, so
// a resigned entry cannot be replayed onto a different transaction.
func relayEntrySigningBytes(tx *Transaction, priorHops []RelayEntry, hop did.Did) []byte {
	var buf bytes.Buffer
	buf.Write(tx.signingBytes())
	for _, r := range priorHops {
		buf.Write(r.Did[:])
		buf.Write(r.Signature[:])
	}
	buf.Write(hop[:])
	return buf.Bytes()
}

func putSig(dst *[sigFieldLen]byte, sig []byte) {
	n := copy(dst[:], sig)
	for i := n; i < sigFieldLen; i++ {
		dst[i] = 0
	}
}

// NewTransaction builds and signs a fresh Transaction with origin =
// sk.AccountDID(), the given destination, nonce and body, and ttlHops as
// the starting hop budget.
func NewTransaction(sk *session.SessionSk, destination did.Did, nonce, timestampMs uint64, ttlHops uint8, body []byte) Transaction {
	tx := Transaction{
		Origin:      sk.AccountDID(),
		Destination: destination,
		Nonce:       nonce,
		TimestampMs: timestampMs,
		TTLHops:     ttlHops,
		Body:        body,
	}
	putSig(&tx.Signature, sk.Sign(tx.signingBytes()))
	return tx
}

// VerifyTransaction checks tx.Signature against originPub, which must be
// the public key of the origin session that signed it. Callers resolve
// originPub via session.VerifyDelegation before calling this.
func VerifyTransaction(tx *Transaction, originPub *ecdsa.PublicKey) error {
	if err := did.Verify(originPub, tx.signingBytes(), tx.Signature[:64]); err != nil {
		return ErrSignature
	}
	return nil
}

// VerifyRelay checks every entry in env.Relay, given a resolver that maps
// a relay entry's claimed did to the session public key that should have
// signed it.
func VerifyRelay(env *Envelope, resolve func(did.Did) (*ecdsa.PublicKey, error)) error {
	for i, entry := range env.Relay {
		pub, err := resolve(entry.Did)
		if err != nil {
			return fmt.Errorf("%w: relay hop %d: %v", ErrSignature, i, err)
		}
		sigBytes := relayEntrySigningBytes(&env.Transaction, env.Relay[:i], entry.Did)
		if err := did.Verify(pub, sigBytes, entry.Signature[:64]); err != nil {
			return fmt.Errorf("%w: relay hop %d", ErrSignature, i)
		}
	}
	return nil
}

// AppendRelay appends and signs a new relay hop using the forwarder's
// session key, returning the updated envelope. It does not mutate env.
func AppendRelay(env Envelope, forwarderSk *session.SessionSk) Envelope {
	hop := forwarderSk.AccountDID()
	sigBytes := relayEntrySigningBytes(&env.Transaction, env.Relay, hop)
	var entry RelayEntry
	entry.Did = hop
	putSig(&entry.Signature, forwarderSk.Sign(sigBytes))

	out := Envelope{
		Transaction: env.Transaction,
		Relay:       make([]RelayEntry, len(env.Relay)+1),
	}
	copy(out.Relay, env.Relay)
	out.Relay[len(env.Relay)] = entry
	return out
}

// ContainsHop reports whether did already appears in the relay path,
// i.e. forwarding the envelope to it again would create a loop.
func (e *Envelope) ContainsHop(d did.Did) bool {
	for _, r := range e.Relay {
		if r.Did == d {
			return true
		}
	}
	return false
}

// Encode serializes env into the deterministic little-endian wire format.
func Encode(env *Envelope) []byte {
	var buf bytes.Buffer
	buf.Write(env.Transaction.Origin[:])
	buf.Write(env.Transaction.Destination[:])
	binary.Write(&buf, binary.LittleEndian, env.Transaction.Nonce)
	binary.Write(&buf, binary.LittleEndian, env.Transaction.TimestampMs)
	buf.WriteByte(env.Transaction.TTLHops)
	binary.Write(&buf, binary.LittleEndian, uint32(len(env.Transaction.Body)))
	buf.Write(env.Transaction.Body)
	buf.Write(env.Transaction.Signature[:])

	binary.Write(&buf, binary.LittleEndian, uint32(len(env.Relay)))
	for _, r := range env.Relay {
		buf.Write(r.Did[:])
		buf.Write(r.Signature[:])
	}
	return buf.Bytes()
}

// Decode parses the wire format produced by Encode.
func Decode(data []byte) (*Envelope, error) {
	r := bytes.NewReader(data)
	var tx Transaction

	if _, err := readExact(r, tx.Origin[:]); err != nil {
		return nil, err
	}
	if _, err := readExact(r, tx.Destination[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &tx.Nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &tx.TimestampMs); err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	ttl, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: ttl: %v", ErrMalformed, err)
	}
	tx.TTLHops = ttl

	var bodyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bodyLen); err != nil {
		return nil, fmt.Errorf("%w: body length: %v", ErrMalformed, err)
	}
	if int(bodyLen) > r.Len() {
		return nil, fmt.Errorf("%w: body length exceeds remaining data", ErrMalformed)
	}
	tx.Body = make([]byte, bodyLen)
	if _, err := readExact(r, tx.Body); err != nil {
		return nil, err
	}
	if _, err := readExact(r, tx.Signature[:]); err != nil {
		return nil, err
	}

	var relayLen uint32
	if err := binary.Read(r, binary.LittleEndian, &relayLen); err != nil {
		return nil, fmt.Errorf("%w: relay length: %v", ErrMalformed, err)
	}
	const relayEntryLen = did.Size + sigFieldLen
	if relayLen > uint32(r.Len())/relayEntryLen {
		return nil, fmt.Errorf("%w: relay length exceeds remaining data", ErrMalformed)
	}
	relay := make([]RelayEntry, relayLen)
	for i := range relay {
		if _, err := readExact(r, relay[i].Did[:]); err != nil {
			return nil, err
		}
		if _, err := readExact(r, relay[i].Signature[:]); err != nil {
			return nil, err
		}
	}

	return &Envelope{Transaction: tx, Relay: relay}, nil
}

func readExact(r *bytes.Reader, dst []byte) (int, error) {
	n, err := r.Read(dst)
	if err != nil || n != len(dst) {
		return n, fmt.Errorf("%w: short read", ErrMalformed)
	}
	return n, nil
}
