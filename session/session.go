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

// Package session implements SessionSk: a short-lived signing keypair
// delegated by a peer's long-lived account key. A SessionSk signs routed
// messages on the account's behalf without ever handing the account's
// private key to the transport layer; the delegation certificate lets any
// verifier recompute the account DID from a session signature alone.
package session

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rings-x-project/rings-node/did"
	"github.com/rings-x-project/rings-node/internal/metrics"
)

var (
	ErrExpired       = errors.New("session: delegation certificate expired")
	ErrCertTooShort  = errors.New("session: delegation certificate malformed")
	ErrCertSignature = errors.New("session: delegation certificate signature invalid")
)

// certLen is the length of the delegation certificate payload that gets
// signed: session_pubkey (33 bytes, compressed) || expiry_unix (8 bytes).
const certLen = 33 + 8

// SessionSk is a delegated signing keypair.
type SessionSk struct {
	session         *did.KeyPair
	accountDID      did.Did
	accountPub      *ecdsa.PublicKey
	accountPubBytes []byte
	expiry          time.Time
	cert            []byte // account key's signature over the certificate payload
}

// New mints a fresh session keypair and delegation certificate: accountKey
// signs (sessionPubkey || expiry) so that any holder of accountKey's public
// key can verify the delegation without contacting the account.
func New(accountKey *did.KeyPair, ttl time.Duration) (*SessionSk, error) {
	sessionKey, err := did.GenerateKeyPair()
	if err != nil {
		metrics.SessionsCreated.WithLabelValues("failure").Inc()
		return nil, err
	}
	expiry := time.Now().Add(ttl)
	payload := encodeCertPayload(sessionKey.PublicBytes(), expiry)
	cert := accountKey.Sign(payload)
	metrics.SessionsCreated.WithLabelValues("success").Inc()
	metrics.CryptoOperations.WithLabelValues("sign", "secp256k1").Inc()

	return &SessionSk{
		session:         sessionKey,
		accountDID:      accountKey.Did(),
		accountPub:      accountKey.PublicKey(),
		accountPubBytes: accountKey.PublicBytes(),
		expiry:          expiry,
		cert:            cert,
	}, nil
}

// Sign signs an arbitrary message with the session key.
func (s *SessionSk) Sign(message []byte) []byte {
	return s.session.Sign(message)
}

// AccountDID returns the delegating account's ring identifier. Stable for
// the lifetime of the SessionSk.
func (s *SessionSk) AccountDID() did.Did {
	return s.accountDID
}

// AuthorizerPubkey returns the account public key that authorized this
// session, so a verifier can confirm AccountDID without re-deriving it.
func (s *SessionSk) AuthorizerPubkey() *ecdsa.PublicKey {
	return s.accountPub
}

// AuthorizerPubkeyBytes returns the compressed account public key, carried
// on the wire alongside the delegation certificate so a peer can verify it
// without a separate lookup.
func (s *SessionSk) AuthorizerPubkeyBytes() []byte {
	return s.accountPubBytes
}

// SessionDid returns the ring identifier of the delegated session key
// itself (distinct from the account DID it signs on behalf of).
func (s *SessionSk) SessionDid() did.Did {
	return s.session.Did()
}

// SessionPublicBytes returns the compressed session public key, carried on
// the wire alongside signatures so verifiers can check them.
func (s *SessionSk) SessionPublicBytes() []byte {
	return s.session.PublicBytes()
}

// SessionPublicKey returns the session's ECDSA public key, for verifying
// signatures produced by Sign.
func (s *SessionSk) SessionPublicKey() *ecdsa.PublicKey {
	return s.session.PublicKey()
}

// Certificate returns the account key's signature over the delegation
// payload (session_pubkey || expiry_unix).
func (s *SessionSk) Certificate() []byte {
	return s.cert
}

// Expiry returns the certificate's expiry time.
func (s *SessionSk) Expiry() time.Time {
	return s.expiry
}

// IsExpired reports whether the certificate has expired as of now.
func (s *SessionSk) IsExpired(now time.Time) bool {
	return !now.Before(s.expiry)
}

func encodeCertPayload(sessionPub []byte, expiry time.Time) []byte {
	buf := make([]byte, certLen)
	copy(buf[:33], sessionPub)
	binary.LittleEndian.PutUint64(buf[33:], uint64(expiry.Unix()))
	return buf
}

// VerifyDelegation recomputes the account DID from a delegation certificate
// and checks that accountPub actually signed it. sessionPub is the
// compressed session public key carried alongside the certificate on the
// wire; expiry is the certificate's claimed expiry.
func VerifyDelegation(accountPub *ecdsa.PublicKey, sessionPub []byte, expiry time.Time, cert []byte, now time.Time) (did.Did, error) {
	if len(sessionPub) != 33 {
		metrics.DelegationVerifications.WithLabelValues("invalid").Inc()
		return did.Did{}, ErrCertTooShort
	}
	payload := encodeCertPayload(sessionPub, expiry)
	if err := did.Verify(accountPub, payload, cert); err != nil {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
		metrics.DelegationVerifications.WithLabelValues("invalid").Inc()
		return did.Did{}, ErrCertSignature
	}
	metrics.CryptoOperations.WithLabelValues("verify", "secp256k1").Inc()
	if !now.Before(expiry) {
		metrics.DelegationVerifications.WithLabelValues("expired").Inc()
		return did.Did{}, ErrExpired
	}
	metrics.DelegationVerifications.WithLabelValues("valid").Inc()
	return did.FromPubkey(accountPub), nil
}
