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

package did

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrInvalidSignature = errors.New("did: invalid signature")

// KeyPair is a secp256k1 keypair and the Did it derives. Every peer and
// every delegated session key (see package session) is one of these.
type KeyPair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
	did  Did
}

// GenerateKeyPair creates a fresh random secp256k1 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return newKeyPair(priv), nil
}

// KeyPairFromPrivate reconstructs a KeyPair from raw private key bytes.
func KeyPairFromPrivate(b []byte) (*KeyPair, error) {
	priv := secp256k1.PrivKeyFromBytes(b)
	return newKeyPair(priv), nil
}

func newKeyPair(priv *secp256k1.PrivateKey) *KeyPair {
	pub := priv.PubKey()
	return &KeyPair{
		priv: priv,
		pub:  pub,
		did:  FromPubkey(pub.ToECDSA()),
	}
}

// Did returns the ring identifier derived from this keypair's public key.
func (k *KeyPair) Did() Did { return k.did }

// PublicKey returns the ECDSA public key.
func (k *KeyPair) PublicKey() *ecdsa.PublicKey { return k.pub.ToECDSA() }

// PrivateBytes returns the raw 32-byte private scalar, for delegation and
// storage. Callers must not retain it longer than necessary.
func (k *KeyPair) PrivateBytes() []byte {
	return k.priv.Serialize()
}

// PublicBytes returns the 33-byte compressed public key.
func (k *KeyPair) PublicBytes() []byte {
	return k.pub.SerializeCompressed()
}

// Sign signs message's SHA-256 digest, returning a fixed 64-byte r||s
// signature (no recovery id, since the verifier always holds the pubkey).
func (k *KeyPair) Sign(message []byte) []byte {
	hash := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, k.priv.ToECDSA(), hash[:])
	if err != nil {
		// rand.Reader failures are treated as fatal by the stdlib's own
		// ecdsa callers; a zero signature will simply fail verification.
		return make([]byte, 64)
	}
	return serializeSignature(r, s)
}

// PubkeyFromBytes parses a 33-byte compressed secp256k1 public key, as
// carried on the wire for a peer's account or session key.
func PubkeyFromBytes(b []byte) (*ecdsa.PublicKey, error) {
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("did: parse compressed pubkey: %w", err)
	}
	return pub.ToECDSA(), nil
}

// Verify checks a 64-byte r||s signature against message's SHA-256 digest
// using pub.
func Verify(pub *ecdsa.PublicKey, message, signature []byte) error {
	if len(signature) != 64 {
		return ErrInvalidSignature
	}
	hash := sha256.Sum256(message)
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:])
	if !ecdsa.Verify(pub, hash[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

func serializeSignature(r, s *big.Int) []byte {
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	sig := make([]byte, 64)
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	return sig
}
