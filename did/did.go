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

// Package did implements the 160-bit ring identifier used by the DHT:
// derivation from a secp256k1 public key, clockwise distance, and the
// open/closed interval membership test the ring and finger table depend
// on. Every operation here is total and deterministic; the zero DID is
// a legal ring position, not a sentinel for "unset".
package did

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"
)

// Size is the width of a Did in bytes (160 bits).
const Size = 20

// Bits is the width of the ring in bits.
const Bits = Size * 8

var ErrInvalidLength = errors.New("did: wrong byte length")

// Did is a 160-bit unsigned integer living on the Chord ring, modulo 2^160.
type Did [Size]byte

// FromPubkey derives a Did from a secp256k1 public key: Keccak-256 over the
// uncompressed X||Y coordinates, keeping the low 160 bits (go-ethereum's
// convention for account addresses, reused here for ring identifiers).
func FromPubkey(pub *ecdsa.PublicKey) Did {
	addr := crypto.PubkeyToAddress(*pub)
	var d Did
	copy(d[:], addr.Bytes())
	return d
}

// FromBytes copies a 20-byte slice into a Did.
func FromBytes(b []byte) (Did, error) {
	var d Did
	if len(b) != Size {
		return d, ErrInvalidLength
	}
	copy(d[:], b)
	return d, nil
}

// FromHex parses a hex string (with or without leading "0x") into a Did.
func FromHex(s string) (Did, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Did{}, fmt.Errorf("did: %w", err)
	}
	return FromBytes(b)
}

// Bytes returns the big-endian byte representation.
func (d Did) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, d[:])
	return out
}

// String returns the 0x-prefixed hex representation.
func (d Did) String() string {
	return "0x" + hex.EncodeToString(d[:])
}

// Base58 returns a compact base58 display form, used in logs and CLI output
// where hex is needlessly long.
func (d Did) Base58() string {
	return base58.Encode(d[:])
}

// Int returns the Did as a big.Int for ring arithmetic.
func (d Did) Int() *big.Int {
	return new(big.Int).SetBytes(d[:])
}

var ringModulus = new(big.Int).Lsh(big.NewInt(1), Bits)

// AddOffset returns the Did obtained by adding 2^i to d, modulo 2^160. It is
// used to compute the target identifier for finger table entry i.
func (d Did) AddOffset(i uint) Did {
	offset := new(big.Int).Lsh(big.NewInt(1), i)
	sum := new(big.Int).Add(d.Int(), offset)
	sum.Mod(sum, ringModulus)
	return bigIntToDid(sum)
}

// Distance returns the clockwise distance from d to other, i.e. the number
// of ring positions you must step forward from d to reach other.
func (d Did) Distance(other Did) *big.Int {
	diff := new(big.Int).Sub(other.Int(), d.Int())
	diff.Mod(diff, ringModulus)
	return diff
}

// Equal reports whether d and other are the same identifier.
func (d Did) Equal(other Did) bool {
	return d == other
}

// Less orders two Dids as unsigned 160-bit integers; used as the
// deterministic tie-break when two candidates are equidistant.
func (d Did) Less(other Did) bool {
	return d.Int().Cmp(other.Int()) < 0
}

// IsZero reports whether d is the zero identifier. Zero is a legal ring
// position; this is only a convenience for detecting an unset field.
func (d Did) IsZero() bool {
	return d == Did{}
}

// Between reports whether x lies on the clockwise arc from a to b. closedLeft
// and closedRight control whether a and b themselves count as "between".
func Between(a, x, b Did, closedLeft, closedRight bool) bool {
	if a == b {
		// Degenerate interval covering the whole ring: every other point
		// is "between"; a itself counts only if either bound is closed.
		if x == a {
			return closedLeft || closedRight
		}
		return true
	}
	da := a.Distance(x)
	db := a.Distance(b)
	switch {
	case x == a:
		return closedLeft
	case x == b:
		return closedRight
	default:
		return da.Cmp(db) < 0
	}
}

func bigIntToDid(v *big.Int) Did {
	b := v.Bytes()
	var d Did
	copy(d[Size-len(b):], b)
	return d
}
