// layer.go - Per-hop relay cell cryptography.
// Copyright (C) 2025  The torlite authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package relaycrypt implements the per-hop relay cell cryptography: the
// keyed stream cipher plus running digest shared with each hop of a
// circuit, and the onion-layered crypt stacks built from them.
package relaycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/subtle"
	"encoding"
	"fmt"
	"hash"

	"golang.org/x/crypto/sha3"

	"github.com/torlite/torlite/cell"
	"github.com/torlite/torlite/utils"
)

const (
	// TagLen is the length of a SENDME authentication tag.  It is a fixed
	// protocol constant, independent of the underlying hash's output size.
	TagLen = 20
)

// Tag is a SENDME authentication tag, the truncated per-hop running digest
// at the moment a cell was originated.
type Tag [TagLen]byte

// HopNum is the zero-based ordinal of a hop on a circuit.
type HopNum uint8

// Format selects the per-hop relay cell crypto parameterization.
type Format int

const (
	// FormatLegacy is AES-128-CTR with a SHA-1 running digest.
	FormatLegacy Format = iota

	// FormatHS is AES-256-CTR with a SHA3-256 running digest, as used on
	// hops created via the v3 onion service handshake.
	FormatHS
)

// String returns the format's name.
func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatHS:
		return "hs"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

func (f Format) keyLen() int {
	switch f {
	case FormatLegacy:
		return 16
	case FormatHS:
		return 32
	default:
		panic("relaycrypt: unsupported format")
	}
}

func (f Format) digestSeedLen() int {
	switch f {
	case FormatLegacy:
		return sha1.Size
	case FormatHS:
		return 32
	default:
		panic("relaycrypt: unsupported format")
	}
}

func (f Format) newDigest() hash.Hash {
	switch f {
	case FormatLegacy:
		return sha1.New()
	case FormatHS:
		return sha3.New256()
	default:
		panic("relaycrypt: unsupported format")
	}
}

// Layer is one hop's share of the relay cell crypto state for a single
// direction: a CTR-mode keystream and a running digest, both seeded once
// from handshake-derived key material.  A Layer is mutated by every cell
// processed and is never shared between hops.
type Layer struct {
	stream cipher.Stream
	digest hash.Hash
}

func newLayer(f Format, key, digestSeed []byte) (*Layer, error) {
	if len(key) != f.keyLen() {
		return nil, fmt.Errorf("relaycrypt: invalid %v key length: %d", f, len(key))
	}
	if len(digestSeed) != f.digestSeedLen() {
		return nil, fmt.Errorf("relaycrypt: invalid %v digest seed length: %d", f, len(digestSeed))
	}

	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, blk.BlockSize())

	l := &Layer{
		stream: cipher.NewCTR(blk, iv),
		digest: f.newDigest(),
	}
	l.digest.Write(digestSeed)
	return l, nil
}

// Originate prepares a cell body that begins its life at this layer: the
// recognized and digest sub-fields are zeroed, the whole body is folded
// into the running digest, the truncated digest is written back into the
// body, and one cipher pass is applied.  The returned tag authenticates a
// future SENDME referencing this cell.
func (l *Layer) Originate(b *cell.RelayCellBody) Tag {
	b.ZeroRecognizedAndDigest()
	l.digest.Write(b[:])
	sum := l.digest.Sum(nil)
	copy(b.Digest(), sum[:cell.RelayDigestLen])
	l.stream.XORKeyStream(b[:], b[:])

	var t Tag
	copy(t[:], sum)
	return t
}

// EncryptOutbound applies one outbound cipher pass to the cell body.  Used
// on layers strictly closer to the client than the cell's target hop.
func (l *Layer) EncryptOutbound(b *cell.RelayCellBody) {
	l.stream.XORKeyStream(b[:], b[:])
}

// DecryptInbound applies one cipher pass and then tests whether the cell
// now belongs to this layer: the recognized sub-field must be all zero and
// the running digest over the body (with the digest sub-field zeroed) must
// match the digest carried in the body.  On a match the candidate digest
// state becomes the new running state and the truncated tag is returned.
// On a mismatch the running digest is left exactly as it was.
func (l *Layer) DecryptInbound(b *cell.RelayCellBody) (Tag, bool) {
	l.stream.XORKeyStream(b[:], b[:])

	if !utils.CtIsZero(b.Recognized()) {
		return Tag{}, false
	}

	var stored [cell.RelayDigestLen]byte
	copy(stored[:], b.Digest())
	b.ZeroDigest()

	// The recognized sub-field being zero can be coincidental, so the
	// digest state must survive a failed attempt.
	snapshot, err := l.digest.(encoding.BinaryMarshaler).MarshalBinary()
	if err != nil {
		panic("relaycrypt: BUG: failed to snapshot digest state: " + err.Error())
	}

	l.digest.Write(b[:])
	sum := l.digest.Sum(nil)

	if subtle.ConstantTimeCompare(stored[:], sum[:cell.RelayDigestLen]) == 1 {
		copy(b.Digest(), stored[:])
		var t Tag
		copy(t[:], sum)
		return t, true
	}

	if err = l.digest.(encoding.BinaryUnmarshaler).UnmarshalBinary(snapshot); err != nil {
		panic("relaycrypt: BUG: failed to restore digest state: " + err.Error())
	}
	copy(b.Digest(), stored[:])
	return Tag{}, false
}
