// seed.go - Layer derivation from handshake key material.
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

package relaycrypt

import (
	"fmt"

	"github.com/torlite/torlite/utils"
)

// SeedLen returns the length of the per-hop key material seed expected by
// NewLayerPair for the given format: two digest seeds, two cipher keys,
// and a circuit-binding key.
func SeedLen(f Format) int {
	return 2*f.digestSeedLen() + 2*f.keyLen() + f.digestSeedLen()
}

// LayerPair is the outcome of keying one hop: the client-side layers for
// the two directions plus the circuit-binding key.  The binding key is
// consumed by circuit extension, not by the relay crypto itself.
type LayerPair struct {
	Outbound *Layer
	Inbound  *Layer
	Binding  []byte
}

// NewLayerPair deterministically derives a hop's layer pair from the seed
// produced by the handshake.  The layout is (outbound digest seed,
// inbound digest seed, outbound key, inbound key, binding key); this core
// never generates key material itself.  The seed is destroyed on return.
func NewLayerPair(f Format, seed []byte) (*LayerPair, error) {
	if len(seed) != SeedLen(f) {
		return nil, fmt.Errorf("relaycrypt: invalid %v seed length: %d (want %d)", f, len(seed), SeedLen(f))
	}
	defer utils.ExplicitBzero(seed)

	dLen, kLen := f.digestSeedLen(), f.keyLen()
	outDigest := seed[:dLen]
	inDigest := seed[dLen : 2*dLen]
	outKey := seed[2*dLen : 2*dLen+kLen]
	inKey := seed[2*dLen+kLen : 2*dLen+2*kLen]
	binding := seed[2*dLen+2*kLen:]

	outbound, err := newLayer(f, outKey, outDigest)
	if err != nil {
		return nil, err
	}
	inbound, err := newLayer(f, inKey, inDigest)
	if err != nil {
		return nil, err
	}

	p := &LayerPair{
		Outbound: outbound,
		Inbound:  inbound,
		Binding:  make([]byte, len(binding)),
	}
	copy(p.Binding, binding)
	return p, nil
}
