// stack.go - Onion-layered circuit crypt stacks.
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
	"errors"
	"fmt"

	"github.com/torlite/torlite/cell"
)

var (
	// ErrBadCellAuth is the error returned when no layer of an inbound
	// crypt stack recognizes a cell.  It is fatal to the circuit.
	ErrBadCellAuth = errors.New("relaycrypt: bad relay cell authentication")
)

// NoSuchHopError is the error returned when a caller addresses a hop that
// is not on the circuit.
type NoSuchHopError struct {
	Hop    HopNum
	NrHops int
}

// Error implements the error interface.
func (e *NoSuchHopError) Error() string {
	return fmt.Sprintf("relaycrypt: no such hop: %d (circuit has %d)", e.Hop, e.NrHops)
}

// OutboundCryptStack onion-wraps outbound cells for one circuit, applying
// one layer per hop from the target hop inward to hop 0.  It is
// exclusively owned by the circuit's reactor.
type OutboundCryptStack struct {
	layers []*Layer
}

// NewOutboundCryptStack creates an empty outbound crypt stack.
func NewOutboundCryptStack() *OutboundCryptStack {
	return &OutboundCryptStack{}
}

// Len returns the number of layers, which always equals the circuit's
// path length.
func (s *OutboundCryptStack) Len() int {
	return len(s.layers)
}

// Append adds a freshly keyed layer for a newly added hop.  Layers are
// appended in path order and never removed or reordered.
func (s *OutboundCryptStack) Append(l *Layer) {
	s.layers = append(s.layers, l)
}

// Encrypt onion-encrypts the cell body in place so that it will be
// recognized by hop, returning the tag that authenticates a future SENDME
// for this cell.  Encrypt mutates cipher and digest state and must be
// called at most once per cell.
func (s *OutboundCryptStack) Encrypt(b *cell.RelayCellBody, hop HopNum) (Tag, error) {
	if int(hop) >= len(s.layers) {
		return Tag{}, &NoSuchHopError{Hop: hop, NrHops: len(s.layers)}
	}

	tag := s.layers[hop].Originate(b)
	for i := int(hop) - 1; i >= 0; i-- {
		s.layers[i].EncryptOutbound(b)
	}
	return tag, nil
}

// InboundCryptStack onion-peels and authenticates inbound cells for one
// circuit, trying layers from hop 0 outward until one recognizes the
// cell.  It is exclusively owned by the circuit's reactor.
type InboundCryptStack struct {
	layers []*Layer
}

// NewInboundCryptStack creates an empty inbound crypt stack.
func NewInboundCryptStack() *InboundCryptStack {
	return &InboundCryptStack{}
}

// Len returns the number of layers.
func (s *InboundCryptStack) Len() int {
	return len(s.layers)
}

// Append adds a freshly keyed layer for a newly added hop.
func (s *InboundCryptStack) Append(l *Layer) {
	s.layers = append(s.layers, l)
}

// Decrypt peels the cell body in place until some layer recognizes it,
// returning the hop that sent the cell and its tag.  Exhausting every
// layer without recognition returns ErrBadCellAuth, which is fatal to the
// circuit.  Decrypt mutates cipher and digest state and must be called at
// most once per received cell.
func (s *InboundCryptStack) Decrypt(b *cell.RelayCellBody) (HopNum, Tag, error) {
	for i, l := range s.layers {
		if tag, ok := l.DecryptInbound(b); ok {
			return HopNum(i), tag, nil
		}
	}
	return 0, Tag{}, ErrBadCellAuth
}
