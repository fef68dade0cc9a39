// cell.go - Link cell framing.
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

// Package cell implements the link-level cell framing and the relay cell
// body format exchanged between directly connected onion-routing endpoints.
package cell

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// PayloadLen is the length of a fixed-length cell's payload.
	PayloadLen = 509

	// CircIDLen is the length of a circuit id on the wire, for link
	// protocol versions 4 and later.
	CircIDLen = 4

	// maxVarPayloadLen bounds variable-length cell payloads as a
	// protection against hostile peers.
	maxVarPayloadLen = 65535
)

// CircID is a channel-scoped circuit identifier.
type CircID uint32

// StreamID identifies a stream within a circuit hop.  Stream id 0 denotes
// a circuit-level relay message.
type StreamID uint16

// Command is a link cell command.
type Command byte

const (
	// CmdPadding is a link padding cell.
	CmdPadding Command = 0

	// CmdCreate is the legacy circuit create cell.
	CmdCreate Command = 1

	// CmdCreated is the legacy circuit created cell.
	CmdCreated Command = 2

	// CmdRelay is an onion-encrypted relay cell.
	CmdRelay Command = 3

	// CmdDestroy tears down a circuit.
	CmdDestroy Command = 4

	// CmdCreateFast is the unauthenticated circuit create cell.
	CmdCreateFast Command = 5

	// CmdCreatedFast is the response to a CreateFast cell.
	CmdCreatedFast Command = 6

	// CmdVersions negotiates the link protocol version.
	CmdVersions Command = 7

	// CmdNetinfo exchanges timestamps and addresses after the handshake.
	CmdNetinfo Command = 8

	// CmdRelayEarly is a relay cell on a not-fully-built circuit.
	CmdRelayEarly Command = 9

	// CmdCreate2 is the current circuit create cell.
	CmdCreate2 Command = 10

	// CmdCreated2 is the response to a Create2 cell.
	CmdCreated2 Command = 11

	// CmdPaddingNegotiate negotiates link padding behavior.
	CmdPaddingNegotiate Command = 12

	// CmdVPadding is a variable-length padding cell.
	CmdVPadding Command = 128

	// CmdCerts carries the peer's certificates during the handshake.
	CmdCerts Command = 129

	// CmdAuthChallenge is the link authentication challenge.
	CmdAuthChallenge Command = 130

	// CmdAuthenticate is the link authentication response.
	CmdAuthenticate Command = 131
)

var cmdNames = map[Command]string{
	CmdPadding:          "PADDING",
	CmdCreate:           "CREATE",
	CmdCreated:          "CREATED",
	CmdRelay:            "RELAY",
	CmdDestroy:          "DESTROY",
	CmdCreateFast:       "CREATE_FAST",
	CmdCreatedFast:      "CREATED_FAST",
	CmdVersions:         "VERSIONS",
	CmdNetinfo:          "NETINFO",
	CmdRelayEarly:       "RELAY_EARLY",
	CmdCreate2:          "CREATE2",
	CmdCreated2:         "CREATED2",
	CmdPaddingNegotiate: "PADDING_NEGOTIATE",
	CmdVPadding:         "VPADDING",
	CmdCerts:            "CERTS",
	CmdAuthChallenge:    "AUTH_CHALLENGE",
	CmdAuthenticate:     "AUTHENTICATE",
}

// String returns the cell command's name.
func (c Command) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("[%d]", byte(c))
}

// IsVariableLength returns true iff cells with this command carry a
// variable-length payload on the wire.
func (c Command) IsVariableLength() bool {
	return c == CmdVersions || c >= 128
}

// IsHandshake returns true iff this command is only valid during the
// channel handshake.
func (c Command) IsHandshake() bool {
	switch c {
	case CmdVersions, CmdCerts, CmdAuthChallenge, CmdAuthenticate, CmdNetinfo:
		return true
	default:
		return false
	}
}

// IsCreate returns true iff this command requests circuit creation.
func (c Command) IsCreate() bool {
	switch c {
	case CmdCreate, CmdCreateFast, CmdCreate2:
		return true
	default:
		return false
	}
}

// IsCreated returns true iff this command answers circuit creation.
func (c Command) IsCreated() bool {
	switch c {
	case CmdCreated, CmdCreatedFast, CmdCreated2:
		return true
	default:
		return false
	}
}

// Cell is a de-framed link cell.  Fixed-length cells always have a Payload
// of exactly PayloadLen bytes.
type Cell struct {
	Circ    CircID
	Cmd     Command
	Payload []byte
}

// NewFixedCell creates a fixed-length cell with a zeroed payload.
func NewFixedCell(circ CircID, cmd Command) *Cell {
	return &Cell{
		Circ:    circ,
		Cmd:     cmd,
		Payload: make([]byte, PayloadLen),
	}
}

// NewRelayCell creates a RELAY cell wrapping the provided relay cell body.
func NewRelayCell(circ CircID, body *RelayCellBody) *Cell {
	c := NewFixedCell(circ, CmdRelay)
	copy(c.Payload, body[:])
	return c
}

var errTruncatedCell = errors.New("cell: truncated cell")

// ReadCell reads and de-frames a single cell from r.
func ReadCell(r io.Reader) (*Cell, error) {
	var hdr [CircIDLen + 1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	c := &Cell{
		Circ: CircID(binary.BigEndian.Uint32(hdr[0:CircIDLen])),
		Cmd:  Command(hdr[CircIDLen]),
	}
	if c.Cmd.IsVariableLength() {
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, errTruncatedCell
		}
		payloadLen := int(binary.BigEndian.Uint16(lenBuf[:]))
		if payloadLen > maxVarPayloadLen {
			return nil, fmt.Errorf("cell: oversized %v cell: %d bytes", c.Cmd, payloadLen)
		}
		c.Payload = make([]byte, payloadLen)
	} else {
		c.Payload = make([]byte, PayloadLen)
	}
	if _, err := io.ReadFull(r, c.Payload); err != nil {
		return nil, errTruncatedCell
	}
	return c, nil
}

// WriteCell frames and writes a single cell to w.
func WriteCell(w io.Writer, c *Cell) error {
	hdrLen := CircIDLen + 1
	if c.Cmd.IsVariableLength() {
		hdrLen += 2
	} else if len(c.Payload) != PayloadLen {
		return fmt.Errorf("cell: fixed cell with %d byte payload", len(c.Payload))
	}

	b := make([]byte, hdrLen+len(c.Payload))
	binary.BigEndian.PutUint32(b[0:CircIDLen], uint32(c.Circ))
	b[CircIDLen] = byte(c.Cmd)
	if c.Cmd.IsVariableLength() {
		if len(c.Payload) > maxVarPayloadLen {
			return fmt.Errorf("cell: oversized %v cell: %d bytes", c.Cmd, len(c.Payload))
		}
		binary.BigEndian.PutUint16(b[CircIDLen+1:], uint16(len(c.Payload)))
	}
	copy(b[hdrLen:], c.Payload)

	_, err := w.Write(b)
	return err
}
