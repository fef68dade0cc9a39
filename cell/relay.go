// relay.go - Relay cell body format.
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

package cell

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// Relay cell body sub-field offsets.  The body layout is:
//
//	command     [1 byte]
//	recognized  [2 bytes]
//	stream id   [2 bytes]
//	digest      [4 bytes]
//	length      [2 bytes]
//	data        [up to 498 bytes]
const (
	relayCmdOff        = 0
	RelayRecognizedOff = 1
	relayStreamIDOff   = 3
	RelayDigestOff     = 5
	relayLengthOff     = 9
	relayDataOff       = 11

	// RelayRecognizedLen is the length of the recognized sub-field.
	RelayRecognizedLen = 2

	// RelayDigestLen is the length of the digest sub-field.
	RelayDigestLen = 4

	// MaxRelayDataLen is the maximum data carried in a single relay cell.
	MaxRelayDataLen = PayloadLen - relayDataOff
)

// RelayCommand is a relay cell command.
type RelayCommand byte

const (
	// RelayBegin opens an application stream at a hop.
	RelayBegin RelayCommand = 1

	// RelayData carries application stream data.
	RelayData RelayCommand = 2

	// RelayEnd closes an application stream.
	RelayEnd RelayCommand = 3

	// RelayConnected confirms stream establishment.
	RelayConnected RelayCommand = 4

	// RelaySendme acknowledges data for flow control.
	RelaySendme RelayCommand = 5

	// RelayTruncated reports mid-circuit truncation.
	RelayTruncated RelayCommand = 9

	// RelayDrop is long-range circuit padding.
	RelayDrop RelayCommand = 10

	// RelayBeginDir opens a directory stream at a hop.
	RelayBeginDir RelayCommand = 13

	// RelayExtend2 extends the circuit by one hop.
	RelayExtend2 RelayCommand = 14

	// RelayExtended2 confirms a circuit extension.
	RelayExtended2 RelayCommand = 15

	// RelayXoff pauses a stream's sender.
	RelayXoff RelayCommand = 43

	// RelayXon resumes a stream's sender.
	RelayXon RelayCommand = 44
)

var relayCmdNames = map[RelayCommand]string{
	RelayBegin:     "BEGIN",
	RelayData:      "DATA",
	RelayEnd:       "END",
	RelayConnected: "CONNECTED",
	RelaySendme:    "SENDME",
	RelayTruncated: "TRUNCATED",
	RelayDrop:      "DROP",
	RelayBeginDir:  "BEGIN_DIR",
	RelayExtend2:   "EXTEND2",
	RelayExtended2: "EXTENDED2",
	RelayXoff:      "XOFF",
	RelayXon:       "XON",
}

// String returns the relay command's name.
func (c RelayCommand) String() string {
	if s, ok := relayCmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("[%d]", byte(c))
}

// IsCongestionCountable returns true iff cells carrying this command count
// toward the congestion-control windows.
func (c RelayCommand) IsCongestionCountable() bool {
	return c == RelayData
}

// RelayCellBody is the fixed-size onion-encrypted portion of a RELAY cell.
// It is mutated in place by the relay crypto and never resized.
type RelayCellBody [PayloadLen]byte

// Cmd returns the relay command.
func (b *RelayCellBody) Cmd() RelayCommand {
	return RelayCommand(b[relayCmdOff])
}

// StreamID returns the stream id.
func (b *RelayCellBody) StreamID() StreamID {
	return StreamID(binary.BigEndian.Uint16(b[relayStreamIDOff:]))
}

// Recognized returns the recognized sub-field.
func (b *RelayCellBody) Recognized() []byte {
	return b[RelayRecognizedOff : RelayRecognizedOff+RelayRecognizedLen]
}

// Digest returns the digest sub-field.
func (b *RelayCellBody) Digest() []byte {
	return b[RelayDigestOff : RelayDigestOff+RelayDigestLen]
}

// ZeroRecognizedAndDigest clears the recognized and digest sub-fields, as
// required before folding the body into a running digest.
func (b *RelayCellBody) ZeroRecognizedAndDigest() {
	for i := RelayRecognizedOff; i < RelayRecognizedOff+RelayRecognizedLen; i++ {
		b[i] = 0
	}
	b.ZeroDigest()
}

// ZeroDigest clears the digest sub-field.
func (b *RelayCellBody) ZeroDigest() {
	for i := RelayDigestOff; i < RelayDigestOff+RelayDigestLen; i++ {
		b[i] = 0
	}
}

// RelayMsg is a parsed relay cell body.
type RelayMsg struct {
	Cmd      RelayCommand
	StreamID StreamID
	Data     []byte
}

// IsFlowCtrl returns true iff this message is stream-level flow control
// that must be intercepted rather than delivered to the application.
func (m *RelayMsg) IsFlowCtrl() bool {
	switch m.Cmd {
	case RelaySendme, RelayXon, RelayXoff:
		return m.StreamID != 0
	default:
		return false
	}
}

// EncodeRelayMsg builds a relay cell body from a relay message.  The unused
// tail of the body is padded with 4 zero bytes followed by random bytes.
func EncodeRelayMsg(m *RelayMsg) (*RelayCellBody, error) {
	if len(m.Data) > MaxRelayDataLen {
		return nil, fmt.Errorf("cell: relay data too large: %d bytes", len(m.Data))
	}

	b := new(RelayCellBody)
	b[relayCmdOff] = byte(m.Cmd)
	binary.BigEndian.PutUint16(b[relayStreamIDOff:], uint16(m.StreamID))
	binary.BigEndian.PutUint16(b[relayLengthOff:], uint16(len(m.Data)))
	copy(b[relayDataOff:], m.Data)

	if padStart := relayDataOff + len(m.Data) + 4; padStart < PayloadLen {
		if _, err := rand.Read(b[padStart:]); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// ParseRelayMsg parses a decrypted, recognized relay cell body.
func ParseRelayMsg(b *RelayCellBody) (*RelayMsg, error) {
	dataLen := int(binary.BigEndian.Uint16(b[relayLengthOff:]))
	if dataLen > MaxRelayDataLen {
		return nil, fmt.Errorf("cell: relay data length %d exceeds maximum", dataLen)
	}

	m := &RelayMsg{
		Cmd:      b.Cmd(),
		StreamID: b.StreamID(),
		Data:     make([]byte, dataLen),
	}
	copy(m.Data, b[relayDataOff:relayDataOff+dataLen])
	return m, nil
}
