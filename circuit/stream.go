// stream.go - Application stream handle.
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

package circuit

import (
	"github.com/torlite/torlite/cell"
)

const (
	streamRecvQueueDepth = 64
	streamRecvHighWater  = 48
	streamRecvLowWater   = 16

	streamSendWindow          = 500
	streamSendWindowIncrement = 50
)

type streamState int

const (
	streamOpen streamState = iota
	streamEnding
	streamClosed
)

// Stream is an application stream on one hop of a circuit.
type Stream struct {
	c   *Circuit
	hop *Hop
	id  cell.StreamID

	recvCh chan *cell.RelayMsg

	// The fields below are guarded by the hop's lock.
	state        streamState
	sendWindow   uint32
	remoteXoff   bool
	xoffSent     bool
	droppedCells uint64
}

// ID returns the stream id.
func (s *Stream) ID() cell.StreamID {
	return s.id
}

// RecvCh returns the queue of relay messages delivered to this stream.
// The queue is closed by nobody; use the message commands (END) to detect
// stream teardown.
func (s *Stream) RecvCh() <-chan *cell.RelayMsg {
	return s.recvCh
}

// Recv dequeues one delivered message, blocking until one is available or
// the circuit shuts down.  When the backlog drains below the low-water
// mark after an XOFF was emitted, an XON is sent to resume the peer.
func (s *Stream) Recv() (*cell.RelayMsg, error) {
	var m *cell.RelayMsg
	select {
	case m = <-s.recvCh:
	case <-s.c.HaltCh():
		return nil, ErrCircuitClosed
	}

	var sendXon bool
	s.hop.Lock()
	if s.xoffSent && len(s.recvCh) <= streamRecvLowWater {
		s.xoffSent = false
		sendXon = true
	}
	s.hop.Unlock()

	if sendXon {
		xon := &cell.RelayMsg{Cmd: cell.RelayXon, StreamID: s.id}
		if err := s.c.SendRelayMsg(s.hop.num, xon); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Send transmits application data on the stream, subject to stream-level
// flow control.
func (s *Stream) Send(data []byte) error {
	s.hop.Lock()
	switch {
	case s.state != streamOpen:
		s.hop.Unlock()
		return ErrStreamEnded
	case s.remoteXoff || s.sendWindow == 0:
		s.hop.Unlock()
		return ErrStreamFlowBlocked
	}
	s.sendWindow--
	s.hop.Unlock()

	m := &cell.RelayMsg{
		Cmd:      cell.RelayData,
		StreamID: s.id,
		Data:     data,
	}
	return s.c.SendRelayMsg(s.hop.num, m)
}

// Close sends an END for the stream and removes it from the hop's stream
// map.
func (s *Stream) Close() error {
	s.hop.Lock()
	if s.state == streamClosed {
		s.hop.Unlock()
		return nil
	}
	wasEnding := s.state == streamEnding
	s.state = streamClosed
	s.hop.Unlock()

	defer s.hop.closeStream(s.id)
	if wasEnding {
		// The peer already ended the stream; nothing to send.
		return nil
	}
	end := &cell.RelayMsg{Cmd: cell.RelayEnd, StreamID: s.id}
	return s.c.SendRelayMsg(s.hop.num, end)
}
