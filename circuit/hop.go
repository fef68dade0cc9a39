// hop.go - Per-hop circuit state.
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
	"math"
	"sync"

	"github.com/torlite/torlite/cell"
	"github.com/torlite/torlite/congestion"
	"github.com/torlite/torlite/crypto/relaycrypt"
	"github.com/torlite/torlite/instrument"
)

// Settings are the negotiated per-hop parameters, constructed from the
// circuit parameters and the target's advertised capabilities before the
// hop is added.
type Settings struct {
	// Format selects the relay cell crypto parameterization.
	Format relaycrypt.Format

	// Congestion are the hop's congestion-control parameters.
	Congestion *congestion.Params

	// InboundCellLimit caps the relay cells accepted from this hop;
	// 0 means unlimited.
	InboundCellLimit uint32

	// OutboundCellLimit caps the relay cells sent toward this hop;
	// 0 means unlimited.
	OutboundCellLimit uint32
}

// cellBudget is a one-direction relay cell counter.  The zero value means
// unlimited; a value n permits n-1 further cells.  Budgets only decrease,
// and reaching the limit is a fatal protocol violation for the circuit.
type cellBudget uint32

func newCellBudget(limit uint32) cellBudget {
	switch limit {
	case 0:
		return 0
	case math.MaxUint32:
		// Clamp rather than wrap to the unlimited sentinel.
		return cellBudget(math.MaxUint32)
	default:
		return cellBudget(limit + 1)
	}
}

func (b *cellBudget) decrement() error {
	switch *b {
	case 0:
		return nil
	case 1:
		return newProtocolError("%w", ErrCellBudgetExhausted)
	default:
		*b--
		return nil
	}
}

// Hop is the per-hop state of a circuit: the hop's stream map, its
// congestion-control handle, and its two cell budgets.  The hop's crypto
// layers live in the circuit's crypt stacks, not here.
type Hop struct {
	// The stream map is polled for stream readiness from one reactor
	// half and mutated from application calls, hence the lock.  The lock
	// is scoped to a single call and must never be held across a reactor
	// suspension point.
	sync.Mutex

	num    relaycrypt.HopNum
	format relaycrypt.Format
	cc     *congestion.Controller

	streams      map[cell.StreamID]*Stream
	nextStreamID cell.StreamID

	inboundBudget  cellBudget
	outboundBudget cellBudget

	// Cells that arrived for streams whose application side is gone,
	// retained for half-closed stream accounting.
	droppedCells uint64
}

func newHop(num relaycrypt.HopNum, s *Settings) (*Hop, error) {
	cc, err := congestion.New(s.Congestion)
	if err != nil {
		return nil, err
	}
	return &Hop{
		num:            num,
		format:         s.Format,
		cc:             cc,
		streams:        make(map[cell.StreamID]*Stream),
		nextStreamID:   1,
		inboundBudget:  newCellBudget(s.InboundCellLimit),
		outboundBudget: newCellBudget(s.OutboundCellLimit),
	}, nil
}

// Num returns the hop's ordinal on the circuit.
func (h *Hop) Num() relaycrypt.HopNum {
	return h.num
}

// decrementInbound consumes inbound cell budget.  Checked on every
// inbound relay cell at this hop.
func (h *Hop) decrementInbound() error {
	h.Lock()
	defer h.Unlock()
	return h.inboundBudget.decrement()
}

// decrementOutbound consumes outbound cell budget.  Checked on every
// outbound relay cell addressed to this hop.
func (h *Hop) decrementOutbound() error {
	h.Lock()
	defer h.Unlock()
	return h.outboundBudget.decrement()
}

// DroppedCells returns the count of cells discarded because their stream
// was disconnected.
func (h *Hop) DroppedCells() uint64 {
	h.Lock()
	defer h.Unlock()
	return h.droppedCells
}

// beginStream allocates a stream id, registers a new stream in the map,
// and returns it.
func (h *Hop) beginStream(c *Circuit) (*Stream, error) {
	h.Lock()
	defer h.Unlock()

	for attempts := 0; ; attempts++ {
		if attempts > int(^uint16(0)) {
			return nil, newInternalError("stream id space exhausted on hop %d", h.num)
		}
		id := h.nextStreamID
		h.nextStreamID++
		if h.nextStreamID == 0 {
			h.nextStreamID = 1
		}
		if _, inUse := h.streams[id]; inUse || id == 0 {
			continue
		}

		s := &Stream{
			c:          c,
			hop:        h,
			id:         id,
			recvCh:     make(chan *cell.RelayMsg, streamRecvQueueDepth),
			sendWindow: streamSendWindow,
		}
		h.streams[id] = s
		return s, nil
	}
}

// closeStream drops a stream from the map.
func (h *Hop) closeStream(id cell.StreamID) {
	h.Lock()
	defer h.Unlock()
	delete(h.streams, id)
}

// flowAction tells the backward reactor what stream flow-control message,
// if any, a delivery produced.
type flowAction struct {
	sendXoff bool
	streamID cell.StreamID
}

// handleMsg routes an inbound relay message to its stream.  Stream-level
// SENDME/XON/XOFF are intercepted and fed to flow-control bookkeeping
// without being delivered to the application.  An END transitions the
// stream to ending, which is reflected back into the map.
func (h *Hop) handleMsg(m *cell.RelayMsg) (flowAction, error) {
	h.Lock()
	defer h.Unlock()

	var action flowAction

	s, ok := h.streams[m.StreamID]
	if !ok {
		// Disconnected stream; recorded, not fatal.
		h.droppedCells++
		instrument.StreamCellDiscarded()
		return action, nil
	}

	if m.IsFlowCtrl() {
		switch m.Cmd {
		case cell.RelaySendme:
			s.sendWindow += streamSendWindowIncrement
		case cell.RelayXoff:
			s.remoteXoff = true
		case cell.RelayXon:
			s.remoteXoff = false
		}
		return action, nil
	}

	if s.state == streamClosed {
		h.droppedCells++
		instrument.StreamCellDiscarded()
		return action, nil
	}

	select {
	case s.recvCh <- m:
	default:
		// Bounded queue full; record the drop rather than fail the
		// circuit.
		s.droppedCells++
		h.droppedCells++
		instrument.StreamCellDiscarded()
	}

	if m.Cmd == cell.RelayEnd {
		s.state = streamEnding
	} else if len(s.recvCh) >= streamRecvHighWater && !s.xoffSent {
		s.xoffSent = true
		action.sendXoff = true
		action.streamID = s.id
	}
	return action, nil
}
