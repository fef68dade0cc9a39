// handle.go - Per-circuit channel handle.
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

package channel

import (
	"sync"

	"github.com/torlite/torlite/cell"
)

// CircuitHandle is a circuit's interface to its channel reactor.  The
// reactor feeds inbound cells into the handle's queues; the circuit
// submits outbound cells through it, gated by the send token pool.
type CircuitHandle struct {
	r  *Reactor
	id cell.CircID

	createdCh chan *cell.Cell
	relayCh   chan *cell.RelayCellBody

	closeOnce sync.Once
	closedCh  chan interface{}
	closedErr error
}

// ID returns the wire-level circuit id.
func (h *CircuitHandle) ID() cell.CircID {
	return h.id
}

// CreatedCh returns the queue on which the CREATED-family reply to this
// circuit's creation handshake is delivered.
func (h *CircuitHandle) CreatedCh() <-chan *cell.Cell {
	return h.createdCh
}

// RelayCh returns the circuit's inbound relay cell queue.
func (h *CircuitHandle) RelayCh() <-chan *cell.RelayCellBody {
	return h.relayCh
}

// ClosedCh returns a channel closed when the circuit is destroyed or the
// channel shuts down; Reason then reports why.
func (h *CircuitHandle) ClosedCh() <-chan interface{} {
	return h.closedCh
}

// Reason returns the teardown cause after ClosedCh is closed.
func (h *CircuitHandle) Reason() error {
	select {
	case <-h.closedCh:
		return h.closedErr
	default:
		return nil
	}
}

// SendTokenCh returns the channel's send token pool.  A token must be
// acquired before each SendCell call; gating on token acquisition is how
// outbound-sink backpressure propagates into the circuit reactors.
func (h *CircuitHandle) SendTokenCh() <-chan struct{} {
	return h.r.sendTokens
}

// ReturnSendToken puts an acquired but unspent send token back into the
// pool.  A circuit that acquired a token and then failed before SendCell
// must return it, or the pool shrinks for everyone on the channel.
func (h *CircuitHandle) ReturnSendToken() {
	select {
	case h.r.sendTokens <- struct{}{}:
	default:
		panic("BUG: send token pool overflow")
	}
}

// SendCell submits a cell for transmission.  The caller must hold a send
// token, which guarantees queue space; the token is returned to the pool
// once the cell reaches the wire.
func (h *CircuitHandle) SendCell(c *cell.Cell) error {
	select {
	case <-h.closedCh:
		return h.closedErr
	default:
	}
	select {
	case h.r.sendCh <- c:
		return nil
	default:
		// A held token guarantees space; this is a caller bug.
		panic("BUG: SendCell called without a send token")
	}
}

// Close asks the reactor to send a DESTROY for this circuit and quarantine
// its id.  Safe to call multiple times.
func (h *CircuitHandle) Close() error {
	m := &ctlCloseCircuit{id: h.id, replyCh: make(chan error, 1)}
	select {
	case h.r.ctlCh <- m:
	case <-h.r.closedCh:
		return ErrChannelClosed
	}
	select {
	case err := <-m.replyCh:
		return err
	case <-h.r.closedCh:
		return ErrChannelClosed
	}
}

func (h *CircuitHandle) close(err error) {
	h.closeOnce.Do(func() {
		h.closedErr = err
		close(h.closedCh)
	})
}
