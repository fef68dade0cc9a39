// backward.go - Backward reactor half of a circuit.
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
	"encoding/binary"

	"github.com/torlite/torlite/cell"
	"github.com/torlite/torlite/crypto/relaycrypt"
	"github.com/torlite/torlite/instrument"
)

// sendmePayloadLen is the length of a version 1 circuit-level SENDME
// body: version octet, 2 octet tag length, then the tag.
const sendmePayloadLen = 1 + 2 + relaycrypt.TagLen

// backwardWorker is the backward reactor half.  It exclusively owns the
// crypt stacks, so all encryption and decryption happens here.  Sends
// are gated on possession of a channel send token, acquired only once a
// send is actually pending: while a send waits for a token, only control
// messages and channel teardown are serviced, which propagates channel
// backpressure to every upstream source.  An idle circuit holds no token,
// so it never starves the other circuits sharing the channel's pool.
func (c *Circuit) backwardWorker() {
	var doneErr error
	haveToken := false

	defer func() {
		if haveToken {
			c.handle.ReturnSendToken()
		}
		if doneErr == nil {
			panic("BUG: backwardWorker terminated with no error")
		}
		c.finalize(doneErr)
	}()

	for {
		// Control and teardown get priority over the data sources.
		select {
		case m := <-c.ctlCh:
			c.onCtl(m)
			continue
		case <-c.handle.ClosedCh():
			doneErr = c.handle.Reason()
			return
		case <-c.HaltCh():
			doneErr = ErrShutdown
			return
		default:
		}

		select {
		case m := <-c.ctlCh:
			c.onCtl(m)
		case <-c.handle.ClosedCh():
			doneErr = c.handle.Reason()
			return
		case <-c.HaltCh():
			doneErr = ErrShutdown
			return
		case req, ok := <-c.cmdCh:
			if !ok {
				// The forward half is gone, so the circuit is going
				// away too.
				doneErr = ErrShutdown
				return
			}
			doneErr = c.sendRelayMsg(req.hop, req.msg, &haveToken)
			if req.doneCh != nil {
				close(req.doneCh)
			}
			if doneErr != nil {
				return
			}
		case b := <-c.handle.RelayCh():
			if doneErr = c.onInboundCell(b, &haveToken); doneErr != nil {
				return
			}
		case b, ok := <-c.secondaryCh:
			if !ok {
				c.secondaryCh = nil
				continue
			}
			if doneErr = c.onInboundCell(b, &haveToken); doneErr != nil {
				return
			}
		case <-c.paddingCh:
			if doneErr = c.sendPadding(&haveToken); doneErr != nil {
				return
			}
		}
	}
}

func (c *Circuit) onCtl(m interface{}) {
	switch m := m.(type) {
	case *ctlAddHop:
		m.replyCh <- c.doAddHop(m.settings, m.seed)
	default:
		panic("BUG: invalid circuit control message")
	}
}

// doAddHop derives the new hop's crypto layers from its seed, appends
// them to both crypt stacks, and appends the hop state.  Runs on the
// backward half because the stacks belong to it.
func (c *Circuit) doAddHop(settings *Settings, seed []byte) error {
	pair, err := relaycrypt.NewLayerPair(settings.Format, seed)
	if err != nil {
		return err
	}

	c.hopsMu.Lock()
	defer c.hopsMu.Unlock()

	h, err := newHop(relaycrypt.HopNum(len(c.hops)), settings)
	if err != nil {
		return err
	}
	c.outStack.Append(pair.Outbound)
	c.inStack.Append(pair.Inbound)
	c.hops = append(c.hops, h)

	c.log.Debugf("Keyed hop %d (%v).", h.num, settings.Format)
	return nil
}

// acquireToken blocks until a channel send token is held.  Control
// messages keep being serviced while parked.
func (c *Circuit) acquireToken(haveToken *bool) error {
	for !*haveToken {
		select {
		case m := <-c.ctlCh:
			c.onCtl(m)
		case <-c.handle.ClosedCh():
			return c.handle.Reason()
		case <-c.HaltCh():
			return ErrShutdown
		case <-c.handle.SendTokenCh():
			*haveToken = true
		}
	}
	return nil
}

// sendRelayMsg onion-encrypts a relay message for the given hop and
// hands the resulting cell to the channel reactor.  Consumes the held
// send token.
func (c *Circuit) sendRelayMsg(hop relaycrypt.HopNum, m *cell.RelayMsg, haveToken *bool) error {
	h := c.Hop(hop)
	if h == nil {
		return newInternalError("send to nonexistent hop %d", hop)
	}

	if err := c.acquireToken(haveToken); err != nil {
		return err
	}

	b, err := cell.EncodeRelayMsg(m)
	if err != nil {
		return newInternalError("relay encode: %v", err)
	}
	if err = h.decrementOutbound(); err != nil {
		return err
	}

	tag, err := c.outStack.Encrypt(b, hop)
	if err != nil {
		return newInternalError("relay encrypt: %v", err)
	}

	// Guaranteed not to block while a token is held.
	if err = c.handle.SendCell(cell.NewRelayCell(c.handle.ID(), b)); err != nil {
		return err
	}
	*haveToken = false
	c.noteActivity()

	if m.Cmd.IsCongestionCountable() {
		if err = h.cc.NoteDataSent(tag); err != nil {
			return err
		}
	}
	return nil
}

// sendPadding emits a circuit padding cell to the last hop.
func (c *Circuit) sendPadding(haveToken *bool) error {
	hop, err := c.LastHop()
	if err != nil {
		// No hops yet, nothing to pad.
		return nil
	}
	m := &cell.RelayMsg{Cmd: cell.RelayDrop}
	return c.sendRelayMsg(hop, m, haveToken)
}

// onInboundCell peels an inbound relay cell, charges the originating
// hop's inbound budget, and routes the message to circuit-level or
// stream-level handling.
func (c *Circuit) onInboundCell(b *cell.RelayCellBody, haveToken *bool) error {
	hopNum, tag, err := c.inStack.Decrypt(b)
	if err != nil {
		return newProtocolError("inbound relay cell: %v", err)
	}
	h := c.Hop(hopNum)
	if h == nil {
		// Decrypt succeeding on a layer without hop state is a keying
		// bug, not a peer action.
		return newInternalError("decrypted at unkeyed hop %d", hopNum)
	}
	if err = h.decrementInbound(); err != nil {
		return err
	}
	c.noteActivity()

	m, err := cell.ParseRelayMsg(b)
	if err != nil {
		return newProtocolError("relay cell from hop %d: %v", hopNum, err)
	}

	if m.StreamID == 0 {
		return c.onCircuitMsg(h, m)
	}

	if m.Cmd == cell.RelayData {
		sendSendme, err := h.cc.NoteDataReceived()
		if err != nil {
			return newProtocolError("hop %d: %v", hopNum, err)
		}
		if sendSendme {
			if err = c.sendSendme(h, tag, haveToken); err != nil {
				return err
			}
		}
	}

	action, err := h.handleMsg(m)
	if err != nil {
		return err
	}
	if action.sendXoff {
		xoff := &cell.RelayMsg{Cmd: cell.RelayXoff, StreamID: action.streamID}
		return c.sendRelayMsg(hopNum, xoff, haveToken)
	}
	return nil
}

// onCircuitMsg handles relay messages addressed to the circuit itself
// (stream id zero).
func (c *Circuit) onCircuitMsg(h *Hop, m *cell.RelayMsg) error {
	switch m.Cmd {
	case cell.RelaySendme:
		tag, err := parseSendme(m.Data, h.cc.RequireSendmeAuth())
		if err != nil {
			return newProtocolError("hop %d: %v", h.num, err)
		}
		if err = h.cc.NoteSendmeReceived(tag); err != nil {
			return newProtocolError("hop %d: %v", h.num, err)
		}
		return nil
	case cell.RelayExtended2:
		select {
		case c.extendedCh <- m.Data:
			return nil
		default:
			return newProtocolError("hop %d: unsolicited EXTENDED2", h.num)
		}
	case cell.RelayTruncated:
		return newProtocolError("hop %d: circuit truncated", h.num)
	case cell.RelayDrop:
		// Padding, discarded after accounting.
		return nil
	default:
		instrument.CellDropped()
		c.log.Warningf("Dropping unexpected circuit-level %v from hop %d.", m.Cmd, h.num)
		return nil
	}
}

// sendSendme emits a circuit-level SENDME acknowledging the window of
// cells ending in the cell whose authentication tag is given.
func (c *Circuit) sendSendme(h *Hop, tag relaycrypt.Tag, haveToken *bool) error {
	data := make([]byte, sendmePayloadLen)
	data[0] = 0x01
	binary.BigEndian.PutUint16(data[1:3], relaycrypt.TagLen)
	copy(data[3:], tag[:])

	m := &cell.RelayMsg{Cmd: cell.RelaySendme, Data: data}
	if err := c.sendRelayMsg(h.num, m, haveToken); err != nil {
		return err
	}
	h.cc.NoteSendmeSent()
	return nil
}

// parseSendme extracts the authentication tag from a circuit-level
// SENDME body.  An empty body is the unauthenticated legacy form, which
// is rejected when authentication is required.
func parseSendme(data []byte, requireAuth bool) (relaycrypt.Tag, error) {
	var tag relaycrypt.Tag
	if len(data) == 0 {
		if requireAuth {
			return tag, newProtocolError("SENDME with no authentication tag")
		}
		return tag, nil
	}
	if data[0] != 0x01 {
		return tag, newProtocolError("SENDME with unknown version %d", data[0])
	}
	if len(data) < 3 || binary.BigEndian.Uint16(data[1:3]) != relaycrypt.TagLen || len(data) < sendmePayloadLen {
		return tag, newProtocolError("malformed SENDME body")
	}
	copy(tag[:], data[3:3+relaycrypt.TagLen])
	return tag, nil
}

// finalize runs exactly once when the backward half exits: it records
// the terminal error, tears down the channel mapping, and stops the
// forward half.
func (c *Circuit) finalize(err error) {
	c.closeOnce.Do(func() {
		c.log.Debugf("Circuit terminating: %v", err)
		if c.padding != nil {
			c.padding.Stop()
		}
		c.closedErr = err
		close(c.closedCh)

		// Best effort; the channel may already be gone.
		_ = c.handle.Close()

		// Halt from a fresh goroutine, Halt waits for this one.
		go c.Halt()
	})
}
