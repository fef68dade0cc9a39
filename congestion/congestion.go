// congestion.go - Circuit congestion and flow control state.
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

// Package congestion implements the window-based congestion control state
// shared between the two reactor halves of a circuit hop.
package congestion

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/torlite/torlite/crypto/relaycrypt"
)

var (
	// ErrSendmeUnexpected is returned when a SENDME arrives with no
	// outstanding data to acknowledge.
	ErrSendmeUnexpected = errors.New("congestion: unexpected SENDME, window already full")

	// ErrSendmeTagMismatch is returned when a SENDME's authentication tag
	// does not match the tag recorded at origination time.
	ErrSendmeTagMismatch = errors.New("congestion: SENDME authentication tag mismatch")

	// ErrRecvWindowExceeded is returned when the peer sends more
	// congestion-countable cells than the receive window permits.
	ErrRecvWindowExceeded = errors.New("congestion: receive window exceeded")
)

// Params are the negotiated per-hop congestion-control parameters,
// supplied before the hop is added to the circuit.
type Params struct {
	// SendWindow is the initial number of congestion-countable cells
	// that may be sent before a SENDME is required.
	SendWindow uint32

	// RecvWindow is the initial number of congestion-countable cells
	// that may be received before this endpoint owes a SENDME.
	RecvWindow uint32

	// Increment is the number of cells acknowledged by one SENDME.
	Increment uint32

	// RequireSendmeAuth is true once authenticated SENDMEs have been
	// negotiated with the hop.
	RequireSendmeAuth bool
}

// DefaultParams returns the circuit-level window defaults.
func DefaultParams() *Params {
	return &Params{
		SendWindow:        1000,
		RecvWindow:        1000,
		Increment:         100,
		RequireSendmeAuth: true,
	}
}

func (p *Params) validate() error {
	if p.Increment == 0 {
		return errors.New("congestion: zero window increment")
	}
	if p.SendWindow%p.Increment != 0 || p.RecvWindow%p.Increment != 0 {
		return fmt.Errorf("congestion: windows (%d/%d) not a multiple of increment %d", p.SendWindow, p.RecvWindow, p.Increment)
	}
	return nil
}

// Controller tracks outstanding unacknowledged data for one circuit hop.
// It is shared between the forward and backward reactor halves of the
// circuit, under its lock; the lock must never be held across a reactor
// suspension point.
type Controller struct {
	sync.Mutex

	params *Params

	sendWindow uint32
	recvWindow uint32

	// Tags recorded when originating the cells that future SENDMEs will
	// reference, in FIFO order.
	pendingTags []relaycrypt.Tag

	// sendableCh is signaled when the send window reopens.
	sendableCh chan struct{}
}

// New creates a Controller from negotiated parameters.
func New(p *Params) (*Controller, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &Controller{
		params:     p,
		sendWindow: p.SendWindow,
		recvWindow: p.RecvWindow,
		sendableCh: make(chan struct{}, 1),
	}, nil
}

// RequireSendmeAuth returns true iff circuit-level SENDMEs from this hop
// must carry an authentication tag.
func (c *Controller) RequireSendmeAuth() bool {
	c.Lock()
	defer c.Unlock()
	return c.params.RequireSendmeAuth
}

// CanSend returns true iff the send window permits another
// congestion-countable cell.
func (c *Controller) CanSend() bool {
	c.Lock()
	defer c.Unlock()
	return c.sendWindow > 0
}

// SendableCh returns a channel that receives a value when the send window
// transitions from closed to open.  Used by the forward reactor half to
// park without holding the lock.
func (c *Controller) SendableCh() <-chan struct{} {
	return c.sendableCh
}

// NoteDataSent records that a congestion-countable cell was enqueued for
// send, consuming send window.  The tag is retained whenever this cell is
// one a future SENDME will reference.  Called only after the send is
// enqueued.
func (c *Controller) NoteDataSent(tag relaycrypt.Tag) error {
	c.Lock()
	defer c.Unlock()

	if c.sendWindow == 0 {
		// The reactor gates sends on CanSend; getting here is a bug.
		return errors.New("congestion: BUG: send window underflow")
	}
	c.sendWindow--
	if c.sendWindow%c.params.Increment == 0 {
		c.pendingTags = append(c.pendingTags, tag)
	}
	return nil
}

// NoteSendmeReceived verifies and applies a circuit-level SENDME,
// reopening send window.  The tag must match, in order, a tag recorded by
// NoteDataSent.
func (c *Controller) NoteSendmeReceived(tag relaycrypt.Tag) error {
	c.Lock()

	if len(c.pendingTags) == 0 {
		c.Unlock()
		return ErrSendmeUnexpected
	}
	expected := c.pendingTags[0]
	c.pendingTags = c.pendingTags[1:]
	if c.params.RequireSendmeAuth && subtle.ConstantTimeCompare(expected[:], tag[:]) != 1 {
		c.Unlock()
		return ErrSendmeTagMismatch
	}

	wasClosed := c.sendWindow == 0
	c.sendWindow += c.params.Increment
	c.Unlock()

	if wasClosed {
		select {
		case c.sendableCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// NoteDataReceived records receipt of a congestion-countable cell and
// reports whether a SENDME acknowledging it should now be emitted.
func (c *Controller) NoteDataReceived() (bool, error) {
	c.Lock()
	defer c.Unlock()

	if c.recvWindow == 0 {
		return false, ErrRecvWindowExceeded
	}
	c.recvWindow--
	return c.recvWindow%c.params.Increment == 0, nil
}

// NoteSendmeSent records that a SENDME was enqueued toward the hop,
// reopening receive window.
func (c *Controller) NoteSendmeSent() {
	c.Lock()
	defer c.Unlock()
	c.recvWindow += c.params.Increment
}

// Windows returns the current send and receive windows.  Intended for
// idle/activity introspection and tests.
func (c *Controller) Windows() (send, recv uint32) {
	c.Lock()
	defer c.Unlock()
	return c.sendWindow, c.recvWindow
}
