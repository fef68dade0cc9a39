// circuit.go - Circuit state and public interface.
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

// Package circuit implements the per-circuit reactor pair: the forward
// half that moves application stream data outward under congestion
// control, and the backward half that authenticates inbound cells,
// manages circuit-level flow control, and enforces cell budgets.
package circuit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/torlite/torlite/cell"
	"github.com/torlite/torlite/channel"
	"github.com/torlite/torlite/crypto/relaycrypt"
	tlog "github.com/torlite/torlite/log"
	"github.com/torlite/torlite/worker"
)

const (
	streamSendQueueDepth = 16
	extendedQueueDepth   = 1
)

// Config is the configuration for a circuit.
type Config struct {
	// LogBackend is the logging backend.
	LogBackend *tlog.Backend

	// Handle is the circuit's interface to its channel reactor.
	Handle *channel.CircuitHandle

	// SecondarySource, if non-nil, is an additional inbound relay cell
	// queue (for cells that arrive via a path other than the primary
	// channel).  May be nil.
	SecondarySource <-chan *cell.RelayCellBody

	// PaddingInterval, if nonzero, enables periodic circuit padding.
	PaddingInterval time.Duration
}

type relaySend struct {
	hop relaycrypt.HopNum
	msg *cell.RelayMsg

	// doneCh, when non-nil, is closed by the backward half once the
	// message has been charged against the congestion window.
	doneCh chan struct{}
}

type ctlAddHop struct {
	settings *Settings
	seed     []byte
	replyCh  chan error
}

// Circuit is one multi-hop onion-routed path.  Its two reactor halves
// run as a single-threaded cooperative task pair; the crypt stacks are
// exclusively owned by the backward half.
type Circuit struct {
	worker.Worker

	log    *logging.Logger
	handle *channel.CircuitHandle

	// hops is appended to from the backward half only; the lock exists
	// because the forward half and application calls read it.
	hopsMu sync.RWMutex
	hops   []*Hop

	outStack *relaycrypt.OutboundCryptStack
	inStack  *relaycrypt.InboundCryptStack

	ctlCh        chan interface{}
	cmdCh        chan *relaySend
	streamSendCh chan *relaySend
	secondaryCh  <-chan *cell.RelayCellBody
	extendedCh   chan []byte

	paddingCh <-chan time.Time
	padding   *time.Ticker

	lastActivity int64

	closeOnce sync.Once
	closedCh  chan interface{}
	closedErr error
}

// New creates a circuit over the provided channel handle and starts its
// reactor pair.  The circuit initially has no hops; AddHop keys each hop
// after its handshake completes.
func New(cfg *Config) *Circuit {
	c := &Circuit{
		log:          cfg.LogBackend.GetLogger(fmt.Sprintf("circuit:%d", cfg.Handle.ID())),
		handle:       cfg.Handle,
		outStack:     relaycrypt.NewOutboundCryptStack(),
		inStack:      relaycrypt.NewInboundCryptStack(),
		ctlCh:        make(chan interface{}),
		cmdCh:        make(chan *relaySend),
		streamSendCh: make(chan *relaySend, streamSendQueueDepth),
		secondaryCh:  cfg.SecondarySource,
		extendedCh:   make(chan []byte, extendedQueueDepth),
		closedCh:     make(chan interface{}),
	}
	c.noteActivity()

	if cfg.PaddingInterval > 0 {
		c.padding = time.NewTicker(cfg.PaddingInterval)
		c.paddingCh = c.padding.C
	}

	c.Go(c.forwardWorker)
	c.Go(c.backwardWorker)
	return c
}

// ID returns the circuit's wire-level id on its channel.
func (c *Circuit) ID() cell.CircID {
	return c.handle.ID()
}

// Err returns the terminal error once the circuit has been torn down.
func (c *Circuit) Err() error {
	select {
	case <-c.closedCh:
		return c.closedErr
	default:
		return nil
	}
}

// ClosedCh returns a channel closed when the circuit reaches its
// terminal state.
func (c *Circuit) ClosedCh() <-chan interface{} {
	return c.closedCh
}

// NrHops returns the circuit's current path length.
func (c *Circuit) NrHops() int {
	c.hopsMu.RLock()
	defer c.hopsMu.RUnlock()
	return len(c.hops)
}

// LastHop resolves "the end of the circuit" to a concrete hop ordinal.
func (c *Circuit) LastHop() (relaycrypt.HopNum, error) {
	c.hopsMu.RLock()
	defer c.hopsMu.RUnlock()
	if len(c.hops) == 0 {
		return 0, newInternalError("circuit has no hops")
	}
	return relaycrypt.HopNum(len(c.hops) - 1), nil
}

// Hop returns the per-hop state for the given ordinal, or nil.
func (c *Circuit) Hop(n relaycrypt.HopNum) *Hop {
	c.hopsMu.RLock()
	defer c.hopsMu.RUnlock()
	if int(n) >= len(c.hops) {
		return nil
	}
	return c.hops[n]
}

// LastActivity returns the time the circuit last carried a relay cell in
// either direction.  Used by outer orchestration for idle-timeout
// decisions.
func (c *Circuit) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivity))
}

func (c *Circuit) noteActivity() {
	atomic.StoreInt64(&c.lastActivity, time.Now().UnixNano())
}

// AddHop keys a new hop from handshake-produced seed material and
// appends it to the circuit.  Hops are appended, never removed or
// reordered; the crypt stack length always equals the path length.
func (c *Circuit) AddHop(settings *Settings, seed []byte) error {
	m := &ctlAddHop{
		settings: settings,
		seed:     seed,
		replyCh:  make(chan error, 1),
	}
	select {
	case c.ctlCh <- m:
	case <-c.closedCh:
		return ErrCircuitClosed
	}
	select {
	case err := <-m.replyCh:
		return err
	case <-c.closedCh:
		return ErrCircuitClosed
	}
}

// BeginStream allocates a stream id on the given hop, registers it in
// that hop's stream map, and sends the BEGIN message carrying data.
func (c *Circuit) BeginStream(hop relaycrypt.HopNum, data []byte) (*Stream, error) {
	h := c.Hop(hop)
	if h == nil {
		return nil, newInternalError("no such hop: %d", hop)
	}

	s, err := h.beginStream(c)
	if err != nil {
		return nil, err
	}

	begin := &cell.RelayMsg{
		Cmd:      cell.RelayBegin,
		StreamID: s.id,
		Data:     data,
	}
	if err = c.SendRelayMsg(hop, begin); err != nil {
		h.closeStream(s.id)
		return nil, err
	}
	return s, nil
}

// SendRelayMsg submits a relay message for encryption and transmission
// to the given hop, via the forward reactor half.
func (c *Circuit) SendRelayMsg(hop relaycrypt.HopNum, m *cell.RelayMsg) error {
	req := &relaySend{hop: hop, msg: m}
	select {
	case c.streamSendCh <- req:
		return nil
	case <-c.closedCh:
		return ErrCircuitClosed
	case <-c.HaltCh():
		return ErrShutdown
	}
}

// ExtendedCh returns the queue on which EXTENDED2 payloads are delivered
// during circuit extension; the consumer derives the next hop's seed from
// them and calls AddHop.
func (c *Circuit) ExtendedCh() <-chan []byte {
	return c.extendedCh
}

// forwardWorker is the forward reactor half: it moves stream-originated
// messages toward the backward half, parking whenever congestion control
// denies the send.
func (c *Circuit) forwardWorker() {
	defer func() {
		c.log.Debugf("Forward half terminating.")
		close(c.cmdCh)
	}()

	for {
		var req *relaySend
		select {
		case <-c.HaltCh():
			return
		case req = <-c.streamSendCh:
		}

		// Countable messages wait here until the hop's send window has
		// room; a missing hop is surfaced by the backward half instead.
		countable := req.msg.Cmd.IsCongestionCountable()
		if h := c.Hop(req.hop); h != nil && countable {
			for !h.cc.CanSend() {
				select {
				case <-c.HaltCh():
					return
				case <-h.cc.SendableCh():
				}
			}
			req.doneCh = make(chan struct{})
		}

		select {
		case c.cmdCh <- req:
		case <-c.HaltCh():
			return
		}

		// The gate above reads the window the backward half charges, so
		// the charge must land before the next countable message is
		// considered.
		if req.doneCh != nil {
			select {
			case <-req.doneCh:
			case <-c.HaltCh():
				return
			}
		}
	}
}
