// reactor.go - Channel cell routing reactor.
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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/torlite/torlite/cell"
	"github.com/torlite/torlite/instrument"
	tlog "github.com/torlite/torlite/log"
	"github.com/torlite/torlite/queue"
	"github.com/torlite/torlite/worker"
)

var (
	// ErrShutdown is the error recorded when the reactor terminates due
	// to an ordinary shutdown rather than a failure.
	ErrShutdown = errors.New("channel: shutdown requested")

	// ErrChannelClosed is the error returned to callers of a channel that
	// has already terminated.  A terminated channel is permanently
	// unusable.
	ErrChannelClosed = errors.New("channel: channel is closed")
)

// ProtocolError is the error used to indicate that the channel was closed
// due to a peer protocol violation.
type ProtocolError struct {
	// Err is the original error that triggered channel termination.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("channel: protocol error: %v", e.Err)
}

func newProtocolError(f string, a ...interface{}) error {
	instrument.ProtocolViolation()
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// Config is the configuration for a channel reactor.
type Config struct {
	// LogBackend is the logging backend.
	LogBackend *tlog.Backend

	// Name identifies this channel in log output.
	Name string

	// SendQueueDepth caps the number of circuit-originated cells queued
	// toward the wire; it is also the size of the send token pool.
	SendQueueDepth int

	// RelayQueueDepth caps the per-circuit inbound relay cell queue.
	RelayQueueDepth int

	// DestroyReplayBudget is the number of cells tolerated for a circuit
	// in the DestroySent state before the peer is deemed hostile.
	DestroyReplayBudget int

	// DestroyHolddown is how long a destroyed circuit id is quarantined
	// before it may be reused.
	DestroyHolddown time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.SendQueueDepth <= 0 {
		cfg.SendQueueDepth = 32
	}
	if cfg.RelayQueueDepth <= 0 {
		cfg.RelayQueueDepth = 32
	}
	if cfg.DestroyReplayBudget <= 0 {
		cfg.DestroyReplayBudget = 8
	}
	if cfg.DestroyHolddown <= 0 {
		cfg.DestroyHolddown = 1 * time.Minute
	}
}

type reactorState int

const (
	stateRunning reactorState = iota
	stateShuttingDown
	stateClosed
)

type circState int

const (
	// circPending is a circuit that has sent its CREATE-family cell and
	// awaits the CREATED-family reply.
	circPending circState = iota

	// circOpen is a circuit carrying relay cells.
	circOpen

	// circDestroySent is a circuit for which we sent a DESTROY and are
	// waiting out the round trip before the id can be reused.
	circDestroySent
)

type circEntry struct {
	handle       *CircuitHandle
	state        circState
	replayBudget int
}

type ctlAllocCircuit struct {
	replyCh chan interface{}
}

type ctlCloseCircuit struct {
	id      cell.CircID
	replyCh chan error
}

// Reactor is the cell routing reactor for one network connection.  One
// cooperative task demultiplexes inbound cells by circuit id and
// multiplexes circuit-submitted cells onto the wire.
type Reactor struct {
	worker.Worker

	log *logging.Logger
	cfg *Config

	src Source
	snk Sink

	ctlCh      chan interface{}
	sendCh     chan *cell.Cell
	sendTokens chan struct{}
	readCh     chan interface{}
	readStopCh chan interface{}

	circuits map[cell.CircID]*circEntry
	holddown *queue.PriorityQueue

	state    reactorState
	closedCh chan interface{}
	err      error
}

// NewReactor creates a channel reactor over the provided cell source and
// sink and starts its task.  The caller retains responsibility for closing
// the underlying connection, which is what unblocks a Source stuck in
// Recv during shutdown.
func NewReactor(cfg *Config, src Source, snk Sink) *Reactor {
	cfg.applyDefaults()

	r := &Reactor{
		log:        cfg.LogBackend.GetLogger("channel:" + cfg.Name),
		cfg:        cfg,
		src:        src,
		snk:        snk,
		ctlCh:      make(chan interface{}),
		sendCh:     make(chan *cell.Cell, cfg.SendQueueDepth),
		sendTokens: make(chan struct{}, cfg.SendQueueDepth),
		readCh:     make(chan interface{}),
		readStopCh: make(chan interface{}),
		circuits:   make(map[cell.CircID]*circEntry),
		holddown:   queue.New(),
		closedCh:   make(chan interface{}),
	}
	for i := 0; i < cfg.SendQueueDepth; i++ {
		r.sendTokens <- struct{}{}
	}

	go r.readWorker()
	r.Go(r.reactorWorker)
	return r
}

// Err returns the terminal error once the reactor has shut down.
func (r *Reactor) Err() error {
	select {
	case <-r.closedCh:
		return r.err
	default:
		return nil
	}
}

// ClosedCh returns a channel closed when the reactor reaches its terminal
// state.
func (r *Reactor) ClosedCh() <-chan interface{} {
	return r.closedCh
}

func (r *Reactor) readWorker() {
	defer close(r.readCh)
	for {
		c, err := r.src.Recv()
		var v interface{}
		if err != nil {
			v = err
		} else {
			v = c
		}
		select {
		case r.readCh <- v:
		case <-r.readStopCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *Reactor) reactorWorker() {
	var doneErr error
	defer func() {
		if doneErr == nil {
			panic("BUG: doneErr is nil on channel reactor teardown.")
		}
		r.finalize(doneErr)
	}()

	for {
		idle := true

		// Handle at most one control message.
		select {
		case m, ok := <-r.ctlCh:
			if !ok {
				doneErr = ErrShutdown
				return
			}
			r.onCtl(m)
			idle = false
		default:
		}

		// Dispatch at most one inbound cell.
		select {
		case raw, ok := <-r.readCh:
			if !ok {
				doneErr = ErrShutdown
				return
			}
			if doneErr = r.onRead(raw); doneErr != nil {
				return
			}
			idle = false
		default:
		}

		// Send at most one queued circuit cell, if the sink will take it.
		select {
		case c := <-r.sendCh:
			if doneErr = r.writeCell(c); doneErr != nil {
				return
			}
			idle = false
		default:
		}

		// Opportunistically advance the sink and expire hold-downs.
		if doneErr = r.snk.Flush(); doneErr != nil {
			return
		}
		r.expireHolddowns()

		if !idle {
			select {
			case <-r.HaltCh():
				doneErr = ErrShutdown
				return
			default:
			}
			continue
		}

		// Nothing was ready; park until any source fires.
		select {
		case <-r.HaltCh():
			doneErr = ErrShutdown
			return
		case c := <-r.sendCh:
			if doneErr = r.writeCell(c); doneErr != nil {
				return
			}
		case m, ok := <-r.ctlCh:
			if !ok {
				doneErr = ErrShutdown
				return
			}
			r.onCtl(m)
		case raw, ok := <-r.readCh:
			if !ok {
				doneErr = ErrShutdown
				return
			}
			if doneErr = r.onRead(raw); doneErr != nil {
				return
			}
		}
	}
}

func (r *Reactor) finalize(doneErr error) {
	r.state = stateShuttingDown
	if doneErr == ErrShutdown {
		r.log.Debugf("Terminating gracefully.")
	} else {
		r.log.Errorf("Terminating: %v", doneErr)
	}

	close(r.readStopCh)
	for id, ent := range r.circuits {
		ent.handle.close(doneErr)
		if ent.state == circOpen {
			instrument.CircuitClosed()
		}
		delete(r.circuits, id)
	}
	_ = r.snk.Flush()

	r.err = doneErr
	r.state = stateClosed
	close(r.closedCh)
}

func (r *Reactor) writeCell(c *cell.Cell) error {
	if err := r.snk.Send(c); err != nil {
		return err
	}
	instrument.CellSent()

	// Return the send token consumed by the submitting circuit.  The pool
	// and the queue have equal capacity, so this never blocks.
	select {
	case r.sendTokens <- struct{}{}:
	default:
		panic("BUG: send token pool overflow")
	}
	return nil
}

func (r *Reactor) onRead(raw interface{}) error {
	switch v := raw.(type) {
	case error:
		if v == io.EOF {
			// The peer hung up; treated as a graceful shutdown.
			return ErrShutdown
		}
		return v
	case *cell.Cell:
		return r.onCell(v)
	default:
		panic("BUG: invalid value from read worker")
	}
}

// onCell implements the inbound dispatch table.  A returned error is fatal
// to the whole channel.
func (r *Reactor) onCell(c *cell.Cell) error {
	cmd := c.Cmd
	switch {
	case cmd.IsHandshake():
		// The handshake layer completed before this reactor was built.
		return newProtocolError("%v cell after handshake completion", cmd)

	case cmd.IsCreate():
		return newProtocolError("%v cell on client channel", cmd)

	case cmd.IsCreated():
		return r.onCreatedCell(c)

	case cmd == cell.CmdRelay || cmd == cell.CmdRelayEarly:
		return r.onRelayCell(c)

	case cmd == cell.CmdDestroy:
		r.onDestroyCell(c)
		return nil

	default:
		// PADDING, VPADDING and anything unrecognized.
		r.log.Debugf("Dropping %v cell.", cmd)
		instrument.CellDropped()
		return nil
	}
}

func (r *Reactor) onCreatedCell(c *cell.Cell) error {
	ent, ok := r.circuits[c.Circ]
	if !ok {
		return newProtocolError("%v cell on nonexistent circuit %d", c.Cmd, c.Circ)
	}
	switch ent.state {
	case circPending:
		// The circuit is counted open from here on, before its owner has
		// examined the handshake reply at all.
		ent.state = circOpen
		instrument.CircuitOpened()
		instrument.CellDispatched(c.Cmd.String())
		select {
		case ent.handle.createdCh <- c:
		default:
			return newProtocolError("%v cell flooded pending circuit %d", c.Cmd, c.Circ)
		}
		return nil
	case circOpen:
		return newProtocolError("%v cell on already-created circuit %d", c.Cmd, c.Circ)
	case circDestroySent:
		return r.noteDestroySentCell(c.Circ, ent)
	default:
		panic("BUG: invalid circuit state")
	}
}

func (r *Reactor) onRelayCell(c *cell.Cell) error {
	ent, ok := r.circuits[c.Circ]
	if !ok {
		return newProtocolError("Relay cell on nonexistent circuit %d", c.Circ)
	}
	switch ent.state {
	case circPending:
		return newProtocolError("Relay cell on circuit %d awaiting creation", c.Circ)
	case circOpen:
		body := new(cell.RelayCellBody)
		copy(body[:], c.Payload)
		instrument.CellDispatched(c.Cmd.String())
		for {
			select {
			case ent.handle.relayCh <- body:
				return nil
			case out := <-r.sendCh:
				// Keep draining the send queue while parked, so that
				// send tokens keep recycling.  The target circuit may
				// itself be waiting on a token before it services its
				// inbound queue.
				if err := r.writeCell(out); err != nil {
					return err
				}
				if err := r.snk.Flush(); err != nil {
					return err
				}
			case <-r.HaltCh():
				return ErrShutdown
			}
		}
	case circDestroySent:
		return r.noteDestroySentCell(c.Circ, ent)
	default:
		panic("BUG: invalid circuit state")
	}
}

func (r *Reactor) noteDestroySentCell(id cell.CircID, ent *circEntry) error {
	ent.replayBudget--
	if ent.replayBudget < 0 {
		return newProtocolError("too many cells received on destroyed circuit %d", id)
	}
	instrument.CellDropped()
	return nil
}

func (r *Reactor) onDestroyCell(c *cell.Cell) {
	ent, ok := r.circuits[c.Circ]
	if !ok {
		// Includes ids already reaped from DestroySent; a no-op.
		r.log.Debugf("DESTROY for unknown circuit %d.", c.Circ)
		return
	}

	var reason byte
	if len(c.Payload) > 0 {
		reason = c.Payload[0]
	}

	switch ent.state {
	case circPending:
		ent.handle.close(fmt.Errorf("channel: circuit destroyed before creation, reason %d", reason))
	case circOpen:
		ent.handle.close(fmt.Errorf("channel: circuit destroyed by peer, reason %d", reason))
		instrument.CircuitClosed()
	case circDestroySent:
		// Our DESTROY completed its round trip; the id is free again.
	}
	delete(r.circuits, c.Circ)
	r.holddown.FilterOnce(func(v interface{}) bool {
		return v.(cell.CircID) == c.Circ
	})
}

func (r *Reactor) onCtl(raw interface{}) {
	switch m := raw.(type) {
	case *ctlAllocCircuit:
		h, err := r.doAllocCircuit()
		if err != nil {
			m.replyCh <- err
		} else {
			m.replyCh <- h
		}
	case *ctlCloseCircuit:
		m.replyCh <- r.doCloseCircuit(m.id)
	default:
		panic("BUG: invalid control message")
	}
}

func (r *Reactor) doAllocCircuit() (*CircuitHandle, error) {
	id, err := r.newCircID()
	if err != nil {
		return nil, err
	}

	h := &CircuitHandle{
		r:         r,
		id:        id,
		createdCh: make(chan *cell.Cell, 1),
		relayCh:   make(chan *cell.RelayCellBody, r.cfg.RelayQueueDepth),
		closedCh:  make(chan interface{}),
	}
	r.circuits[id] = &circEntry{
		handle:       h,
		state:        circPending,
		replayBudget: r.cfg.DestroyReplayBudget,
	}
	r.log.Debugf("Allocated circuit %d.", id)
	return h, nil
}

func (r *Reactor) doCloseCircuit(id cell.CircID) error {
	ent, ok := r.circuits[id]
	if !ok || ent.state == circDestroySent {
		return nil
	}

	destroy := cell.NewFixedCell(id, cell.CmdDestroy)
	if err := r.snk.Send(destroy); err != nil {
		return err
	}
	instrument.CellSent()

	if ent.state == circOpen {
		instrument.CircuitClosed()
	}
	ent.handle.close(ErrShutdown)
	ent.state = circDestroySent
	ent.replayBudget = r.cfg.DestroyReplayBudget
	r.holddown.Enqueue(uint64(time.Now().Add(r.cfg.DestroyHolddown).UnixNano()), id)
	r.log.Debugf("Sent DESTROY for circuit %d.", id)
	return nil
}

func (r *Reactor) expireHolddowns() {
	now := uint64(time.Now().UnixNano())
	for {
		e := r.holddown.Peek()
		if e == nil || e.Priority > now {
			return
		}
		r.holddown.Dequeue()
		id := e.Value.(cell.CircID)
		if ent, ok := r.circuits[id]; ok && ent.state == circDestroySent {
			delete(r.circuits, id)
			r.log.Debugf("Circuit id %d hold-down expired.", id)
		}
	}
}

func (r *Reactor) newCircID() (cell.CircID, error) {
	// As the channel initiator we own the id space with the MSB set.
	var b [4]byte
	for attempts := 0; attempts < 64; attempts++ {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		id := cell.CircID(binary.BigEndian.Uint32(b[:]) | 0x80000000)
		if _, exists := r.circuits[id]; !exists {
			return id, nil
		}
	}
	return 0, errors.New("channel: circuit id space exhausted")
}

// AllocateCircuit reserves a fresh circuit id on this channel and returns
// a handle for it in the pending-creation state.
func (r *Reactor) AllocateCircuit() (*CircuitHandle, error) {
	m := &ctlAllocCircuit{replyCh: make(chan interface{}, 1)}
	select {
	case r.ctlCh <- m:
	case <-r.closedCh:
		return nil, ErrChannelClosed
	}
	select {
	case v := <-m.replyCh:
		switch reply := v.(type) {
		case error:
			return nil, reply
		case *CircuitHandle:
			return reply, nil
		default:
			panic("BUG: invalid AllocateCircuit reply")
		}
	case <-r.closedCh:
		return nil, ErrChannelClosed
	}
}
