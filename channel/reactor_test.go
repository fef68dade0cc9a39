// reactor_test.go - Channel reactor tests.
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
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torlite/torlite/cell"
	tlog "github.com/torlite/torlite/log"
)

const testTimeout = 5 * time.Second

// testPeer is the far side of a channel under test, speaking raw framed
// cells over a synchronous pipe.
type testPeer struct {
	t    *testing.T
	conn net.Conn
}

func (p *testPeer) readCell() *cell.Cell {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	c, err := cell.ReadCell(p.conn)
	require.NoError(p.t, err)
	return c
}

func (p *testPeer) writeCell(c *cell.Cell) {
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	require.NoError(p.t, cell.WriteCell(p.conn, c))
}

func newTestReactor(t *testing.T, cfg *Config) (*Reactor, *testPeer) {
	require := require.New(t)

	logBackend, err := tlog.New("", "DEBUG", false)
	require.NoError(err)

	near, far := net.Pipe()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.LogBackend = logBackend
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}

	r := NewReactor(cfg, NewSource(near), NewSink(near))
	t.Cleanup(func() {
		r.Halt()
		near.Close()
		far.Close()
	})
	return r, &testPeer{t: t, conn: far}
}

// openCircuit drives a circuit through allocation and creation.
func openCircuit(t *testing.T, r *Reactor, peer *testPeer) *CircuitHandle {
	require := require.New(t)

	h, err := r.AllocateCircuit()
	require.NoError(err)
	require.NotZero(uint32(h.ID()) & 0x80000000)

	select {
	case <-h.SendTokenCh():
	case <-time.After(testTimeout):
		require.FailNow("timed out acquiring send token")
	}
	require.NoError(h.SendCell(cell.NewFixedCell(h.ID(), cell.CmdCreate2)))

	c := peer.readCell()
	require.Equal(cell.CmdCreate2, c.Cmd)
	require.Equal(h.ID(), c.Circ)

	peer.writeCell(cell.NewFixedCell(h.ID(), cell.CmdCreated2))
	select {
	case c = <-h.CreatedCh():
		require.Equal(cell.CmdCreated2, c.Cmd)
	case <-time.After(testTimeout):
		require.FailNow("timed out awaiting CREATED2")
	}
	return h
}

func waitClosed(t *testing.T, r *Reactor) error {
	select {
	case <-r.ClosedCh():
		return r.Err()
	case <-time.After(testTimeout):
		require.FailNow(t, "timed out awaiting reactor termination")
		return nil
	}
}

func TestReactorCircuitLifecycle(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, nil)
	h := openCircuit(t, r, peer)

	// Inbound relay cells are demultiplexed to the circuit's queue.
	relay := cell.NewFixedCell(h.ID(), cell.CmdRelay)
	relay.Payload[0] = 0x7f
	peer.writeCell(relay)
	select {
	case body := <-h.RelayCh():
		require.Equal(byte(0x7f), body[0])
	case <-time.After(testTimeout):
		require.FailNow("timed out awaiting relay cell")
	}

	// Closing sends a DESTROY and quarantines the id.
	require.NoError(h.Close())
	c := peer.readCell()
	require.Equal(cell.CmdDestroy, c.Cmd)
	require.Equal(h.ID(), c.Circ)

	select {
	case <-h.ClosedCh():
		require.Equal(ErrShutdown, h.Reason())
	case <-time.After(testTimeout):
		require.FailNow("timed out awaiting handle close")
	}

	// The peer's answering DESTROY completes the round trip; the channel
	// remains usable.
	peer.writeCell(cell.NewFixedCell(h.ID(), cell.CmdDestroy))
	h2, err := r.AllocateCircuit()
	require.NoError(err)
	require.NotEqual(h.ID(), h2.ID())
}

func TestReactorPeerCreate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, nil)
	peer.writeCell(cell.NewFixedCell(0x00000001, cell.CmdCreate2))

	err := waitClosed(t, r)
	require.IsType(&ProtocolError{}, err)
}

func TestReactorHandshakeCellAfterHandshake(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, nil)
	peer.writeCell(&cell.Cell{Cmd: cell.CmdVersions, Payload: []byte{0x00, 0x04}})

	err := waitClosed(t, r)
	require.IsType(&ProtocolError{}, err)
}

func TestReactorRelayUnknownCircuit(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, nil)
	peer.writeCell(cell.NewFixedCell(0x1234, cell.CmdRelay))

	err := waitClosed(t, r)
	require.IsType(&ProtocolError{}, err)
}

func TestReactorPaddingDropped(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, nil)
	peer.writeCell(cell.NewFixedCell(0, cell.CmdPadding))

	// The channel shrugs it off and keeps working.
	_, err := r.AllocateCircuit()
	require.NoError(err)
}

func TestReactorDestroyReplayBudget(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, &Config{DestroyReplayBudget: 2})
	h := openCircuit(t, r, peer)

	require.NoError(h.Close())
	c := peer.readCell()
	require.Equal(cell.CmdDestroy, c.Cmd)

	// Cells in flight when the DESTROY crossed them are tolerated, up to
	// the budget.
	peer.writeCell(cell.NewFixedCell(h.ID(), cell.CmdRelay))
	peer.writeCell(cell.NewFixedCell(h.ID(), cell.CmdRelay))
	select {
	case <-r.ClosedCh():
		require.FailNow("reactor died within replay budget")
	case <-time.After(50 * time.Millisecond):
	}

	peer.writeCell(cell.NewFixedCell(h.ID(), cell.CmdRelay))
	err := waitClosed(t, r)
	require.IsType(&ProtocolError{}, err)
}

func TestReactorPeerDisconnect(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, peer := newTestReactor(t, nil)
	require.NoError(peer.conn.Close())

	require.Equal(ErrShutdown, waitClosed(t, r))
}

func TestReactorHaltIdempotent(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r, _ := newTestReactor(t, nil)
	h, err := r.AllocateCircuit()
	require.NoError(err)

	r.Halt()
	r.Halt()
	require.Equal(ErrShutdown, r.Err())

	select {
	case <-h.ClosedCh():
		require.Equal(ErrShutdown, h.Reason())
	default:
		require.FailNow("handle not closed on reactor shutdown")
	}

	_, err = r.AllocateCircuit()
	require.Equal(ErrChannelClosed, err)
}
