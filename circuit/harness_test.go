// harness_test.go - Circuit test harness.
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
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torlite/torlite/cell"
	"github.com/torlite/torlite/channel"
	"github.com/torlite/torlite/congestion"
	"github.com/torlite/torlite/crypto/relaycrypt"
	tlog "github.com/torlite/torlite/log"
)

const testTimeout = 5 * time.Second

// relayPeer plays the relay side of a circuit under test: it terminates
// the raw cell framing and holds mirror crypto layers for every hop.
type relayPeer struct {
	t       *testing.T
	conn    net.Conn
	circID  cell.CircID
	mirrors []*relaycrypt.LayerPair
}

func (p *relayPeer) readCell() *cell.Cell {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	c, err := cell.ReadCell(p.conn)
	require.NoError(p.t, err)
	return c
}

func (p *relayPeer) writeCell(c *cell.Cell) {
	require.NoError(p.t, p.conn.SetWriteDeadline(time.Now().Add(testTimeout)))
	require.NoError(p.t, cell.WriteCell(p.conn, c))
}

// expectQuiet asserts that no cell arrives within d.
func (p *relayPeer) expectQuiet(d time.Duration) {
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(d)))
	_, err := cell.ReadCell(p.conn)
	require.Error(p.t, err, "unexpected cell while the window was closed")
}

// recvRelay reads one outbound RELAY cell and peels it, requiring it to
// be recognized at exactly the given hop.
func (p *relayPeer) recvRelay(hop int) (*cell.RelayMsg, relaycrypt.Tag) {
	require := require.New(p.t)

	c := p.readCell()
	require.Equal(cell.CmdRelay, c.Cmd)
	require.Equal(p.circID, c.Circ)

	body := new(cell.RelayCellBody)
	copy(body[:], c.Payload)
	for i := 0; i < hop; i++ {
		_, recognized := p.mirrors[i].Outbound.DecryptInbound(body)
		require.False(recognized, "cell recognized early, at hop %d", i)
	}
	tag, recognized := p.mirrors[hop].Outbound.DecryptInbound(body)
	require.True(recognized, "cell not recognized at hop %d", hop)

	m, err := cell.ParseRelayMsg(body)
	require.NoError(err)
	return m, tag
}

// sendRelay originates a relay message at the given hop and layers it
// toward the client.
func (p *relayPeer) sendRelay(hop int, m *cell.RelayMsg) relaycrypt.Tag {
	b, err := cell.EncodeRelayMsg(m)
	require.NoError(p.t, err)

	tag := p.mirrors[hop].Inbound.Originate(b)
	for i := hop - 1; i >= 0; i-- {
		p.mirrors[i].Inbound.EncryptOutbound(b)
	}
	p.writeCell(cell.NewRelayCell(p.circID, b))
	return tag
}

func testSettings() *Settings {
	return &Settings{
		Format:     relaycrypt.FormatLegacy,
		Congestion: congestion.DefaultParams(),
	}
}

// newTestCircuit stands up a channel reactor over a pipe, drives a
// circuit through creation, and keys nrHops hops with mirrored layers on
// the peer side.
func newTestCircuit(t *testing.T, settings *Settings, nrHops int) (*Circuit, *relayPeer) {
	require := require.New(t)

	logBackend, err := tlog.New("", "DEBUG", false)
	require.NoError(err)

	near, far := net.Pipe()
	r := channel.NewReactor(&channel.Config{
		LogBackend: logBackend,
		Name:       t.Name(),
	}, channel.NewSource(near), channel.NewSink(near))

	h, err := r.AllocateCircuit()
	require.NoError(err)
	peer := &relayPeer{t: t, conn: far, circID: h.ID()}

	select {
	case <-h.SendTokenCh():
	case <-time.After(testTimeout):
		require.FailNow("timed out acquiring send token")
	}
	require.NoError(h.SendCell(cell.NewFixedCell(h.ID(), cell.CmdCreate2)))
	c := peer.readCell()
	require.Equal(cell.CmdCreate2, c.Cmd)
	peer.writeCell(cell.NewFixedCell(h.ID(), cell.CmdCreated2))
	select {
	case <-h.CreatedCh():
	case <-time.After(testTimeout):
		require.FailNow("timed out awaiting CREATED2")
	}

	circ := New(&Config{
		LogBackend: logBackend,
		Handle:     h,
	})
	for i := 0; i < nrHops; i++ {
		seed := make([]byte, relaycrypt.SeedLen(settings.Format))
		_, err = rand.Read(seed)
		require.NoError(err)
		mirrorSeed := make([]byte, len(seed))
		copy(mirrorSeed, seed)

		require.NoError(circ.AddHop(settings, seed))
		mirror, err := relaycrypt.NewLayerPair(settings.Format, mirrorSeed)
		require.NoError(err)
		peer.mirrors = append(peer.mirrors, mirror)
	}
	require.Equal(nrHops, circ.NrHops())

	t.Cleanup(func() {
		circ.Halt()
		r.Halt()
		near.Close()
		far.Close()
	})
	return circ, peer
}

func waitCircuitClosed(t *testing.T, c *Circuit) error {
	select {
	case <-c.ClosedCh():
		return c.Err()
	case <-time.After(testTimeout):
		require.FailNow(t, "timed out awaiting circuit termination")
		return nil
	}
}
