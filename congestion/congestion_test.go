// congestion_test.go - Circuit-level flow control tests.
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

package congestion

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torlite/torlite/crypto/relaycrypt"
)

func testTag(b byte) relaycrypt.Tag {
	var t relaycrypt.Tag
	for i := range t {
		t[i] = b
	}
	return t
}

func testParams() *Params {
	return &Params{
		SendWindow:        4,
		RecvWindow:        4,
		Increment:         2,
		RequireSendmeAuth: true,
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := New(&Params{SendWindow: 5, RecvWindow: 4, Increment: 2})
	require.Error(err)

	_, err = New(&Params{SendWindow: 4, RecvWindow: 3, Increment: 2})
	require.Error(err)

	_, err = New(&Params{SendWindow: 4, RecvWindow: 4, Increment: 0})
	require.Error(err)

	_, err = New(DefaultParams())
	require.NoError(err)
}

func TestSendWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cc, err := New(testParams())
	require.NoError(err)

	// Drain the window; the tags of the 2nd and 4th cells anchor the
	// expected SENDMEs.
	for i := byte(1); i <= 4; i++ {
		require.True(cc.CanSend())
		require.NoError(cc.NoteDataSent(testTag(i)))
	}
	require.False(cc.CanSend())

	// A properly authenticated SENDME reopens the window.
	require.NoError(cc.NoteSendmeReceived(testTag(2)))
	require.True(cc.CanSend())
	send, _ := cc.Windows()
	require.Equal(uint32(2), send)

	select {
	case <-cc.SendableCh():
	default:
		require.FailNow("window reopening was not signaled")
	}

	// The wrong tag is a protocol violation.
	require.ErrorIs(cc.NoteSendmeReceived(testTag(99)), ErrSendmeTagMismatch)

	// No outstanding window to acknowledge.
	require.ErrorIs(cc.NoteSendmeReceived(testTag(4)), ErrSendmeUnexpected)
}

func TestSendWindowUnauthenticated(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	p := testParams()
	p.RequireSendmeAuth = false
	cc, err := New(p)
	require.NoError(err)

	for i := byte(1); i <= 4; i++ {
		require.NoError(cc.NoteDataSent(testTag(i)))
	}

	// Without negotiated auth any tag is accepted.
	require.NoError(cc.NoteSendmeReceived(relaycrypt.Tag{}))
	require.NoError(cc.NoteSendmeReceived(relaycrypt.Tag{}))
	require.ErrorIs(cc.NoteSendmeReceived(relaycrypt.Tag{}), ErrSendmeUnexpected)
}

func TestRecvWindow(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cc, err := New(testParams())
	require.NoError(err)

	// Every Increment-th received cell asks for a SENDME.
	expect := []bool{false, true, false, true}
	for i, want := range expect {
		owed, err := cc.NoteDataReceived()
		require.NoError(err, "cell %d", i)
		require.Equal(want, owed, "cell %d", i)
		if owed {
			cc.NoteSendmeSent()
		}
	}

	_, recv := cc.Windows()
	require.Equal(uint32(4), recv)
}

func TestRecvWindowExceeded(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cc, err := New(testParams())
	require.NoError(err)

	// Never acknowledge; the peer runs the window down to zero and then
	// keeps pushing.
	for i := 0; i < 4; i++ {
		_, err = cc.NoteDataReceived()
		require.NoError(err)
	}
	_, err = cc.NoteDataReceived()
	require.ErrorIs(err, ErrRecvWindowExceeded)
}
