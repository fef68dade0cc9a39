// hop_test.go - Per-hop state tests.
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
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torlite/torlite/crypto/relaycrypt"
)

func TestCellBudget(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Zero means unlimited.
	unlimited := newCellBudget(0)
	for i := 0; i < 1000; i++ {
		require.NoError(unlimited.decrement())
	}

	// A limit of n permits exactly n cells.
	b := newCellBudget(3)
	require.NoError(b.decrement())
	require.NoError(b.decrement())
	require.NoError(b.decrement())
	err := b.decrement()
	require.True(errors.Is(err, ErrCellBudgetExhausted), "got %v", err)

	// Exhaustion is sticky.
	err = b.decrement()
	require.True(errors.Is(err, ErrCellBudgetExhausted), "got %v", err)

	// The largest expressible limit must not wrap around into the
	// unlimited sentinel.
	huge := newCellBudget(math.MaxUint32)
	require.NotEqual(cellBudget(0), huge)
	require.NoError(huge.decrement())
}

func TestParseSendme(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var want relaycrypt.Tag
	for i := range want {
		want[i] = byte(i)
	}
	body := make([]byte, sendmePayloadLen)
	body[0] = 0x01
	body[2] = relaycrypt.TagLen
	copy(body[3:], want[:])

	tag, err := parseSendme(body, true)
	require.NoError(err)
	require.Equal(want, tag)

	// Legacy unauthenticated form.
	_, err = parseSendme(nil, false)
	require.NoError(err)
	_, err = parseSendme(nil, true)
	require.Error(err)

	// Unknown version.
	_, err = parseSendme([]byte{0x02}, true)
	require.Error(err)

	// Truncated tag.
	_, err = parseSendme(body[:10], true)
	require.Error(err)

	// Wrong tag length field.
	bad := make([]byte, sendmePayloadLen)
	bad[0] = 0x01
	bad[2] = relaycrypt.TagLen - 1
	_, err = parseSendme(bad, true)
	require.Error(err)
}

func TestStreamIDAllocation(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h, err := newHop(0, testSettings())
	require.NoError(err)

	c := &Circuit{}
	s1, err := h.beginStream(c)
	require.NoError(err)
	s2, err := h.beginStream(c)
	require.NoError(err)
	require.NotEqual(s1.ID(), s2.ID())
	require.NotZero(s1.ID())
	require.NotZero(s2.ID())

	h.closeStream(s1.ID())
	h.Lock()
	require.Len(h.streams, 1)
	h.Unlock()
}
