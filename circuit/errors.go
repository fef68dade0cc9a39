// errors.go - Circuit error taxonomy.
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
	"fmt"

	"github.com/torlite/torlite/instrument"
)

var (
	// ErrShutdown is the error recorded when a circuit reactor
	// terminates due to ordinary shutdown rather than failure.
	ErrShutdown = errors.New("circuit: shutdown requested")

	// ErrCellBudgetExhausted is the protocol violation raised when a
	// hop's negotiated cell limit is reached.
	ErrCellBudgetExhausted = errors.New("circuit: relay cell budget exhausted")

	// ErrCircuitClosed is returned to callers of a circuit that has
	// already been torn down.
	ErrCircuitClosed = errors.New("circuit: circuit is closed")

	// ErrStreamFlowBlocked is returned when a stream's send is refused
	// by stream-level flow control.
	ErrStreamFlowBlocked = errors.New("circuit: stream send window closed")

	// ErrStreamEnded is returned when sending on a stream that has
	// received or sent an END.
	ErrStreamEnded = errors.New("circuit: stream has ended")
)

// ProtocolError is the error used for peer protocol violations.  These
// are never retried; the circuit is torn down immediately.
type ProtocolError struct {
	// Err is the original error describing the violation.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("circuit: protocol error: %v", e.Err)
}

// Unwrap supports errors.Is/errors.As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func newProtocolError(f string, a ...interface{}) error {
	instrument.ProtocolViolation()
	return &ProtocolError{Err: fmt.Errorf(f, a...)}
}

// InternalError is the error used for invariant violations on our side,
// such as addressing a hop that does not exist.  Never silently ignored.
type InternalError struct {
	// Err is the original error.
	Err error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("circuit: internal error: %v", e.Err)
}

// Unwrap supports errors.Is/errors.As.
func (e *InternalError) Unwrap() error {
	return e.Err
}

func newInternalError(f string, a ...interface{}) error {
	return &InternalError{Err: fmt.Errorf(f, a...)}
}
