// channel.go - Cell source/sink abstraction.
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

// Package channel implements the per-connection cell routing reactor that
// demultiplexes inbound cells to circuits and multiplexes circuit
// originated cells onto the wire.
package channel

import (
	"bufio"
	"io"

	"github.com/torlite/torlite/cell"
)

// Source produces a lazy, possibly failing sequence of cells.  Recv blocks
// until a cell is available; it returns io.EOF when the peer closes the
// connection cleanly.  The transport behind a Source must deliver cells in
// order: the relay crypto turns reordering into authentication failure.
type Source interface {
	Recv() (*cell.Cell, error)
}

// Sink accepts cells with backpressure.  Send may buffer; Flush drives any
// buffered cells toward the wire.
type Sink interface {
	Send(*cell.Cell) error
	Flush() error
}

type readerSource struct {
	r io.Reader
}

func (s *readerSource) Recv() (*cell.Cell, error) {
	return cell.ReadCell(s.r)
}

// NewSource returns a Source that de-frames cells from r.
func NewSource(r io.Reader) Source {
	return &readerSource{r: r}
}

type writerSink struct {
	bw *bufio.Writer
}

func (s *writerSink) Send(c *cell.Cell) error {
	return cell.WriteCell(s.bw, c)
}

func (s *writerSink) Flush() error {
	return s.bw.Flush()
}

// NewSink returns a Sink that frames cells onto w, with buffering.
func NewSink(w io.Writer) Sink {
	return &writerSink{bw: bufio.NewWriter(w)}
}
