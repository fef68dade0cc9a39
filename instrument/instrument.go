// instrument.go - Prometheus instrumentation.
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

// Package instrument exposes operational counters via prometheus.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cellsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torlite_cells_dispatched_total",
			Help: "Number of inbound cells dispatched, by command",
		},
		[]string{"command"},
	)
	cellsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "torlite_cells_sent_total",
			Help: "Number of cells written to the wire",
		},
	)
	cellsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "torlite_cells_dropped_total",
			Help: "Number of inbound cells dropped",
		},
	)
	protocolViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "torlite_protocol_violations_total",
			Help: "Number of protocol violations observed",
		},
	)
	circuitsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "torlite_circuits_open",
			Help: "Number of currently open circuits",
		},
	)
	streamCellsDiscarded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "torlite_stream_cells_discarded_total",
			Help: "Number of cells discarded for disconnected streams",
		},
	)
)

// Init exposes the registered metrics via HTTP on addr.
func Init(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}

// CellDispatched notes an inbound cell dispatched to a circuit.
func CellDispatched(command string) {
	cellsDispatched.With(prometheus.Labels{"command": command}).Inc()
}

// CellSent notes a cell written to the wire.
func CellSent() {
	cellsSent.Inc()
}

// CellDropped notes an inbound cell silently dropped.
func CellDropped() {
	cellsDropped.Inc()
}

// ProtocolViolation notes a protocol violation.
func ProtocolViolation() {
	protocolViolations.Inc()
}

// CircuitOpened notes a circuit transitioning to open.
func CircuitOpened() {
	circuitsOpen.Inc()
}

// CircuitClosed notes an open circuit being torn down.
func CircuitClosed() {
	circuitsOpen.Dec()
}

// StreamCellDiscarded notes a cell discarded because its stream's
// application side is gone.
func StreamCellDiscarded() {
	streamCellsDiscarded.Inc()
}

func init() {
	prometheus.MustRegister(cellsDispatched)
	prometheus.MustRegister(cellsSent)
	prometheus.MustRegister(cellsDropped)
	prometheus.MustRegister(protocolViolations)
	prometheus.MustRegister(circuitsOpen)
	prometheus.MustRegister(streamCellsDiscarded)
}
