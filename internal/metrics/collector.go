// Copyright (C) 2025 rings-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons mirror router.HandleInbound's rejection outcomes; keep
// these strings in sync with the error values they label.
const (
	DropVerificationFailed = "verification_failed"
	DropMalformedEnvelope  = "malformed_envelope"
	DropTTLExpired         = "ttl_expired"
	DropLoopDetected       = "loop_detected"
)

var (
	// StabilizeTickDuration tracks how long one stabilizer tick (stabilize,
	// notify, fix_fingers, check_predecessor, reap_connections) takes.
	StabilizeTickDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dht",
			Name:      "stabilize_tick_duration_seconds",
			Help:      "Duration of one stabilizer tick in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~819ms
		},
	)

	// ReassemblyBufferBytes tracks the bytes currently held by in-flight
	// chunk reassembly buffers.
	ReassemblyBufferBytes = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "reassembly_buffer_bytes",
			Help:      "Bytes currently buffered across in-flight chunk reassemblies",
		},
	)

	// ConnectionStateChanges counts transport connection state
	// transitions, labeled by the state transitioned into.
	ConnectionStateChanges = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_state_changes_total",
			Help:      "Total number of transport connection state transitions",
		},
		[]string{"state"}, // new, connecting, connected, disconnected, failed, closed
	)
)
