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

// Package metrics holds the node's Prometheus instrumentation. Every
// collector in the package is registered against Registry under the
// rings namespace; Handler/StartServer expose it over HTTP.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rings"

// Registry is the node's private Prometheus registry. A private registry
// (rather than the global DefaultRegisterer) keeps process-wide collectors
// like Go runtime stats out of a multi-node test binary's combined output.
var Registry = prometheus.NewRegistry()
