// Copyright (C) 2023 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package unicast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "unicast",
		Name:      "handshakes_total",
		Help:      "Total number of registrar handshakes, by side and result",
	}, []string{"side", "result"})
	metricFormatsSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "unicast",
		Name:      "formats_selected_total",
		Help:      "Total number of handshakes that selected each format",
	}, []string{"format"})
)

const (
	sideClient = "client"
	sideServer = "server"

	resultSuccess     = "success"
	resultUnsupported = "unsupported"
	resultProtocol    = "protocol"
	resultTransport   = "transport"
)

func init() {
	for _, side := range []string{sideClient, sideServer} {
		for _, res := range []string{resultSuccess, resultUnsupported, resultProtocol, resultTransport} {
			metricHandshakes.WithLabelValues(side, res)
		}
	}
}
