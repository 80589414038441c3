// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package discover

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDatagramsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "discover",
		Name:      "datagrams_sent_total",
		Help:      "Total number of discovery datagrams sent, per kind",
	}, []string{"kind"})
	metricDatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "discover",
		Name:      "datagrams_received_total",
		Help:      "Total number of discovery datagrams received, per kind",
	}, []string{"kind"})
	metricDatagramsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "discover",
		Name:      "datagrams_dropped_total",
		Help:      "Total number of discovery datagrams dropped, per reason",
	}, []string{"reason"})
	metricRegistrars = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lookup",
		Subsystem: "discover",
		Name:      "registrars",
		Help:      "Number of currently known registrars",
	})
	metricLocatorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "discover",
		Name:      "locator_attempts_total",
		Help:      "Total number of unicast locator attempts, per result",
	}, []string{"result"})
)

const (
	kindRequest      = "request"
	kindAnnouncement = "announcement"

	reasonMalformed = "malformed"
	reasonRateLimit = "rate_limit"
	reasonOverflow  = "overflow"
)

func init() {
	for _, kind := range []string{kindRequest, kindAnnouncement} {
		metricDatagramsSent.WithLabelValues(kind)
		metricDatagramsReceived.WithLabelValues(kind)
	}
	for _, reason := range []string{reasonMalformed, reasonRateLimit, reasonOverflow} {
		metricDatagramsDropped.WithLabelValues(reason)
	}
}
