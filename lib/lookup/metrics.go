// Copyright (C) 2014 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package lookup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCaches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lookup",
		Subsystem: "cache",
		Name:      "caches",
		Help:      "Number of live lookup caches",
	})
	metricRegistrarEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "cache",
		Name:      "registrar_events_total",
		Help:      "Total number of item reports received from registrars, per kind",
	}, []string{"kind"})
	metricDroppedReports = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "cache",
		Name:      "dropped_reports_total",
		Help:      "Total number of item reports dropped as malformed",
	})
	metricFilterResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "cache",
		Name:      "filter_results_total",
		Help:      "Total number of filter passes, per result",
	}, []string{"result"})
	metricServiceEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lookup",
		Subsystem: "cache",
		Name:      "service_events_total",
		Help:      "Total number of service events emitted to listeners, per type",
	}, []string{"type"})
	metricVisibleServices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lookup",
		Subsystem: "cache",
		Name:      "visible_services",
		Help:      "Number of services currently visible, summed over caches",
	})
)

func init() {
	for _, kind := range []string{"matched", "changed", "removed"} {
		metricRegistrarEvents.WithLabelValues(kind)
	}
	for _, res := range []FilterResult{Accept, Reject, Retry} {
		metricFilterResults.WithLabelValues(res.String())
	}
	for _, typ := range []EventType{ServiceAdded, ServiceRemoved, ServiceChanged} {
		metricServiceEvents.WithLabelValues(typ.String())
	}
}
