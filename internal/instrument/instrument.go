// SPDX-FileCopyrightText: Copyright (C) 2025 the groupwire authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument exposes prometheus metrics for the delivery service.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwire_ds_requests_total",
			Help: "Number of processed requests",
		},
		[]string{"type"},
	)
	requestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "groupwire_ds_request_failures_total",
			Help: "Number of failed requests",
		},
		[]string{"type", "status"},
	)
	fanOutMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groupwire_ds_fanout_messages_total",
			Help: "Number of fan-out messages dispatched to queue services",
		},
	)
	fanOutFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "groupwire_ds_fanout_failures_total",
			Help: "Number of fan-out messages that failed to dispatch",
		},
	)
	requestDuration = prometheus.NewSummary(
		prometheus.SummaryOpts{
			Name: "groupwire_ds_request_duration_seconds",
			Help: "Request processing duration",
		},
	)
)

// Init registers the metrics and serves them on the given address.
func Init(addr string) {
	prometheus.MustRegister(requests)
	prometheus.MustRegister(requestFailures)
	prometheus.MustRegister(fanOutMessages)
	prometheus.MustRegister(fanOutFailures)
	prometheus.MustRegister(requestDuration)
	if addr == "" {
		return
	}
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		http.ListenAndServe(addr, nil)
	}()
}

// Request counts one processed request of the given type.
func Request(requestType string) {
	requests.With(prometheus.Labels{"type": requestType}).Inc()
}

// RequestFailure counts one failed request.
func RequestFailure(requestType, status string) {
	requestFailures.With(prometheus.Labels{"type": requestType, "status": status}).Inc()
}

// FanOut counts one dispatched fan-out message.
func FanOut() {
	fanOutMessages.Inc()
}

// FanOutFailure counts one failed fan-out dispatch.
func FanOutFailure() {
	fanOutFailures.Inc()
}

// RequestDuration records one request's processing time in seconds.
func RequestDuration(seconds float64) {
	requestDuration.Observe(seconds)
}
