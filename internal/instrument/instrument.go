// instrument.go - Prometheus instrumentation.
// Copyright (C) 2025  SilentRelay authors.
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

// Package instrument exposes the node's prometheus metrics.
package instrument

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	liveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "silentrelay_live_connections",
			Help: "Number of live client connections on this node",
		},
	)
	envelopesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silentrelay_envelopes_accepted_total",
			Help: "Number of envelopes accepted after validation",
		},
	)
	envelopesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentrelay_envelopes_rejected_total",
			Help: "Number of envelopes rejected during validation",
		},
		[]string{"reason"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentrelay_deliveries_total",
			Help: "Number of envelope deliveries by winning path",
		},
		[]string{"path"},
	)
	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentrelay_ratelimit_denials_total",
			Help: "Number of admission denials by dimension and tier",
		},
		[]string{"dimension", "tier"},
	)
	strictEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentrelay_strict_escalations_total",
			Help: "Number of identities escalated to the strict tier",
		},
		[]string{"dimension"},
	)
	brokerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silentrelay_broker_failures_total",
			Help: "Number of failed broker publishes",
		},
	)
	presenceDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silentrelay_presence_degraded_total",
			Help: "Number of presence updates degraded to node-local visibility",
		},
	)
	auditDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "silentrelay_audit_dropped_total",
			Help: "Number of audit events dropped under buffer saturation",
		},
		[]string{"severity"},
	)
	deadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "silentrelay_dead_letters_total",
			Help: "Number of envelopes moved to the dead-letter store",
		},
	)
)

// Init registers the node's collectors and exposes them on addr.
func Init(addr string) {
	prometheus.MustRegister(
		liveConnections,
		envelopesAccepted,
		envelopesRejected,
		deliveries,
		rateLimitDenials,
		strictEscalations,
		brokerFailures,
		presenceDegraded,
		auditDropped,
		deadLetters,
	)

	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(addr, nil)
}

// ConnectionsInc increments the live connection gauge.
func ConnectionsInc() { liveConnections.Inc() }

// ConnectionsDec decrements the live connection gauge.
func ConnectionsDec() { liveConnections.Dec() }

// EnvelopeAccepted counts an accepted envelope.
func EnvelopeAccepted() { envelopesAccepted.Inc() }

// EnvelopeRejected counts a rejected frame with the rejection reason.
func EnvelopeRejected(reason string) { envelopesRejected.WithLabelValues(reason).Inc() }

// Delivered counts a delivery with the winning path (local, bridge,
// inbox).
func Delivered(path string) { deliveries.WithLabelValues(path).Inc() }

// RateLimitDenied counts an admission denial.
func RateLimitDenied(dimension, tier string) {
	rateLimitDenials.WithLabelValues(dimension, tier).Inc()
}

// StrictEscalation counts an identity flipping to the strict tier.
func StrictEscalation(dimension string) { strictEscalations.WithLabelValues(dimension).Inc() }

// BrokerFailure counts a failed broker publish.
func BrokerFailure() { brokerFailures.Inc() }

// PresenceDegraded counts a presence update that stayed node-local.
func PresenceDegraded() { presenceDegraded.Inc() }

// AuditDropped counts a dropped audit event.
func AuditDropped(severity string) { auditDropped.WithLabelValues(severity).Inc() }

// DeadLetter counts an envelope moved to the dead-letter store.
func DeadLetter() { deadLetters.Inc() }
