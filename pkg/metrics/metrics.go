// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-diskvault.
//
// go-diskvault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for go-diskvault
// operations: unlock attempts, seal/unseal latencies, rotations, remote
// unlock bridge sessions, and header backups.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all diskvault metrics
	Namespace = "diskvault"

	// Label names
	LabelOperation = "operation"
	LabelDevice    = "device"
	LabelStatus    = "status"
	LabelOutcome   = "outcome"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	// UnlocksTotal tracks volume unlock attempts by device and status.
	UnlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "unlocks_total",
			Help:      "Total number of volume unlock attempts by device and status",
		},
		[]string{LabelDevice, LabelStatus},
	)

	// SealDuration tracks seal/unseal durations in seconds. The KDF cost
	// dominates, so buckets extend into multi-second territory.
	SealDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "seal_duration_seconds",
			Help:      "Duration of seal and unseal operations in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelOperation},
	)

	// RotationsTotal tracks completed key rotations by device and status.
	RotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rotations_total",
			Help:      "Total number of key slot rotations by device and status",
		},
		[]string{LabelDevice, LabelStatus},
	)

	// RotationsPending reports rotations currently awaiting approval.
	RotationsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rotations_pending",
			Help:      "Number of key rotations held pending approval",
		},
	)

	// BridgeSessionsTotal tracks remote unlock bridge sessions by outcome.
	BridgeSessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bridge_sessions_total",
			Help:      "Total number of remote unlock bridge sessions by outcome",
		},
		[]string{LabelOutcome},
	)

	// BridgeAuthFailuresTotal tracks rejected bridge authentication attempts.
	BridgeAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bridge_auth_failures_total",
			Help:      "Total number of rejected bridge public key authentication attempts",
		},
	)

	// HeaderBackupsTotal tracks header backup operations by device and status.
	HeaderBackupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "header_backups_total",
			Help:      "Total number of header backup operations by device and status",
		},
		[]string{LabelDevice, LabelStatus},
	)

	// VolumesRegistered reports the number of registered volumes.
	VolumesRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "volumes_registered",
			Help:      "Number of volumes currently registered",
		},
	)
)

// RecordUnlock increments the unlock counter for a device.
func RecordUnlock(device, status string) {
	UnlocksTotal.WithLabelValues(device, status).Inc()
}

// RecordSealDuration observes a seal or unseal duration.
func RecordSealDuration(operation string, start time.Time) {
	SealDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordRotation increments the rotation counter for a device.
func RecordRotation(device, status string) {
	RotationsTotal.WithLabelValues(device, status).Inc()
}

// RecordBridgeSession increments the bridge session counter by outcome.
func RecordBridgeSession(outcome string) {
	BridgeSessionsTotal.WithLabelValues(outcome).Inc()
}

// RecordHeaderBackup increments the header backup counter for a device.
func RecordHeaderBackup(device, status string) {
	HeaderBackupsTotal.WithLabelValues(device, status).Inc()
}
