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

// Package notify delivers structured lifecycle events to an external
// notification sink. The core guarantees emission only; delivery guarantees
// are the sink's concern. A flaky sink is retried with bounded attempts and
// then surfaced as a non-fatal warning alongside the otherwise-successful
// operation.
package notify

import (
	"context"
	"time"
)

// EventKind categorizes a notification event.
type EventKind string

const (
	// KindKeyRotated is emitted when a key slot rotation completes.
	KindKeyRotated EventKind = "KeyRotated"

	// KindRotationScheduled is emitted when a rotation is queued for a
	// maintenance window.
	KindRotationScheduled EventKind = "RotationScheduled"

	// KindRotationPending is emitted when a rotation is held awaiting
	// dual approval.
	KindRotationPending EventKind = "RotationPendingApproval"

	// KindRotationWarning is emitted when a slot enters the warning lead
	// window before rotation.
	KindRotationWarning EventKind = "RotationWarning"

	// KindHeaderBackup is emitted when a header backup completes.
	KindHeaderBackup EventKind = "HeaderBackup"
)

// Event is the structured notification message delivered to sinks.
type Event struct {
	// Kind categorizes the event.
	Kind EventKind `json:"event_kind"`

	// Device is the volume identity the event concerns.
	Device string `json:"volume_identity"`

	// Slot is the key slot concerned, -1 when not applicable.
	Slot int `json:"slot"`

	// Actor is the initiator: "scheduler", an operator name, etc.
	Actor string `json:"actor"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers events to an external sink (email, webhook, chat).
type Notifier interface {
	// Notify delivers one event. Implementations perform their own
	// bounded retries; a returned error is treated as a warning by
	// callers, never as a failure of the triggering operation.
	Notify(ctx context.Context, event *Event) error
}
