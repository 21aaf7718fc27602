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

// Package audit provides an adapter interface for the audit trail of key
// lifecycle and remote unlock activity.
//
// The remote unlock bridge runs before the root filesystem is available, so
// it records into a pre-boot buffer that is flushed to a durable adapter as
// soon as normal logging is possible after unlock.
package audit

import (
	"context"
	"time"
)

// EventType represents the type of audit event
type EventType string

const (
	// Volume lifecycle events
	EventVolumeRegister   EventType = "volume.register"
	EventVolumeDeregister EventType = "volume.deregister"
	EventVolumeUnlock     EventType = "volume.unlock"
	EventVolumeLock       EventType = "volume.lock"
	EventVolumeMount      EventType = "volume.mount"
	EventVolumeUnmount    EventType = "volume.unmount"

	// Key slot events
	EventSlotEnroll EventType = "slot.enroll"
	EventSlotRemove EventType = "slot.remove"
	EventKeyRotated EventType = "slot.rotated"

	// Header backup events
	EventHeaderBackup  EventType = "header.backup"
	EventHeaderRestore EventType = "header.restore"

	// Remote unlock bridge events
	EventBridgeSessionStart EventType = "bridge.session_start"
	EventBridgeSessionEnd   EventType = "bridge.session_end"
	EventBridgeAuthSuccess  EventType = "bridge.auth_success"
	EventBridgeAuthFailure  EventType = "bridge.auth_failure"
	EventBridgeAttempt      EventType = "bridge.unlock_attempt"
)

// EventOutcome indicates the result of an operation
type EventOutcome string

const (
	OutcomeSuccess EventOutcome = "success"
	OutcomeFailure EventOutcome = "failure"
	OutcomeDenied  EventOutcome = "denied"
	OutcomeTimeout EventOutcome = "timeout"
)

// Event represents a single audit log entry
type Event struct {
	// ID is a unique identifier for this audit event
	ID string `json:"id"`

	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`

	// Type categorizes the event
	Type EventType `json:"type"`

	// Outcome indicates whether the operation succeeded
	Outcome EventOutcome `json:"outcome"`

	// Device is the volume the event relates to, if any
	Device string `json:"device,omitempty"`

	// Slot is the key slot the event relates to, -1 when not applicable
	Slot int `json:"slot"`

	// Actor is the identity that initiated the event
	Actor string `json:"actor,omitempty"`

	// Source is the network identity for remote events
	Source string `json:"source,omitempty"`

	// KeyFingerprint identifies the public key used for bridge auth
	KeyFingerprint string `json:"key_fingerprint,omitempty"`

	// SessionID correlates bridge events within one session
	SessionID string `json:"session_id,omitempty"`

	// Detail carries a human-readable description
	Detail string `json:"detail,omitempty"`
}

// Adapter provides audit logging capabilities.
//
// Applications can implement this interface to provide custom audit trail
// strategies (e.g., database-backed, SIEM integration).
type Adapter interface {
	// LogEvent records an audit event
	LogEvent(ctx context.Context, event *Event) error

	// Events retrieves recorded events, newest last
	Events(ctx context.Context) ([]*Event, error)
}
