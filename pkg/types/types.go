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

// Package types defines the shared data model for go-diskvault: encrypted
// volumes, key slots, rotation policies, header backups and remote unlock
// sessions.
package types

import (
	"time"
)

// MaxKeySlots is the maximum number of key slots per volume, matching the
// LUKS2 on-disk format limit.
const MaxKeySlots = 8

// Password provides an interface for working with sensitive password data.
//
// Implementations must support secure zeroing of the underlying material.
type Password interface {
	// String returns the password as a string, or an error if it has
	// been zeroed.
	String() (string, error)

	// Bytes returns a copy of the password bytes, or nil if zeroed.
	Bytes() []byte

	// Clear zeroes the password material in memory. Irreversible.
	Clear()
}

// VolumeState represents the unlock engine state of an encrypted volume.
type VolumeState string

const (
	// StateLocked indicates the volume's mapper device is closed.
	StateLocked VolumeState = "locked"

	// StateUnlocking indicates a cryptographic open is in progress.
	StateUnlocking VolumeState = "unlocking"

	// StateUnlocked indicates the mapper device is open but not mounted.
	StateUnlocked VolumeState = "unlocked"

	// StateMounted indicates the mapper device is open and mounted.
	StateMounted VolumeState = "mounted"

	// StateLocking indicates a cryptographic close is in progress.
	StateLocking VolumeState = "locking"
)

// String returns the string representation of the volume state.
func (s VolumeState) String() string {
	return string(s)
}

// CipherSpec describes the encryption parameters of a volume. The spec is
// immutable after the volume is registered; changing ciphers requires a full
// re-encryption of the device.
type CipherSpec struct {
	// Algorithm is the cipher and mode, e.g. "aes-xts-plain64".
	Algorithm string `yaml:"algorithm" json:"algorithm"`

	// KeySize is the volume key size in bits.
	KeySize int `yaml:"key_size" json:"key_size"`

	// Hash is the hash used by the key derivation, e.g. "sha256".
	Hash string `yaml:"hash" json:"hash"`

	// KDFIterations is the PBKDF iteration cost for passphrase slots.
	KDFIterations int `yaml:"kdf_iterations" json:"kdf_iterations"`
}

// EncryptedVolume represents a registered LUKS-class encrypted block device.
type EncryptedVolume struct {
	// Device is the stable device identity (block device path or UUID).
	// Unique across the registry.
	Device string `yaml:"device" json:"device"`

	// Name is a human-readable volume name.
	Name string `yaml:"name" json:"name"`

	// Cipher holds the immutable cipher parameters.
	Cipher CipherSpec `yaml:"cipher" json:"cipher"`

	// MapperName is the device-mapper target the volume opens to.
	MapperName string `yaml:"mapper_name" json:"mapper_name"`

	// MountPoint is where the opened volume is mounted.
	MountPoint string `yaml:"mount_point" json:"mount_point"`

	// AutoUnlock marks the volume for unattended unlock at boot.
	AutoUnlock bool `yaml:"auto_unlock" json:"auto_unlock"`

	// RemoteUnlockEligible permits the remote unlock bridge to target
	// this volume.
	RemoteUnlockEligible bool `yaml:"remote_unlock_eligible" json:"remote_unlock_eligible"`

	// State is the current unlock engine state.
	State VolumeState `yaml:"-" json:"state"`

	// Created is the enrollment timestamp.
	Created time.Time `yaml:"-" json:"created"`
}

// SlotPurpose tags the reason a key slot exists.
type SlotPurpose string

const (
	// PurposePrimary is the initial enrollment slot.
	PurposePrimary SlotPurpose = "primary"

	// PurposeRotated is a slot added by the rotation scheduler.
	PurposeRotated SlotPurpose = "rotated"

	// PurposeEmergency is a break-glass recovery slot.
	PurposeEmergency SlotPurpose = "emergency"
)

// KeySlot is one independently revocable key material entry for a volume.
// Identity is the (volume device, slot number) pair.
type KeySlot struct {
	// Device is the owning volume's device identity.
	Device string `json:"device"`

	// Slot is the slot number, 0 <= Slot < MaxKeySlots.
	Slot int `json:"slot"`

	// EncryptedKey is the sealed key blob. Never persisted unsealed.
	EncryptedKey []byte `json:"encrypted_key"`

	// Salt is the KDF salt used to seal this slot.
	Salt []byte `json:"salt"`

	// Purpose tags why the slot exists.
	Purpose SlotPurpose `json:"purpose"`

	// Creator identifies who created the slot.
	Creator string `json:"creator"`

	// Created is the slot creation timestamp.
	Created time.Time `json:"created"`

	// LastUsed is updated whenever the slot successfully unlocks.
	LastUsed time.Time `json:"last_used"`

	// ScheduledRotation is set when the rotation scheduler has queued
	// this slot for replacement.
	ScheduledRotation *time.Time `json:"scheduled_rotation,omitempty"`
}

// RotationPolicy controls automatic key rotation for a volume.
//
// A valid policy requires RotationIntervalDays < MaxKeyAgeDays; a policy
// that could never trigger before hard expiry is rejected at load time.
type RotationPolicy struct {
	// RotationIntervalDays is the slot age at which rotation is scheduled.
	RotationIntervalDays int `yaml:"rotation_interval_days" json:"rotation_interval_days"`

	// WarningLeadDays is how far ahead of rotation to emit a warning.
	WarningLeadDays int `yaml:"warning_lead_days" json:"warning_lead_days"`

	// MaxKeyAgeDays is the hard expiry for slot age.
	MaxKeyAgeDays int `yaml:"max_key_age_days" json:"max_key_age_days"`

	// DualApprovalRequired holds rotations pending an explicit external
	// approval event before execution.
	DualApprovalRequired bool `yaml:"dual_approval_required" json:"dual_approval_required"`

	// BackupBeforeRotate snapshots the volume header before rotating.
	BackupBeforeRotate bool `yaml:"backup_before_rotate" json:"backup_before_rotate"`

	// NotifyOnRotation emits a KeyRotated notification on completion.
	NotifyOnRotation bool `yaml:"notify_on_rotation" json:"notify_on_rotation"`
}

// HeaderBackup describes one immutable header snapshot of a volume.
type HeaderBackup struct {
	// ID is the unique backup identifier.
	ID string `json:"id"`

	// Device is the volume's device identity.
	Device string `json:"device"`

	// Created is the snapshot timestamp.
	Created time.Time `json:"created"`

	// Location is the storage path of the backup blob.
	Location string `json:"location"`

	// FormatVersion is the backup format version.
	FormatVersion int `json:"format_version"`
}

// SessionOutcome is the terminal result of a remote unlock session.
type SessionOutcome string

const (
	// OutcomeSuccess indicates the volume was unlocked.
	OutcomeSuccess SessionOutcome = "success"

	// OutcomeFailure indicates authentication or unlock failed.
	OutcomeFailure SessionOutcome = "failure"

	// OutcomeTimeout indicates the session idle timeout elapsed.
	OutcomeTimeout SessionOutcome = "timeout"
)

// RemoteUnlockSession records one remote unlock bridge session.
type RemoteUnlockSession struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// Started is the session start time.
	Started time.Time `json:"started"`

	// Source is the network identity of the remote operator.
	Source string `json:"source"`

	// AuthMethod records the key type and fingerprint used.
	AuthMethod string `json:"auth_method"`

	// Outcome is the terminal session result.
	Outcome SessionOutcome `json:"outcome"`

	// Attempts counts passphrase attempts made during the session.
	Attempts int `json:"attempts"`
}
