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

package keyvault

import "errors"

var (
	// ErrAuthenticationFailed indicates the passphrase is wrong or the
	// sealed blob has been tampered with. Always distinguishable from
	// I/O errors so brute-force counters increment correctly.
	ErrAuthenticationFailed = errors.New("keyvault: authentication failed")

	// ErrSlotNotFound indicates the requested key slot does not exist.
	ErrSlotNotFound = errors.New("keyvault: key slot not found")

	// ErrSlotExists indicates a key slot with the same number already exists.
	ErrSlotExists = errors.New("keyvault: key slot already exists")

	// ErrInvalidSlot indicates the slot number is out of range.
	ErrInvalidSlot = errors.New("keyvault: invalid slot number")

	// ErrSlotsExhausted indicates the volume has no free key slots.
	ErrSlotsExhausted = errors.New("keyvault: no free key slots")

	// ErrLastSlot indicates the operation would remove a volume's last
	// active key slot. Rotation must add a replacement before removal.
	ErrLastSlot = errors.New("keyvault: cannot remove last active key slot")

	// ErrInvalidKeyMaterial indicates empty or malformed raw key material.
	ErrInvalidKeyMaterial = errors.New("keyvault: invalid key material")

	// ErrInvalidBlob indicates a sealed blob is structurally malformed.
	ErrInvalidBlob = errors.New("keyvault: invalid sealed blob")
)
