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

package registry

import "errors"

var (
	// ErrAlreadyRegistered indicates the device identity already exists in the registry.
	ErrAlreadyRegistered = errors.New("registry: device already registered")

	// ErrNotFound indicates the device identity is not registered.
	ErrNotFound = errors.New("registry: device not found")

	// ErrInvalidCipherSpec indicates the cipher specification is not in the supported set.
	ErrInvalidCipherSpec = errors.New("registry: invalid cipher spec")

	// ErrActiveKeysExist indicates the volume still has active key slots in the vault.
	ErrActiveKeysExist = errors.New("registry: active key slots exist")

	// ErrBusy indicates the per-volume lock is held by another operation.
	ErrBusy = errors.New("registry: volume busy")
)
