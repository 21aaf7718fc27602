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

package unlock

import "errors"

var (
	// ErrWrongPassphrase indicates no key slot unsealed with the supplied
	// passphrase. Terminal for the call; never retried internally.
	ErrWrongPassphrase = errors.New("unlock: wrong passphrase")

	// ErrDeviceNotFound indicates the volume is not registered.
	ErrDeviceNotFound = errors.New("unlock: device not found")

	// ErrNotUnlocked indicates a mount was attempted from the Locked state.
	ErrNotUnlocked = errors.New("unlock: volume not unlocked")

	// ErrStillMounted indicates a lock was attempted before unmounting.
	ErrStillMounted = errors.New("unlock: volume still mounted")

	// ErrBusy indicates the volume is in use: either open file handles
	// block an unmount, or another operation holds the volume lock.
	ErrBusy = errors.New("unlock: volume busy")
)
