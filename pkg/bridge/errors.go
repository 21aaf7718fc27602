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

package bridge

import "errors"

var (
	// ErrSessionBusy indicates another remote unlock session is active.
	ErrSessionBusy = errors.New("bridge: another session is active")

	// ErrTooManyAttempts indicates the per-session attempt limit was hit.
	ErrTooManyAttempts = errors.New("bridge: too many failed attempts")

	// ErrKeyNotAuthorized indicates the public key is not on the allow-list.
	ErrKeyNotAuthorized = errors.New("bridge: public key not authorized")

	// ErrSourceNotAllowed indicates the source address is outside the
	// key's permitted networks.
	ErrSourceNotAllowed = errors.New("bridge: source address not allowed for key")

	// ErrNotEligible indicates the volume is not flagged for remote unlock.
	ErrNotEligible = errors.New("bridge: volume not eligible for remote unlock")
)
