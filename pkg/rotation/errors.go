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

package rotation

import "errors"

var (
	// ErrInvalidPolicy indicates a rotation policy that cannot be
	// satisfied, such as a rotation interval at or beyond the maximum
	// key age.
	ErrInvalidPolicy = errors.New("rotation: invalid rotation policy")

	// ErrRotationNotFound indicates no pending rotation with the given ID.
	ErrRotationNotFound = errors.New("rotation: pending rotation not found")

	// ErrApprovalRequired indicates a rotation was executed or forced
	// while still awaiting its second approval.
	ErrApprovalRequired = errors.New("rotation: approval required")

	// ErrSelfApproval indicates the approver is the same operator that
	// requested the rotation.
	ErrSelfApproval = errors.New("rotation: requester cannot approve their own rotation")

	// ErrAlreadyApproved indicates the rotation has already been approved.
	ErrAlreadyApproved = errors.New("rotation: already approved")

	// ErrEscrowNotFound indicates no escrowed passphrase exists for the
	// device, so automated rotation cannot unseal the current key.
	ErrEscrowNotFound = errors.New("rotation: no escrowed passphrase for device")
)
