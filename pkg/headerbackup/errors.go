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

package headerbackup

import "errors"

var (
	// ErrDeviceNotFound indicates the volume is not registered.
	ErrDeviceNotFound = errors.New("headerbackup: device not found")

	// ErrBackupNotFound indicates no backup exists with the given ID.
	ErrBackupNotFound = errors.New("headerbackup: backup not found")

	// ErrIncompatibleBackup indicates the backup's format version is not
	// supported by the running system.
	ErrIncompatibleBackup = errors.New("headerbackup: incompatible backup format version")

	// ErrConfirmationRequired indicates a restore was attempted without
	// explicit confirmation. Restores are destructive and never run from
	// automated policy.
	ErrConfirmationRequired = errors.New("headerbackup: restore requires explicit confirmation")

	// ErrCorruptBackup indicates the backup file is malformed.
	ErrCorruptBackup = errors.New("headerbackup: corrupt backup file")
)
