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

// Package keyvault securely stores, encrypts-at-rest, and retrieves per-slot
// volume key material, gated by an unlock passphrase. Key material is sealed
// with an authenticated cipher so corruption is detected, never silently
// accepted, and is persisted with owner-only permissions.
package keyvault

// Sealer encrypts and decrypts raw key material under a passphrase-derived
// key. Implementations may be software-based (KDF + AEAD) or backed by an
// external HSM-class service.
//
// Seal generates a fresh random salt per call. Unseal is the inverse:
// Unseal(Seal(key, pass)) == key for the same passphrase and returned salt,
// and fails with ErrAuthenticationFailed for a wrong passphrase or a
// tampered blob.
type Sealer interface {
	// Seal encrypts rawKey under the passphrase. Returns the sealed blob
	// and the freshly generated salt.
	Seal(rawKey, passphrase []byte) (blob, salt []byte, err error)

	// Unseal decrypts a sealed blob. Returns ErrAuthenticationFailed if
	// the passphrase is wrong or the blob is corrupted.
	Unseal(blob, passphrase, salt []byte) ([]byte, error)

	// DeriveKey exposes the deterministic KDF: the same passphrase and
	// salt always yield the same key material.
	DeriveKey(passphrase, salt []byte) ([]byte, error)
}
