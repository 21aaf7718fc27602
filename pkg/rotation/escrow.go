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

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/storage"
)

// Escrow supplies the current unlocking passphrase for a device and persists
// the replacement after a rotation. Automated rotation cannot prompt an
// operator, so the active passphrase must be recoverable from escrow.
type Escrow interface {
	// Passphrase returns the device's current escrowed passphrase.
	Passphrase(device string) ([]byte, error)

	// Store replaces the device's escrowed passphrase.
	Store(device string, passphrase []byte) error

	// Delete removes the device's escrow record. Removing a record that
	// does not exist is not an error.
	Delete(device string) error
}

// escrowRecord is the persisted sealed escrow container.
type escrowRecord struct {
	Salt []byte `json:"salt"`
	Blob []byte `json:"blob"`
}

// StorageEscrow keeps escrowed passphrases in a storage backend under the
// escrow/ prefix, sealed by the same Sealer that protects the key slots. The
// sealing credential stands in for the passphrase a slot seal would use, so
// a read of the backend alone never yields a usable passphrase.
type StorageEscrow struct {
	backend    storage.Backend
	sealer     keyvault.Sealer
	credential []byte
}

// NewStorageEscrow creates a sealed, backend-backed passphrase escrow. The
// credential is the machine-local secret the records are sealed under; see
// LoadMachineCredential.
func NewStorageEscrow(backend storage.Backend, sealer keyvault.Sealer, credential []byte) *StorageEscrow {
	return &StorageEscrow{backend: backend, sealer: sealer, credential: credential}
}

// Passphrase implements Escrow.
func (s *StorageEscrow) Passphrase(device string) ([]byte, error) {
	data, err := s.backend.Get(escrowKey(device))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, fmt.Errorf("rotation: failed to read escrow: %w", err)
	}

	var rec escrowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("rotation: corrupt escrow record for %s: %w", device, err)
	}

	passphrase, err := s.sealer.Unseal(rec.Blob, s.credential, rec.Salt)
	if err != nil {
		return nil, fmt.Errorf("rotation: failed to unseal escrow for %s: %w", device, err)
	}
	return passphrase, nil
}

// Store implements Escrow.
func (s *StorageEscrow) Store(device string, passphrase []byte) error {
	blob, salt, err := s.sealer.Seal(passphrase, s.credential)
	if err != nil {
		return fmt.Errorf("rotation: failed to seal escrow for %s: %w", device, err)
	}

	data, err := json.Marshal(escrowRecord{Salt: salt, Blob: blob})
	if err != nil {
		return fmt.Errorf("rotation: failed to encode escrow record: %w", err)
	}
	if err := s.backend.Put(escrowKey(device), data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("rotation: failed to store escrow: %w", err)
	}
	return nil
}

// Delete implements Escrow. Called when a volume is decommissioned so its
// passphrase is not retained beyond the volume's lifetime.
func (s *StorageEscrow) Delete(device string) error {
	if err := s.backend.Delete(escrowKey(device)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("rotation: failed to delete escrow: %w", err)
	}
	return nil
}

func escrowKey(device string) string {
	return "escrow/" + strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_")
}

// LoadMachineCredential reads the escrow sealing credential from path,
// generating a fresh random one with owner-only permissions on first use.
func LoadMachineCredential(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) == 0 {
			return nil, fmt.Errorf("rotation: escrow credential %s is empty", path)
		}
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("rotation: failed to read escrow credential: %w", err)
	}

	credential := make([]byte, 32)
	if _, err := rand.Read(credential); err != nil {
		return nil, fmt.Errorf("rotation: failed to generate escrow credential: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("rotation: failed to create credential directory: %w", err)
	}
	if err := os.WriteFile(path, credential, 0600); err != nil {
		return nil, fmt.Errorf("rotation: failed to write escrow credential: %w", err)
	}
	return credential, nil
}

// GeneratePassphrase returns a fresh random passphrase with 256 bits of
// entropy, base64-encoded so it survives any transport that expects text.
func GeneratePassphrase() ([]byte, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("rotation: failed to generate passphrase: %w", err)
	}
	encoded := make([]byte, base64.RawStdEncoding.EncodedLen(len(raw)))
	base64.RawStdEncoding.Encode(encoded, raw)
	for i := range raw {
		raw[i] = 0
	}
	return encoded, nil
}

// Verify interface compliance at compile time
var _ Escrow = (*StorageEscrow)(nil)
