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
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/storage/memory"
)

func newTestEscrow(t *testing.T, backend storage.Backend, credential []byte) *StorageEscrow {
	t.Helper()
	sealer, err := keyvault.NewDefaultSealer(100000)
	require.NoError(t, err)
	return NewStorageEscrow(backend, sealer, credential)
}

func TestEscrowRoundTrip(t *testing.T) {
	escrow := newTestEscrow(t, memory.New(), []byte("machine-credential"))

	require.NoError(t, escrow.Store(testDevice, []byte("p@ss1-super-secret")))
	pass, err := escrow.Passphrase(testDevice)
	require.NoError(t, err)
	assert.Equal(t, []byte("p@ss1-super-secret"), pass)
}

func TestEscrow_SealedAtRest(t *testing.T) {
	backend := memory.New()
	escrow := newTestEscrow(t, backend, []byte("machine-credential"))

	require.NoError(t, escrow.Store(testDevice, []byte("p@ss1-super-secret")))

	// The persisted record never contains the passphrase in the clear
	raw, err := backend.Get(escrowKey(testDevice))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "p@ss1-super-secret")
}

func TestEscrow_WrongCredential(t *testing.T) {
	backend := memory.New()
	escrow := newTestEscrow(t, backend, []byte("machine-credential"))
	require.NoError(t, escrow.Store(testDevice, []byte("p@ss1-super-secret")))

	other := newTestEscrow(t, backend, []byte("different-credential"))
	_, err := other.Passphrase(testDevice)
	assert.ErrorIs(t, err, keyvault.ErrAuthenticationFailed)
}

func TestEscrow_Missing(t *testing.T) {
	escrow := newTestEscrow(t, memory.New(), []byte("machine-credential"))

	_, err := escrow.Passphrase(testDevice)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestEscrow_CorruptRecord(t *testing.T) {
	backend := memory.New()
	escrow := newTestEscrow(t, backend, []byte("machine-credential"))
	require.NoError(t, backend.Put(escrowKey(testDevice), []byte("not-json"), storage.DefaultOptions()))

	_, err := escrow.Passphrase(testDevice)
	assert.ErrorContains(t, err, "corrupt escrow record")
}

func TestEscrowDelete(t *testing.T) {
	escrow := newTestEscrow(t, memory.New(), []byte("machine-credential"))
	require.NoError(t, escrow.Store(testDevice, []byte("p@ss1-super-secret")))

	require.NoError(t, escrow.Delete(testDevice))
	_, err := escrow.Passphrase(testDevice)
	assert.ErrorIs(t, err, ErrEscrowNotFound)

	// Deleting an absent record is not an error
	require.NoError(t, escrow.Delete(testDevice))
}

func TestLoadMachineCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.key")

	credential, err := LoadMachineCredential(path)
	require.NoError(t, err)
	assert.Len(t, credential, 32)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	// A second load returns the same credential
	again, err := LoadMachineCredential(path)
	require.NoError(t, err)
	assert.Equal(t, credential, again)
}

func TestLoadMachineCredential_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.key")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	_, err := LoadMachineCredential(path)
	assert.Error(t, err)
}
