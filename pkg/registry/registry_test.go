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

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/storage/memory"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

func validSpec() types.CipherSpec {
	return types.CipherSpec{
		Algorithm:     "aes-xts-plain64",
		KeySize:       512,
		Hash:          "sha256",
		KDFIterations: 600000,
	}
}

func testVolume(device, name string) types.EncryptedVolume {
	return types.EncryptedVolume{
		Device:     device,
		Name:       name,
		Cipher:     validSpec(),
		MapperName: "dv-" + name,
		MountPoint: "/mnt/" + name,
	}
}

// fakeSlotCounter reports a fixed slot count.
type fakeSlotCounter struct {
	count int
}

func (f *fakeSlotCounter) ActiveSlots(device string) (int, error) {
	return f.count, nil
}

func TestRegister(t *testing.T) {
	reg := New()

	vol, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)
	assert.Equal(t, types.StateLocked, vol.State)
	assert.False(t, vol.Created.IsZero())
}

func TestRegister_Duplicate(t *testing.T) {
	reg := New()

	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)

	_, err = reg.Register(testVolume("/dev/sda2", "other"))
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestRegister_InvalidCipherSpec(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*types.CipherSpec)
	}{
		{"unknown algorithm", func(s *types.CipherSpec) { s.Algorithm = "rot13-xts" }},
		{"unsupported key size", func(s *types.CipherSpec) { s.KeySize = 192 }},
		{"unknown hash", func(s *types.CipherSpec) { s.Hash = "md5" }},
		{"weak kdf iterations", func(s *types.CipherSpec) { s.KDFIterations = 1000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New()
			vol := testVolume("/dev/sda2", "root")
			tt.mutate(&vol.Cipher)
			_, err := reg.Register(vol)
			assert.ErrorIs(t, err, ErrInvalidCipherSpec)
		})
	}
}

func TestLookup_NotFound(t *testing.T) {
	reg := New()
	_, err := reg.Lookup("/dev/nvme0n1p3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeregister_ActiveKeysExist(t *testing.T) {
	reg := New()
	reg.SetSlotCounter(&fakeSlotCounter{count: 2})

	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)

	err = reg.Deregister("/dev/sda2")
	assert.ErrorIs(t, err, ErrActiveKeysExist)

	// Volume must remain registered after the refused deregistration
	_, err = reg.Lookup("/dev/sda2")
	assert.NoError(t, err)
}

func TestDeregister(t *testing.T) {
	reg := New()
	reg.SetSlotCounter(&fakeSlotCounter{count: 0})

	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)

	require.NoError(t, reg.Deregister("/dev/sda2"))
	_, err = reg.Lookup("/dev/sda2")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, reg.Deregister("/dev/sda2"), ErrNotFound)
}

func TestList_InsertionOrder(t *testing.T) {
	reg := New()

	devices := []string{"/dev/sdc1", "/dev/sda2", "/dev/sdb1"}
	for i, d := range devices {
		_, err := reg.Register(testVolume(d, string(rune('a'+i))))
		require.NoError(t, err)
	}

	list := reg.List()
	require.Len(t, list, 3)
	for i, d := range devices {
		assert.Equal(t, d, list[i].Device)
	}
}

func TestTryLock_Busy(t *testing.T) {
	reg := New()
	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)

	release, err := reg.TryLock("/dev/sda2")
	require.NoError(t, err)

	_, err = reg.TryLock("/dev/sda2")
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release2, err := reg.TryLock("/dev/sda2")
	require.NoError(t, err)
	release2()
}

func TestSetState(t *testing.T) {
	reg := New()
	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)

	require.NoError(t, reg.SetState("/dev/sda2", types.StateUnlocked))
	state, err := reg.State("/dev/sda2")
	require.NoError(t, err)
	assert.Equal(t, types.StateUnlocked, state)
}

func TestSetFlags(t *testing.T) {
	reg := New()
	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)

	require.NoError(t, reg.SetFlags("/dev/sda2", true, true))
	vol, err := reg.Lookup("/dev/sda2")
	require.NoError(t, err)
	assert.True(t, vol.AutoUnlock)
	assert.True(t, vol.RemoteUnlockEligible)
}

func TestStore_Persistence(t *testing.T) {
	backend := memory.New()

	reg := New()
	require.NoError(t, reg.SetStore(backend))
	_, err := reg.Register(testVolume("/dev/sda2", "root"))
	require.NoError(t, err)
	_, err = reg.Register(testVolume("/dev/sdb1", "data"))
	require.NoError(t, err)
	require.NoError(t, reg.SetFlags("/dev/sdb1", true, false))

	// A fresh registry over the same backend sees the same volumes
	reloaded := New()
	require.NoError(t, reloaded.SetStore(backend))

	list := reloaded.List()
	require.Len(t, list, 2)

	vol, err := reloaded.Lookup("/dev/sdb1")
	require.NoError(t, err)
	assert.Equal(t, "data", vol.Name)
	assert.True(t, vol.AutoUnlock)
}

func TestValidateCipherSpec(t *testing.T) {
	assert.NoError(t, ValidateCipherSpec(validSpec()))

	legacy := validSpec()
	legacy.Algorithm = "aes-cbc-essiv:sha256"
	legacy.KeySize = 256
	assert.NoError(t, ValidateCipherSpec(legacy))
}
