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

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/storage/memory"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

const testDevice = "/dev/sda2"

func newTestVault(t *testing.T) (*Vault, *registry.Registry) {
	t.Helper()

	reg := registry.New()
	_, err := reg.Register(types.EncryptedVolume{
		Device: testDevice,
		Name:   "root",
		Cipher: types.CipherSpec{
			Algorithm:     "aes-xts-plain64",
			KeySize:       512,
			Hash:          "sha256",
			KDFIterations: 600000,
		},
		MapperName: "dv-root",
	})
	require.NoError(t, err)

	sealer, err := NewDefaultSealer(100000)
	require.NoError(t, err)

	vault, err := New(reg, sealer, memory.New(), nil)
	require.NoError(t, err)
	return vault, reg
}

func TestEnrollAndUnsealSlot(t *testing.T) {
	vault, _ := newTestVault(t)

	rawKey := []byte("0123456789abcdef0123456789abcdef")
	record, err := vault.EnrollSlot(testDevice, 0, rawKey, []byte("hunter2"), types.PurposePrimary, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, record.Slot)
	assert.Equal(t, types.PurposePrimary, record.Purpose)
	assert.NotEmpty(t, record.EncryptedKey)
	assert.NotContains(t, string(record.EncryptedKey), string(rawKey))

	got, err := vault.UnsealSlot(testDevice, 0, []byte("hunter2"))
	require.NoError(t, err)
	assert.Equal(t, rawKey, got)
}

func TestUnsealSlot_WrongPassphrase(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.EnrollSlot(testDevice, 0, []byte("secret-key"), []byte("right"), types.PurposePrimary, "alice")
	require.NoError(t, err)

	_, err = vault.UnsealSlot(testDevice, 0, []byte("wrong"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestEnrollSlot_Validation(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.EnrollSlot(testDevice, -1, []byte("k"), []byte("p"), types.PurposePrimary, "alice")
	assert.ErrorIs(t, err, ErrInvalidSlot)

	_, err = vault.EnrollSlot(testDevice, types.MaxKeySlots, []byte("k"), []byte("p"), types.PurposePrimary, "alice")
	assert.ErrorIs(t, err, ErrInvalidSlot)

	_, err = vault.EnrollSlot("/dev/unknown", 0, []byte("k"), []byte("p"), types.PurposePrimary, "alice")
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = vault.EnrollSlot(testDevice, 0, []byte("k"), []byte("p"), types.PurposePrimary, "alice")
	require.NoError(t, err)
	_, err = vault.EnrollSlot(testDevice, 0, []byte("k"), []byte("p"), types.PurposePrimary, "alice")
	assert.ErrorIs(t, err, ErrSlotExists)
}

func TestUnsealAny(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.EnrollSlot(testDevice, 0, []byte("master-key"), []byte("pass-zero"), types.PurposePrimary, "alice")
	require.NoError(t, err)
	_, err = vault.EnrollSlot(testDevice, 3, []byte("master-key"), []byte("pass-three"), types.PurposeRotated, "scheduler")
	require.NoError(t, err)

	key, slot, err := vault.UnsealAny(testDevice, []byte("pass-three"))
	require.NoError(t, err)
	assert.Equal(t, 3, slot)
	assert.Equal(t, []byte("master-key"), key)

	_, _, err = vault.UnsealAny(testDevice, []byte("no-such-pass"))
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRemoveSlot_LastSlotGuard(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.EnrollSlot(testDevice, 0, []byte("master-key"), []byte("pass"), types.PurposePrimary, "alice")
	require.NoError(t, err)

	assert.ErrorIs(t, vault.RemoveSlot(testDevice, 0), ErrLastSlot)

	_, err = vault.EnrollSlot(testDevice, 1, []byte("master-key"), []byte("pass2"), types.PurposeRotated, "scheduler")
	require.NoError(t, err)

	require.NoError(t, vault.RemoveSlot(testDevice, 0))
	assert.ErrorIs(t, vault.RemoveSlot(testDevice, 1), ErrLastSlot)
}

func TestPurgeSlots(t *testing.T) {
	vault, reg := newTestVault(t)

	_, err := vault.EnrollSlot(testDevice, 0, []byte("master-key"), []byte("pass"), types.PurposePrimary, "alice")
	require.NoError(t, err)
	_, err = vault.EnrollSlot(testDevice, 1, []byte("master-key"), []byte("pass2"), types.PurposeEmergency, "alice")
	require.NoError(t, err)

	// Deregistration is refused while slots remain
	assert.ErrorIs(t, reg.Deregister(testDevice), registry.ErrActiveKeysExist)

	require.NoError(t, vault.PurgeSlots(testDevice))
	n, err := vault.ActiveSlots(testDevice)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, reg.Deregister(testDevice))
}

func TestNextFreeSlot(t *testing.T) {
	vault, _ := newTestVault(t)

	slot, err := vault.NextFreeSlot(testDevice)
	require.NoError(t, err)
	assert.Equal(t, 0, slot)

	for i := 0; i < types.MaxKeySlots; i++ {
		_, err := vault.EnrollSlot(testDevice, i, []byte("master-key"), []byte("pass"), types.PurposePrimary, "alice")
		require.NoError(t, err)
	}

	_, err = vault.NextFreeSlot(testDevice)
	assert.ErrorIs(t, err, ErrSlotsExhausted)
}

func TestScheduleRotation(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.EnrollSlot(testDevice, 0, []byte("master-key"), []byte("pass"), types.PurposePrimary, "alice")
	require.NoError(t, err)

	at := time.Now().Add(24 * time.Hour).Truncate(time.Second)
	require.NoError(t, vault.ScheduleRotation(testDevice, 0, &at))

	record, err := vault.LoadSlot(testDevice, 0)
	require.NoError(t, err)
	require.NotNil(t, record.ScheduledRotation)
	assert.True(t, record.ScheduledRotation.Equal(at))

	require.NoError(t, vault.ScheduleRotation(testDevice, 0, nil))
	record, err = vault.LoadSlot(testDevice, 0)
	require.NoError(t, err)
	assert.Nil(t, record.ScheduledRotation)
}
