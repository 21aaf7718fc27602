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

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/storage/memory"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

const testDevice = "/dev/sda2"

// fakeSource serves a canned header and records restored headers.
type fakeSource struct {
	header   []byte
	readErr  error
	restored []byte
}

func (f *fakeSource) ReadHeader(device string) ([]byte, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.header, nil
}

func (f *fakeSource) WriteHeader(device string, header []byte) error {
	f.restored = header
	return nil
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *fakeSource, storage.Backend) {
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

	source := &fakeSource{header: []byte("luks2-header-bytes")}
	backend := memory.New()
	return New(reg, source, backend, nil, opts...), source, backend
}

// seedBackup writes a blob directly so tests control the ID and version.
func seedBackup(t *testing.T, backend storage.Backend, id string, version int, header []byte) {
	t.Helper()
	err := backend.Put(backupKey(testDevice, id), encodeBlob(version, header), storage.DefaultOptions())
	require.NoError(t, err)
}

func TestBackup(t *testing.T) {
	m, _, backend := newTestManager(t)

	backup, err := m.Backup(testDevice)
	require.NoError(t, err)
	assert.NotEmpty(t, backup.ID)
	assert.Equal(t, CurrentFormatVersion, backup.FormatVersion)
	assert.Equal(t, testDevice, backup.Device)

	blob, err := backend.Get(backup.Location)
	require.NoError(t, err)
	version, header, err := decodeBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, CurrentFormatVersion, version)
	assert.Equal(t, []byte("luks2-header-bytes"), header)
}

func TestBackup_UnknownDevice(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Backup("/dev/nvme0n1p3")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestBackup_SourceFailure(t *testing.T) {
	m, source, _ := newTestManager(t)
	source.readErr = assert.AnError

	_, err := m.Backup(testDevice)
	assert.ErrorIs(t, err, assert.AnError)

	list, err := m.List(testDevice)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestList_NewestFirst(t *testing.T) {
	m, _, backend := newTestManager(t)

	seedBackup(t, backend, "1000-aaaaaaaa", 1, []byte("old"))
	seedBackup(t, backend, "3000-cccccccc", 2, []byte("new"))
	seedBackup(t, backend, "2000-bbbbbbbb", 2, []byte("mid"))

	list, err := m.List(testDevice)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "3000-cccccccc", list[0].ID)
	assert.Equal(t, "2000-bbbbbbbb", list[1].ID)
	assert.Equal(t, "1000-aaaaaaaa", list[2].ID)
	assert.Equal(t, 1, list[2].FormatVersion)
}

func TestRestore(t *testing.T) {
	m, source, backend := newTestManager(t)
	seedBackup(t, backend, "1000-aaaaaaaa", CurrentFormatVersion, []byte("snapshot"))

	require.NoError(t, m.Restore(testDevice, "1000-aaaaaaaa", true))
	assert.Equal(t, []byte("snapshot"), source.restored)
}

func TestRestore_RequiresConfirmation(t *testing.T) {
	m, source, backend := newTestManager(t)
	seedBackup(t, backend, "1000-aaaaaaaa", CurrentFormatVersion, []byte("snapshot"))

	assert.ErrorIs(t, m.Restore(testDevice, "1000-aaaaaaaa", false), ErrConfirmationRequired)
	assert.Nil(t, source.restored)
}

func TestRestore_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)

	assert.ErrorIs(t, m.Restore(testDevice, "no-such-backup", true), ErrBackupNotFound)
	assert.ErrorIs(t, m.Restore("/dev/unknown", "any", true), ErrDeviceNotFound)
}

func TestRestore_OldestSupportedVersion(t *testing.T) {
	m, source, backend := newTestManager(t)
	seedBackup(t, backend, "1000-aaaaaaaa", MinFormatVersion, []byte("v1-snapshot"))

	require.NoError(t, m.Restore(testDevice, "1000-aaaaaaaa", true))
	assert.Equal(t, []byte("v1-snapshot"), source.restored)
}

func TestRestore_IncompatibleVersion(t *testing.T) {
	m, source, backend := newTestManager(t)
	seedBackup(t, backend, "1000-aaaaaaaa", CurrentFormatVersion+1, []byte("future"))

	err := m.Restore(testDevice, "1000-aaaaaaaa", true)
	assert.ErrorIs(t, err, ErrIncompatibleBackup)
	assert.Nil(t, source.restored)
}

func TestRestore_CorruptBlob(t *testing.T) {
	m, source, backend := newTestManager(t)
	err := backend.Put(backupKey(testDevice, "1000-aaaaaaaa"), []byte("xx"), storage.DefaultOptions())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Restore(testDevice, "1000-aaaaaaaa", true), ErrCorruptBackup)
	assert.Nil(t, source.restored)
}

func TestBackup_PrunesBeyondRetention(t *testing.T) {
	m, _, _ := newTestManager(t, WithRetainCount(2))

	for i := 0; i < 4; i++ {
		seedBackup(t, m.backend, fmt.Sprintf("%d-seed%04d", 1000+i, i), CurrentFormatVersion, []byte("old"))
	}

	backup, err := m.Backup(testDevice)
	require.NoError(t, err)

	list, err := m.List(testDevice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	// The fresh backup survives the prune
	assert.Equal(t, backup.ID, list[0].ID)
}
