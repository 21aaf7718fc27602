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

package file

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/storage"
)

func newTestBackend(t *testing.T) (storage.Backend, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := New(dir)
	require.NoError(t, err)
	return backend, dir
}

func TestNew_EmptyRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	backend, _ := newTestBackend(t)

	require.NoError(t, backend.Put("slots/sda2/0", []byte("record"), nil))

	got, err := backend.Get("slots/sda2/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), got)
}

func TestGet_NotFound(t *testing.T) {
	backend, _ := newTestBackend(t)

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPut_OwnerOnlyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	backend, dir := newTestBackend(t)

	require.NoError(t, backend.Put("slots/sda2/0", []byte("secret"), storage.DefaultOptions()))

	info, err := os.Stat(filepath.Join(dir, "slots", "sda2", "0"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDelete(t *testing.T) {
	backend, _ := newTestBackend(t)
	require.NoError(t, backend.Put("key", []byte("value"), nil))

	require.NoError(t, backend.Delete("key"))
	assert.ErrorIs(t, backend.Delete("key"), storage.ErrNotFound)
}

func TestList_Prefix(t *testing.T) {
	backend, _ := newTestBackend(t)
	for _, key := range []string{"headers/sda2/a.hdr", "headers/sda2/b.hdr", "escrow/sda2"} {
		require.NoError(t, backend.Put(key, []byte("v"), nil))
	}

	keys, err := backend.List("headers/")
	require.NoError(t, err)
	assert.Equal(t, []string{"headers/sda2/a.hdr", "headers/sda2/b.hdr"}, keys)
}

func TestExists(t *testing.T) {
	backend, _ := newTestBackend(t)
	require.NoError(t, backend.Put("key", []byte("v"), nil))

	ok, err := backend.Exists("key")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Exists("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyTraversalRejected(t *testing.T) {
	backend, dir := newTestBackend(t)

	outside := filepath.Join(filepath.Dir(dir), "escaped")
	require.NoError(t, backend.Put("../escaped", []byte("v"), nil))

	_, err := os.Stat(outside)
	assert.True(t, os.IsNotExist(err))
}

func TestValidateStorageKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"plain key", "slots/sda2/0", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal prefix", "../secret", true},
		{"traversal inside", "slots/../../secret", true},
		{"null byte", "key\x00name", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateStorageKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
