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

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-diskvault/pkg/storage"
)

func TestPutGet(t *testing.T) {
	backend := New()

	require.NoError(t, backend.Put("slots/sda2/0", []byte("record"), nil))

	got, err := backend.Get("slots/sda2/0")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), got)
}

func TestGet_NotFound(t *testing.T) {
	backend := New()

	_, err := backend.Get("missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGet_ReturnsCopy(t *testing.T) {
	backend := New()
	require.NoError(t, backend.Put("key", []byte("value"), nil))

	got, err := backend.Get("key")
	require.NoError(t, err)
	got[0] = 'X'

	again, err := backend.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), again)
}

func TestPut_EmptyKey(t *testing.T) {
	backend := New()
	assert.ErrorIs(t, backend.Put("", []byte("v"), nil), storage.ErrInvalidKey)
}

func TestDelete(t *testing.T) {
	backend := New()
	require.NoError(t, backend.Put("key", []byte("value"), nil))

	require.NoError(t, backend.Delete("key"))
	_, err := backend.Get("key")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, backend.Delete("key"), storage.ErrNotFound)
}

func TestList_PrefixFilter(t *testing.T) {
	backend := New()
	for _, key := range []string{"slots/sda2/0", "slots/sda2/1", "headers/sda2/a.hdr"} {
		require.NoError(t, backend.Put(key, []byte("v"), nil))
	}

	keys, err := backend.List("slots/")
	require.NoError(t, err)
	assert.Equal(t, []string{"slots/sda2/0", "slots/sda2/1"}, keys)

	all, err := backend.List("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestExists(t *testing.T) {
	backend := New()
	require.NoError(t, backend.Put("key", []byte("v"), nil))

	ok, err := backend.Exists("key")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.Exists("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	backend := New()
	require.NoError(t, backend.Close())

	_, err := backend.Get("key")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, backend.Put("key", []byte("v"), nil), storage.ErrClosed)

	// Closing twice is a no-op
	assert.NoError(t, backend.Close())
}
