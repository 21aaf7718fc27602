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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *SoftwareSealer {
	t.Helper()
	sealer, err := NewDefaultSealer(100000)
	require.NoError(t, err)
	return sealer
}

func TestSeal_RoundTrip(t *testing.T) {
	sealer := newTestSealer(t)

	rawKey := []byte("master-key-material-goes-here!!!")
	blob, salt, err := sealer.Seal(rawKey, []byte("passphrase"))
	require.NoError(t, err)
	require.Len(t, salt, saltLength)
	assert.NotContains(t, string(blob), string(rawKey))

	got, err := sealer.Unseal(blob, []byte("passphrase"), salt)
	require.NoError(t, err)
	assert.Equal(t, rawKey, got)
}

func TestSeal_FreshSaltPerCall(t *testing.T) {
	sealer := newTestSealer(t)

	_, salt1, err := sealer.Seal([]byte("key"), []byte("pass"))
	require.NoError(t, err)
	_, salt2, err := sealer.Seal([]byte("key"), []byte("pass"))
	require.NoError(t, err)

	assert.NotEqual(t, salt1, salt2)
}

func TestUnseal_WrongPassphrase(t *testing.T) {
	sealer := newTestSealer(t)

	blob, salt, err := sealer.Seal([]byte("key"), []byte("right"))
	require.NoError(t, err)

	_, err = sealer.Unseal(blob, []byte("wrong"), salt)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestUnseal_TamperedBlob(t *testing.T) {
	sealer := newTestSealer(t)

	blob, salt, err := sealer.Seal([]byte("key"), []byte("pass"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = sealer.Unseal(blob, []byte("pass"), salt)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestUnseal_WrongSalt(t *testing.T) {
	sealer := newTestSealer(t)

	blob, _, err := sealer.Seal([]byte("key"), []byte("pass"))
	require.NoError(t, err)

	badSalt := make([]byte, saltLength)
	_, err = sealer.Unseal(blob, []byte("pass"), badSalt)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestSeal_EmptyKeyMaterial(t *testing.T) {
	sealer := newTestSealer(t)

	_, _, err := sealer.Seal(nil, []byte("pass"))
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func TestUnseal_TruncatedBlob(t *testing.T) {
	sealer := newTestSealer(t)

	_, err := sealer.Unseal([]byte{algAES256GCM}, []byte("pass"), make([]byte, saltLength))
	assert.ErrorIs(t, err, ErrInvalidBlob)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	sealer := newTestSealer(t)

	salt := make([]byte, saltLength)
	key1, err := sealer.DeriveKey([]byte("pass"), salt)
	require.NoError(t, err)
	key2, err := sealer.DeriveKey([]byte("pass"), salt)
	require.NoError(t, err)

	assert.Equal(t, key1, key2)
	assert.Len(t, key1, sealKeyLength)
}
