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
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/cpu"

	"github.com/jeremyhahn/go-diskvault/pkg/kdf"
)

const (
	// saltLength is the salt size generated per Seal call.
	saltLength = 16

	// sealKeyLength is the derived sealing key size in bytes.
	sealKeyLength = 32
)

// AEAD algorithm identifiers embedded in the sealed blob header.
const (
	algAES256GCM        byte = 0x01
	algChaCha20Poly1305 byte = 0x02
)

// hasAESNI reports whether the CPU has hardware AES acceleration.
func hasAESNI() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	default:
		return false
	}
}

// selectAEAD picks AES-256-GCM on CPUs with AES-NI and ChaCha20-Poly1305
// otherwise.
func selectAEAD() byte {
	if hasAESNI() {
		return algAES256GCM
	}
	return algChaCha20Poly1305
}

// newAEAD constructs the AEAD cipher for the given algorithm identifier.
func newAEAD(alg byte, key []byte) (cipher.AEAD, error) {
	switch alg {
	case algAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case algChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrInvalidBlob
	}
}

// SoftwareSealer seals key material with a passphrase-derived key and an
// authenticated cipher. The KDF adapter and its cost parameters are fixed at
// construction time; the salt is fresh per Seal call.
//
// Sealed blob layout: [1-byte algorithm id][nonce][ciphertext+tag].
type SoftwareSealer struct {
	adapter kdf.KDFAdapter
	params  kdf.KDFParams
}

// NewSoftwareSealer creates a sealer using the given KDF adapter and
// parameters. The params' Salt field is ignored; a fresh salt is generated
// per Seal call and supplied per Unseal call.
func NewSoftwareSealer(adapter kdf.KDFAdapter, params *kdf.KDFParams) (*SoftwareSealer, error) {
	if adapter == nil {
		return nil, fmt.Errorf("keyvault: kdf adapter is required")
	}
	if params == nil {
		return nil, fmt.Errorf("keyvault: kdf params are required")
	}
	p := *params
	p.KeyLength = sealKeyLength
	return &SoftwareSealer{
		adapter: adapter,
		params:  p,
	}, nil
}

// NewDefaultSealer creates a PBKDF2-SHA256 sealer with the given iteration
// cost. Iterations below the PBKDF2 floor are rejected by the adapter.
func NewDefaultSealer(iterations int) (*SoftwareSealer, error) {
	params := kdf.DefaultParams(kdf.AlgorithmPBKDF2)
	if iterations > 0 {
		params.Iterations = iterations
	}
	params.Hash = crypto.SHA256
	return NewSoftwareSealer(kdf.NewPBKDF2Adapter(), params)
}

// DeriveKey derives the sealing key from passphrase and salt. Deterministic:
// identical inputs always yield identical output.
func (s *SoftwareSealer) DeriveKey(passphrase, salt []byte) ([]byte, error) {
	params := s.params
	params.Salt = salt
	key, err := s.adapter.DeriveKey(passphrase, &params)
	if err != nil {
		return nil, fmt.Errorf("keyvault: key derivation failed: %w", err)
	}
	return key, nil
}

// Seal encrypts rawKey under the passphrase with a fresh random salt.
func (s *SoftwareSealer) Seal(rawKey, passphrase []byte) ([]byte, []byte, error) {
	if len(rawKey) == 0 {
		return nil, nil, ErrInvalidKeyMaterial
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("keyvault: failed to generate salt: %w", err)
	}

	sealKey, err := s.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, nil, err
	}
	defer zero(sealKey)

	alg := selectAEAD()
	aead, err := newAEAD(alg, sealKey)
	if err != nil {
		return nil, nil, fmt.Errorf("keyvault: failed to initialize cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("keyvault: failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, 1+len(nonce)+len(rawKey)+aead.Overhead())
	blob = append(blob, alg)
	blob = append(blob, nonce...)
	blob = aead.Seal(blob, nonce, rawKey, salt)

	return blob, salt, nil
}

// Unseal decrypts a sealed blob. A wrong passphrase and a corrupted blob are
// both reported as ErrAuthenticationFailed; they are indistinguishable by
// construction of the authenticated cipher.
func (s *SoftwareSealer) Unseal(blob, passphrase, salt []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, ErrInvalidBlob
	}

	alg := blob[0]

	sealKey, err := s.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer zero(sealKey)

	aead, err := newAEAD(alg, sealKey)
	if err != nil {
		return nil, err
	}

	if len(blob) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidBlob
	}

	nonce := blob[1 : 1+aead.NonceSize()]
	ciphertext := blob[1+aead.NonceSize():]

	rawKey, err := aead.Open(nil, nonce, ciphertext, salt)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return rawKey, nil
}

// zero overwrites sensitive byte slices.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Verify interface compliance at compile time
var _ Sealer = (*SoftwareSealer)(nil)
