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

// Package transit implements a keyvault.Sealer backed by the HashiCorp Vault
// Transit secrets engine. Slot key material never touches local disk in
// sealed form under a locally derived key; wrapping happens inside Vault,
// which serves as the HSM-class alternative to the software sealer.
//
// The Transit key must be created with derived=true. The unlock passphrase
// contributes the derivation context, so a wrong passphrase fails decryption
// inside Vault and is reported as keyvault.ErrAuthenticationFailed.
package transit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"

	vault "github.com/hashicorp/vault/api"
	"golang.org/x/crypto/pbkdf2"

	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
)

const (
	saltLength = 16

	// contextIterations is the PBKDF2 cost for turning the passphrase
	// into a Transit derivation context. The heavy KDF work is done
	// locally so Vault only ever sees derived material.
	contextIterations = 100000

	contextLength = 32
)

// Logical is the subset of the Vault logical client used by the sealer.
// Satisfied by *vault.Logical; faked in tests.
type Logical interface {
	Write(path string, data map[string]interface{}) (*vault.Secret, error)
}

// Config holds the Transit sealer configuration.
type Config struct {
	// Address is the Vault server address.
	Address string `yaml:"address"`

	// Token is the Vault authentication token.
	Token string `yaml:"token"`

	// MountPath is the Transit engine mount path. Defaults to "transit".
	MountPath string `yaml:"mount_path"`

	// KeyName is the name of the derived Transit key.
	KeyName string `yaml:"key_name"`

	// Namespace is an optional Vault enterprise namespace.
	Namespace string `yaml:"namespace"`
}

// Validate checks required configuration fields.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("transit: vault address is required")
	}
	if c.Token == "" {
		return fmt.Errorf("transit: vault token is required")
	}
	if c.KeyName == "" {
		return fmt.Errorf("transit: key name is required")
	}
	return nil
}

// Sealer seals key material through the Vault Transit engine.
type Sealer struct {
	logical   Logical
	mountPath string
	keyName   string
}

// NewSealer connects to Vault and returns a Transit-backed sealer.
func NewSealer(config *Config) (*Sealer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = config.Address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("transit: failed to create vault client: %w", err)
	}
	client.SetToken(config.Token)
	if config.Namespace != "" {
		client.SetNamespace(config.Namespace)
	}

	mountPath := config.MountPath
	if mountPath == "" {
		mountPath = "transit"
	}

	return &Sealer{
		logical:   client.Logical(),
		mountPath: mountPath,
		keyName:   config.KeyName,
	}, nil
}

// NewSealerWithLogical creates a sealer with a custom logical client (for testing).
func NewSealerWithLogical(logical Logical, mountPath, keyName string) *Sealer {
	if mountPath == "" {
		mountPath = "transit"
	}
	return &Sealer{
		logical:   logical,
		mountPath: mountPath,
		keyName:   keyName,
	}
}

// DeriveKey derives the Transit derivation context from passphrase and salt.
// Deterministic for decrypt-on-demand correctness.
func (s *Sealer) DeriveKey(passphrase, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, keyvault.ErrInvalidBlob
	}
	return pbkdf2.Key(passphrase, salt, contextIterations, contextLength, sha256.New), nil
}

// Seal wraps rawKey inside Vault under a passphrase-derived context with a
// fresh random salt.
func (s *Sealer) Seal(rawKey, passphrase []byte) ([]byte, []byte, error) {
	if len(rawKey) == 0 {
		return nil, nil, keyvault.ErrInvalidKeyMaterial
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("transit: failed to generate salt: %w", err)
	}

	context, err := s.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, nil, err
	}

	secret, err := s.logical.Write(
		fmt.Sprintf("%s/encrypt/%s", s.mountPath, s.keyName),
		map[string]interface{}{
			"plaintext": base64.StdEncoding.EncodeToString(rawKey),
			"context":   base64.StdEncoding.EncodeToString(context),
		})
	if err != nil {
		return nil, nil, fmt.Errorf("transit: encrypt failed: %w", err)
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, nil, fmt.Errorf("transit: encrypt response missing ciphertext")
	}

	return []byte(ciphertext), salt, nil
}

// Unseal unwraps a sealed blob. A wrong passphrase yields a different
// derivation context and fails inside Vault; that failure is reported as
// keyvault.ErrAuthenticationFailed, distinct from transport errors.
func (s *Sealer) Unseal(blob, passphrase, salt []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, keyvault.ErrInvalidBlob
	}

	context, err := s.DeriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}

	secret, err := s.logical.Write(
		fmt.Sprintf("%s/decrypt/%s", s.mountPath, s.keyName),
		map[string]interface{}{
			"ciphertext": string(blob),
			"context":    base64.StdEncoding.EncodeToString(context),
		})
	if err != nil {
		// Transit reports a context/ciphertext mismatch as HTTP 400;
		// anything else is a transport problem, not bad credentials.
		var respErr *vault.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusBadRequest {
			return nil, keyvault.ErrAuthenticationFailed
		}
		return nil, fmt.Errorf("transit: decrypt failed: %w", err)
	}

	plaintext, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("transit: decrypt response missing plaintext")
	}

	rawKey, err := base64.StdEncoding.DecodeString(plaintext)
	if err != nil {
		return nil, fmt.Errorf("transit: failed to decode plaintext: %w", err)
	}
	return rawKey, nil
}

// Verify interface compliance at compile time
var _ keyvault.Sealer = (*Sealer)(nil)
