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
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// HeaderSource reads and writes the raw header/metadata structures of an
// encrypted device, independent of key material.
type HeaderSource interface {
	// ReadHeader captures the device's header blob.
	ReadHeader(device string) ([]byte, error)

	// WriteHeader restores a header blob onto the device. Destructive.
	WriteHeader(device string, header []byte) error
}

// CryptsetupHeaderSource captures headers with cryptsetup luksHeaderBackup
// and restores them with luksHeaderRestore, staging through a private
// temporary directory.
type CryptsetupHeaderSource struct{}

// NewCryptsetupHeaderSource creates a cryptsetup-backed header source.
func NewCryptsetupHeaderSource() *CryptsetupHeaderSource {
	return &CryptsetupHeaderSource{}
}

// ReadHeader captures the device header.
func (c *CryptsetupHeaderSource) ReadHeader(device string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "diskvault-hdr-*")
	if err != nil {
		return nil, fmt.Errorf("headerbackup: failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	staging := filepath.Join(dir, "header.img")
	out, err := exec.Command("cryptsetup", "luksHeaderBackup", device, "--header-backup-file", staging).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("headerbackup: luksHeaderBackup failed for %s: %s: %w", device, strings.TrimSpace(string(out)), err)
	}

	header, err := os.ReadFile(staging)
	if err != nil {
		return nil, fmt.Errorf("headerbackup: failed to read staged header: %w", err)
	}
	return header, nil
}

// WriteHeader restores a header onto the device.
func (c *CryptsetupHeaderSource) WriteHeader(device string, header []byte) error {
	dir, err := os.MkdirTemp("", "diskvault-hdr-*")
	if err != nil {
		return fmt.Errorf("headerbackup: failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(dir)

	staging := filepath.Join(dir, "header.img")
	if err := os.WriteFile(staging, header, 0600); err != nil {
		return fmt.Errorf("headerbackup: failed to stage header: %w", err)
	}

	out, err := exec.Command("cryptsetup", "luksHeaderRestore", device, "--header-backup-file", staging, "--batch-mode").CombinedOutput()
	if err != nil {
		return fmt.Errorf("headerbackup: luksHeaderRestore failed for %s: %s: %w", device, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Verify interface compliance at compile time
var _ HeaderSource = (*CryptsetupHeaderSource)(nil)
