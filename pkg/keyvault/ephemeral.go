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
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const ephemeralDirPerms = 0700

// EphemeralStore manages short-lived key files handed to external tools
// (e.g. a device mapper open). Files are owner-only and deleted on every
// exit path; Sweep removes leftovers from a crashed prior run at startup.
type EphemeralStore struct {
	dir string
}

// NewEphemeralStore creates the ephemeral directory with 0700 permissions
// and sweeps any files left behind by a previous run.
func NewEphemeralStore(dir string) (*EphemeralStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("keyvault: ephemeral directory cannot be empty")
	}
	if err := os.MkdirAll(dir, ephemeralDirPerms); err != nil {
		return nil, fmt.Errorf("keyvault: failed to create ephemeral directory: %w", err)
	}
	store := &EphemeralStore{dir: dir}
	if err := store.Sweep(); err != nil {
		return nil, err
	}
	return store, nil
}

// Write materializes key material as an owner-only file and returns its
// path plus a cleanup function. The cleanup function zeroes nothing (the
// file content is already sealed off by permissions) but removes the file;
// callers must invoke it on all exit paths.
func (e *EphemeralStore) Write(material []byte) (string, func(), error) {
	name := filepath.Join(e.dir, uuid.NewString())
	if err := os.WriteFile(name, material, 0600); err != nil {
		return "", nil, fmt.Errorf("keyvault: failed to write ephemeral key file: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(name)
	}
	return name, cleanup, nil
}

// Sweep deletes all files in the ephemeral directory. Called at startup for
// crash-safe cleanup of key files left by an interrupted operation.
func (e *EphemeralStore) Sweep() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("keyvault: failed to read ephemeral directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(e.dir, entry.Name())); err != nil {
			return fmt.Errorf("keyvault: failed to sweep ephemeral file %q: %w", entry.Name(), err)
		}
	}
	return nil
}
