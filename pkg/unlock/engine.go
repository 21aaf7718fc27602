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

// Package unlock opens and closes encrypted volumes using vault-resolved
// keys and mounts their filesystems. Each volume follows the state machine
//
//	Locked -> Unlocking -> Unlocked -> Mounted -> Unlocked -> Locking -> Locked
//
// Transitions are serialized by the registry's per-volume lock. Unlocking an
// already-unlocked volume is an idempotent no-op, not an error.
package unlock

import (
	"errors"
	"fmt"

	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/metrics"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// Engine drives volume state transitions. Construct with New; all methods
// are safe for concurrent use across volumes and serialized per volume.
type Engine struct {
	registry *registry.Registry
	vault    *keyvault.Vault
	mapper   DeviceMapper
	mounter  Mounter
	logger   *logging.Logger

	// waitForLock selects the contention policy: block on the per-volume
	// lock when true, fail fast with ErrBusy when false.
	waitForLock bool
}

// New creates an unlock engine.
func New(reg *registry.Registry, vault *keyvault.Vault, mapper DeviceMapper, mounter Mounter, waitForLock bool, logger *logging.Logger) (*Engine, error) {
	if reg == nil || vault == nil {
		return nil, fmt.Errorf("unlock: registry and vault are required")
	}
	if mapper == nil || mounter == nil {
		return nil, fmt.Errorf("unlock: device mapper and mounter are required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Engine{
		registry:    reg,
		vault:       vault,
		mapper:      mapper,
		mounter:     mounter,
		logger:      logger,
		waitForLock: waitForLock,
	}, nil
}

// acquire takes the per-volume lock according to the wait policy.
func (e *Engine) acquire(device string) (func(), error) {
	if e.waitForLock {
		release, err := e.registry.Lock(device)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return release, err
	}
	release, err := e.registry.TryLock(device)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return nil, ErrDeviceNotFound
	case errors.Is(err, registry.ErrBusy):
		return nil, ErrBusy
	}
	return release, err
}

// Reconcile aligns recorded volume states with the live device mapper.
// Recorded state does not survive a reboot: every mapper target is gone
// after a restart, so a volume persisted as Unlocked or Mounted must fall
// back to Locked before any unlock decision is made. Call once during
// startup wiring, after the registry store is attached.
func (e *Engine) Reconcile() error {
	for _, vol := range e.registry.List() {
		if vol.State == types.StateLocked {
			continue
		}
		open, err := e.mapper.Status(vol.MapperName)
		if err != nil {
			return fmt.Errorf("unlock: failed to check mapper %s: %w", vol.MapperName, err)
		}
		if !open {
			if err := e.registry.SetState(vol.Device, types.StateLocked); err != nil {
				return err
			}
			e.logger.Info("stale volume state reset to locked",
				"device", vol.Device, "recorded_state", vol.State)
			continue
		}
		switch vol.State {
		case types.StateUnlocking, types.StateLocking:
			// Interrupted transition with the mapper still active.
			if err := e.registry.SetState(vol.Device, types.StateUnlocked); err != nil {
				return err
			}
			e.logger.Warn("interrupted state transition settled",
				"device", vol.Device, "recorded_state", vol.State)
		}
	}
	return nil
}

// Unlock resolves a key slot with the passphrase and performs the
// cryptographic open. Idempotent when the volume is already Unlocked or
// Mounted. A wrong passphrase is terminal for the call.
func (e *Engine) Unlock(device string, passphrase []byte) error {
	release, err := e.acquire(device)
	if err != nil {
		return err
	}
	defer release()

	vol, err := e.registry.Lookup(device)
	if err != nil {
		return ErrDeviceNotFound
	}

	switch vol.State {
	case types.StateUnlocked, types.StateMounted:
		// Already open; success by design to simplify caller retries.
		return nil
	}

	if err := e.registry.SetState(device, types.StateUnlocking); err != nil {
		return err
	}

	rawKey, slot, err := e.vault.UnsealAny(device, passphrase)
	if err != nil {
		_ = e.registry.SetState(device, types.StateLocked)
		metrics.RecordUnlock(device, metrics.StatusError)
		if errors.Is(err, keyvault.ErrAuthenticationFailed) {
			return ErrWrongPassphrase
		}
		return err
	}
	defer zeroBytes(rawKey)

	if err := e.mapper.Open(device, vol.MapperName, rawKey); err != nil {
		_ = e.registry.SetState(device, types.StateLocked)
		metrics.RecordUnlock(device, metrics.StatusError)
		return err
	}

	if err := e.registry.SetState(device, types.StateUnlocked); err != nil {
		return err
	}
	metrics.RecordUnlock(device, metrics.StatusSuccess)
	e.logger.Info("volume unlocked", "device", device, "slot", slot)
	return nil
}

// Mount mounts an unlocked volume. Fails with ErrNotUnlocked from the
// Locked state; already-mounted is an idempotent success.
func (e *Engine) Mount(device string) error {
	release, err := e.acquire(device)
	if err != nil {
		return err
	}
	defer release()

	vol, err := e.registry.Lookup(device)
	if err != nil {
		return ErrDeviceNotFound
	}

	switch vol.State {
	case types.StateMounted:
		return nil
	case types.StateUnlocked:
		// proceed
	default:
		return ErrNotUnlocked
	}

	if err := e.mounter.Mount(vol.MapperName, vol.MountPoint); err != nil {
		return err
	}
	if err := e.registry.SetState(device, types.StateMounted); err != nil {
		return err
	}
	e.logger.Info("volume mounted", "device", device, "mountpoint", vol.MountPoint)
	return nil
}

// Unmount unmounts a mounted volume. Refuses with ErrBusy when open file
// handles exist unless force is set, in which case it logs a warning and
// detaches lazily.
func (e *Engine) Unmount(device string, force bool) error {
	release, err := e.acquire(device)
	if err != nil {
		return err
	}
	defer release()

	vol, err := e.registry.Lookup(device)
	if err != nil {
		return ErrDeviceNotFound
	}

	switch vol.State {
	case types.StateUnlocked:
		return nil
	case types.StateMounted:
		// proceed
	default:
		return ErrNotUnlocked
	}

	if force {
		e.logger.Warn("forcing unmount with possible open file handles", "device", device)
	}
	if err := e.mounter.Unmount(vol.MountPoint, force); err != nil {
		return err
	}
	if err := e.registry.SetState(device, types.StateUnlocked); err != nil {
		return err
	}
	e.logger.Info("volume unmounted", "device", device)
	return nil
}

// Lock closes an unlocked, unmounted volume. Fails with ErrStillMounted if
// the volume has not been unmounted first; already-locked is an idempotent
// success.
func (e *Engine) Lock(device string) error {
	release, err := e.acquire(device)
	if err != nil {
		return err
	}
	defer release()

	vol, err := e.registry.Lookup(device)
	if err != nil {
		return ErrDeviceNotFound
	}

	switch vol.State {
	case types.StateLocked:
		return nil
	case types.StateMounted:
		return ErrStillMounted
	case types.StateUnlocked:
		// proceed
	default:
		return ErrBusy
	}

	if err := e.registry.SetState(device, types.StateLocking); err != nil {
		return err
	}
	if err := e.mapper.Close(vol.MapperName); err != nil {
		_ = e.registry.SetState(device, types.StateUnlocked)
		return err
	}
	if err := e.registry.SetState(device, types.StateLocked); err != nil {
		return err
	}
	e.logger.Info("volume locked", "device", device)
	return nil
}

// VerifyPassphrase checks that the passphrase unseals some key slot without
// opening the device. Used by the rotation scheduler to verify a new slot
// before the old one is removed.
func (e *Engine) VerifyPassphrase(device string, passphrase []byte) (int, error) {
	rawKey, slot, err := e.vault.UnsealAny(device, passphrase)
	if err != nil {
		if errors.Is(err, keyvault.ErrAuthenticationFailed) {
			return -1, ErrWrongPassphrase
		}
		return -1, err
	}
	zeroBytes(rawKey)
	return slot, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
