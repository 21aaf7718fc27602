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

// Package registry tracks encrypted block devices, their cipher parameters
// and mapper bindings. The registry is the single source of device identity
// for all other components and owns the per-volume exclusive locks that
// serialize mutating operations on a volume.
//
// Volumes are kept in insertion order so List is stable and restartable.
// There is no ambient global state; a Registry is constructed at startup and
// passed by reference into each component constructor.
package registry

import (
	"sync"
	"time"

	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// SlotCounter reports how many active key slots a volume has in the vault.
// The key vault implements this interface; the registry consults it to
// refuse deregistration of a volume that still has active key material.
type SlotCounter interface {
	ActiveSlots(device string) (int, error)
}

// supportedCiphers is the set of algorithm/key-size/hash combinations the
// registry accepts at registration time.
var supportedCiphers = map[string][]int{
	"aes-xts-plain64":      {256, 512},
	"aes-cbc-essiv:sha256": {128, 256},
	"serpent-xts-plain64":  {256, 512},
	"twofish-xts-plain64":  {256, 512},
}

// supportedHashes is the set of hashes accepted in a cipher spec.
var supportedHashes = map[string]bool{
	"sha256": true,
	"sha512": true,
	"sha1":   true, // legacy volumes only
}

// minKDFIterations is the floor for the PBKDF iteration cost of a cipher spec.
const minKDFIterations = 100000

type volumeEntry struct {
	vol  types.EncryptedVolume
	lock sync.Mutex
}

// Registry is the volume registry. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	volumes map[string]*volumeEntry
	order   []string
	slots   SlotCounter
	store   *volumeStore
}

// New creates an empty volume registry.
func New() *Registry {
	return &Registry{
		volumes: make(map[string]*volumeEntry),
	}
}

// SetSlotCounter wires the key vault's slot accounting into the registry so
// Deregister can enforce the active-keys invariant. Must be called during
// startup wiring, before Deregister is used.
func (r *Registry) SetSlotCounter(sc SlotCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = sc
}

// ValidateCipherSpec checks an algorithm/key-size/hash combination against
// the supported set. Returns ErrInvalidCipherSpec on any mismatch.
func ValidateCipherSpec(spec types.CipherSpec) error {
	sizes, ok := supportedCiphers[spec.Algorithm]
	if !ok {
		return ErrInvalidCipherSpec
	}
	validSize := false
	for _, s := range sizes {
		if spec.KeySize == s {
			validSize = true
			break
		}
	}
	if !validSize {
		return ErrInvalidCipherSpec
	}
	if !supportedHashes[spec.Hash] {
		return ErrInvalidCipherSpec
	}
	if spec.KDFIterations < minKDFIterations {
		return ErrInvalidCipherSpec
	}
	return nil
}

// Register enrolls a new encrypted volume. The cipher specification is
// immutable after this call. Fails with ErrAlreadyRegistered if the device
// identity exists and ErrInvalidCipherSpec if the cipher combination is not
// supported.
func (r *Registry) Register(vol types.EncryptedVolume) (*types.EncryptedVolume, error) {
	if err := ValidateCipherSpec(vol.Cipher); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.volumes[vol.Device]; exists {
		return nil, ErrAlreadyRegistered
	}

	vol.State = types.StateLocked
	vol.Created = time.Now()

	if r.store != nil {
		if err := r.store.save(vol); err != nil {
			return nil, err
		}
	}

	entry := &volumeEntry{vol: vol}
	r.volumes[vol.Device] = entry
	r.order = append(r.order, vol.Device)

	v := entry.vol
	return &v, nil
}

// Lookup returns a copy of the volume for the given device identity.
// Returns ErrNotFound if the device is not registered.
func (r *Registry) Lookup(device string) (*types.EncryptedVolume, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.volumes[device]
	if !ok {
		return nil, ErrNotFound
	}
	v := entry.vol
	return &v, nil
}

// Deregister removes a decommissioned volume from the registry. Fails with
// ErrActiveKeysExist unless all key slots for the volume were first removed
// via the key vault. The check happens before any destructive action.
func (r *Registry) Deregister(device string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.volumes[device]; !ok {
		return ErrNotFound
	}

	if r.slots != nil {
		n, err := r.slots.ActiveSlots(device)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrActiveKeysExist
		}
	}

	if r.store != nil {
		if err := r.store.remove(device); err != nil {
			return err
		}
	}

	delete(r.volumes, device)
	for i, d := range r.order {
		if d == device {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// List returns all registered volumes in insertion order.
func (r *Registry) List() []types.EncryptedVolume {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.EncryptedVolume, 0, len(r.order))
	for _, device := range r.order {
		if entry, ok := r.volumes[device]; ok {
			out = append(out, entry.vol)
		}
	}
	return out
}

// Lock acquires the per-volume exclusive lock, blocking until available.
// The returned release function must be called exactly once.
// Returns ErrNotFound if the device is not registered.
func (r *Registry) Lock(device string) (func(), error) {
	r.mu.RLock()
	entry, ok := r.volumes[device]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	entry.lock.Lock()
	return entry.lock.Unlock, nil
}

// TryLock attempts to acquire the per-volume lock without blocking.
// Returns ErrBusy if another operation holds the lock.
func (r *Registry) TryLock(device string) (func(), error) {
	r.mu.RLock()
	entry, ok := r.volumes[device]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.lock.TryLock() {
		return nil, ErrBusy
	}
	return entry.lock.Unlock, nil
}

// SetState updates the unlock engine state of a volume. Callers must hold
// the per-volume lock for the duration of the state transition.
func (r *Registry) SetState(device string, state types.VolumeState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.volumes[device]
	if !ok {
		return ErrNotFound
	}
	entry.vol.State = state
	if r.store != nil {
		return r.store.save(entry.vol)
	}
	return nil
}

// State returns the current unlock engine state of a volume.
func (r *Registry) State(device string) (types.VolumeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.volumes[device]
	if !ok {
		return "", ErrNotFound
	}
	return entry.vol.State, nil
}

// SetFlags updates the mutable volume flags. Identity and cipher spec are
// immutable and cannot be changed here.
func (r *Registry) SetFlags(device string, autoUnlock, remoteUnlockEligible bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.volumes[device]
	if !ok {
		return ErrNotFound
	}
	entry.vol.AutoUnlock = autoUnlock
	entry.vol.RemoteUnlockEligible = remoteUnlockEligible
	if r.store != nil {
		return r.store.save(entry.vol)
	}
	return nil
}
