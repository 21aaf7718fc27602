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
	"time"

	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// Vault stores and retrieves sealed per-slot key material for registered
// volumes. It depends on the volume registry for device identity and
// implements registry.SlotCounter so deregistration can enforce the
// active-keys invariant.
type Vault struct {
	registry *registry.Registry
	sealer   Sealer
	store    *slotStore
	logger   *logging.Logger
}

// New creates a key vault over the given registry, sealer, and storage
// backend.
func New(reg *registry.Registry, sealer Sealer, backend storage.Backend, logger *logging.Logger) (*Vault, error) {
	if reg == nil {
		return nil, fmt.Errorf("keyvault: registry is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("keyvault: sealer is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("keyvault: storage backend is required")
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	v := &Vault{
		registry: reg,
		sealer:   sealer,
		store:    newSlotStore(backend),
		logger:   logger,
	}
	reg.SetSlotCounter(v)
	return v, nil
}

// Sealer returns the vault's sealer for callers that need direct
// seal/unseal access, such as rotation verification.
func (v *Vault) Sealer() Sealer {
	return v.sealer
}

// EnrollSlot seals rawKey under the passphrase and stores it in the given
// slot. Fails with ErrSlotExists if the slot is occupied and ErrInvalidSlot
// if the slot number is out of range.
func (v *Vault) EnrollSlot(device string, slot int, rawKey, passphrase []byte, purpose types.SlotPurpose, creator string) (*types.KeySlot, error) {
	if slot < 0 || slot >= types.MaxKeySlots {
		return nil, ErrInvalidSlot
	}
	if _, err := v.registry.Lookup(device); err != nil {
		return nil, err
	}
	if _, err := v.store.load(device, slot); err == nil {
		return nil, ErrSlotExists
	}

	blob, salt, err := v.sealer.Seal(rawKey, passphrase)
	if err != nil {
		return nil, err
	}

	record := &types.KeySlot{
		Device:       device,
		Slot:         slot,
		EncryptedKey: blob,
		Salt:         salt,
		Purpose:      purpose,
		Creator:      creator,
		Created:      time.Now(),
	}
	if err := v.store.save(record); err != nil {
		return nil, err
	}

	v.logger.Info("key slot enrolled", "device", device, "slot", slot, "purpose", purpose)
	return record, nil
}

// LoadSlot returns the sealed slot record and metadata. The key material in
// the record remains sealed.
func (v *Vault) LoadSlot(device string, slot int) (*types.KeySlot, error) {
	return v.store.load(device, slot)
}

// UnsealSlot loads a slot and unseals its key material with the passphrase.
// On success the slot's last-used timestamp is updated.
func (v *Vault) UnsealSlot(device string, slot int, passphrase []byte) ([]byte, error) {
	record, err := v.store.load(device, slot)
	if err != nil {
		return nil, err
	}
	rawKey, err := v.sealer.Unseal(record.EncryptedKey, passphrase, record.Salt)
	if err != nil {
		return nil, err
	}
	record.LastUsed = time.Now()
	if err := v.store.save(record); err != nil {
		v.logger.Warnf("failed to update last-used for %s slot %d: %v", device, slot, err)
	}
	return rawKey, nil
}

// UnsealAny tries the passphrase against every slot of the volume in slot
// order and returns the first successfully unsealed key along with its slot
// number. Returns ErrAuthenticationFailed when no slot matches.
func (v *Vault) UnsealAny(device string, passphrase []byte) ([]byte, int, error) {
	slots, err := v.store.list(device)
	if err != nil {
		return nil, -1, err
	}
	for _, slot := range slots {
		rawKey, err := v.UnsealSlot(device, slot, passphrase)
		if err == nil {
			return rawKey, slot, nil
		}
	}
	return nil, -1, ErrAuthenticationFailed
}

// RemoveSlot deletes a key slot. Refuses with ErrLastSlot if it is the
// volume's last active slot; rotation must add and verify a replacement
// before the old slot is removed. Decommissioning uses PurgeSlots instead.
func (v *Vault) RemoveSlot(device string, slot int) error {
	slots, err := v.store.list(device)
	if err != nil {
		return err
	}
	if len(slots) <= 1 {
		for _, s := range slots {
			if s == slot {
				return ErrLastSlot
			}
		}
		return ErrSlotNotFound
	}
	if err := v.store.delete(device, slot); err != nil {
		return err
	}
	v.logger.Info("key slot removed", "device", device, "slot", slot)
	return nil
}

// PurgeSlots removes every key slot of a volume. This is the explicit
// decommissioning path used before deregistration; it bypasses the
// last-slot guard by design.
func (v *Vault) PurgeSlots(device string) error {
	slots, err := v.store.list(device)
	if err != nil {
		return err
	}
	for _, slot := range slots {
		if err := v.store.delete(device, slot); err != nil {
			return err
		}
	}
	v.logger.Info("all key slots purged", "device", device, "count", len(slots))
	return nil
}

// Slots returns all slot records for a volume in ascending slot order.
func (v *Vault) Slots(device string) ([]*types.KeySlot, error) {
	numbers, err := v.store.list(device)
	if err != nil {
		return nil, err
	}
	records := make([]*types.KeySlot, 0, len(numbers))
	for _, n := range numbers {
		record, err := v.store.load(device, n)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ActiveSlots implements registry.SlotCounter.
func (v *Vault) ActiveSlots(device string) (int, error) {
	slots, err := v.store.list(device)
	if err != nil {
		return 0, err
	}
	return len(slots), nil
}

// NextFreeSlot returns the lowest unoccupied slot number for a volume.
// Returns ErrSlotsExhausted when all slots are in use.
func (v *Vault) NextFreeSlot(device string) (int, error) {
	used, err := v.store.list(device)
	if err != nil {
		return -1, err
	}
	occupied := make(map[int]bool, len(used))
	for _, s := range used {
		occupied[s] = true
	}
	for slot := 0; slot < types.MaxKeySlots; slot++ {
		if !occupied[slot] {
			return slot, nil
		}
	}
	return -1, ErrSlotsExhausted
}

// ScheduleRotation records the scheduled rotation time on a slot.
// Passing a nil time clears the schedule.
func (v *Vault) ScheduleRotation(device string, slot int, at *time.Time) error {
	record, err := v.store.load(device, slot)
	if err != nil {
		return err
	}
	record.ScheduledRotation = at
	return v.store.save(record)
}
