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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

const slotPrefix = "slots/"

// slotStore persists sealed key slot records on a storage.Backend.
// One record per (volume identity, slot number), owner-only permissions.
type slotStore struct {
	backend storage.Backend
}

func newSlotStore(backend storage.Backend) *slotStore {
	return &slotStore{backend: backend}
}

// deviceKey flattens a device identity into a storage-safe path segment.
// "/dev/sda2" becomes "dev_sda2".
func deviceKey(device string) string {
	return strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_")
}

func slotKey(device string, slot int) string {
	return fmt.Sprintf("%s%s/%d.json", slotPrefix, deviceKey(device), slot)
}

func (s *slotStore) save(record *types.KeySlot) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("keyvault: failed to encode slot record: %w", err)
	}
	opts := storage.DefaultOptions()
	opts.Permissions = 0600
	return s.backend.Put(slotKey(record.Device, record.Slot), data, opts)
}

func (s *slotStore) load(device string, slot int) (*types.KeySlot, error) {
	data, err := s.backend.Get(slotKey(device, slot))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	var record types.KeySlot
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("keyvault: failed to decode slot record: %w", err)
	}
	return &record, nil
}

func (s *slotStore) delete(device string, slot int) error {
	err := s.backend.Delete(slotKey(device, slot))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrSlotNotFound
	}
	return err
}

// list returns the slot numbers for a device in ascending order.
func (s *slotStore) list(device string) ([]int, error) {
	keys, err := s.backend.List(slotPrefix + deviceKey(device) + "/")
	if err != nil {
		return nil, err
	}
	slots := make([]int, 0, len(keys))
	for _, key := range keys {
		base := key[strings.LastIndex(key, "/")+1:]
		var slot int
		if _, err := fmt.Sscanf(base, "%d.json", &slot); err != nil {
			continue
		}
		slots = append(slots, slot)
	}
	sort.Ints(slots)
	return slots, nil
}
