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

package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

const volumePrefix = "volumes/"

// volumeStore persists volume records through a storage backend so the
// registry survives process restarts.
type volumeStore struct {
	backend storage.Backend
}

func volumeKey(device string) string {
	return volumePrefix + strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_") + ".json"
}

func (s *volumeStore) save(vol types.EncryptedVolume) error {
	data, err := json.Marshal(vol)
	if err != nil {
		return fmt.Errorf("registry: failed to encode volume %s: %w", vol.Device, err)
	}
	if err := s.backend.Put(volumeKey(vol.Device), data, storage.DefaultOptions()); err != nil {
		return fmt.Errorf("registry: failed to persist volume %s: %w", vol.Device, err)
	}
	return nil
}

func (s *volumeStore) remove(device string) error {
	if err := s.backend.Delete(volumeKey(device)); err != nil {
		return fmt.Errorf("registry: failed to remove volume %s: %w", device, err)
	}
	return nil
}

// loadAll returns persisted volumes ordered by registration time.
func (s *volumeStore) loadAll() ([]types.EncryptedVolume, error) {
	keys, err := s.backend.List(volumePrefix)
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list volumes: %w", err)
	}

	var volumes []types.EncryptedVolume
	for _, key := range keys {
		data, err := s.backend.Get(key)
		if err != nil {
			return nil, fmt.Errorf("registry: failed to read %s: %w", key, err)
		}
		var vol types.EncryptedVolume
		if err := json.Unmarshal(data, &vol); err != nil {
			return nil, fmt.Errorf("registry: corrupt volume record %s: %w", key, err)
		}
		volumes = append(volumes, vol)
	}

	sort.Slice(volumes, func(i, j int) bool {
		if volumes[i].Created.Equal(volumes[j].Created) {
			return volumes[i].Device < volumes[j].Device
		}
		return volumes[i].Created.Before(volumes[j].Created)
	})
	return volumes, nil
}

// SetStore attaches a storage backend and loads previously persisted
// volumes. Must be called during startup wiring, before other registry use.
func (r *Registry) SetStore(backend storage.Backend) error {
	store := &volumeStore{backend: backend}
	volumes, err := store.loadAll()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.store = store
	for _, vol := range volumes {
		if _, exists := r.volumes[vol.Device]; exists {
			continue
		}
		r.volumes[vol.Device] = &volumeEntry{vol: vol}
		r.order = append(r.order, vol.Device)
	}
	return nil
}
