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

// Package headerbackup captures and restores volume header backups. Backups
// are opaque versioned blobs, immutable once written, named so volume
// identity and capture time are recoverable from the name alone. Restores
// are always operator-initiated and destructive, so they demand explicit
// confirmation and refuse backups from an unsupported format version.
package headerbackup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/metrics"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

const (
	// CurrentFormatVersion is the backup format produced by this build.
	CurrentFormatVersion = 2

	// MinFormatVersion is the oldest backup format this build can restore.
	MinFormatVersion = 1

	// DefaultRetainCount is how many backups are kept per volume.
	DefaultRetainCount = 5

	backupPrefix = "headers/"
	backupSuffix = ".hdr"
)

// blobMagic identifies a diskvault header backup blob.
var blobMagic = []byte{'D', 'V', 'H', 'B'}

// Manager captures, lists, prunes and restores header backups.
type Manager struct {
	registry *registry.Registry
	source   HeaderSource
	backend  storage.Backend
	retain   int
	logger   *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetainCount overrides the per-volume backup retention count.
func WithRetainCount(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// New creates a header backup manager.
func New(reg *registry.Registry, source HeaderSource, backend storage.Backend,
	logger *logging.Logger, opts ...Option) *Manager {

	if logger == nil {
		logger = logging.DefaultLogger()
	}
	m := &Manager{
		registry: reg,
		source:   source,
		backend:  backend,
		retain:   DefaultRetainCount,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backup captures the device's current header as a new immutable backup.
// Older backups beyond the retention count are pruned only after the new
// backup has been durably written.
func (m *Manager) Backup(device string) (*types.HeaderBackup, error) {
	if _, err := m.registry.Lookup(device); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	header, err := m.source.ReadHeader(device)
	if err != nil {
		metrics.RecordHeaderBackup(device, metrics.StatusError)
		return nil, err
	}

	backup := &types.HeaderBackup{
		ID:            fmt.Sprintf("%d-%s", time.Now().Unix(), uuid.NewString()[:8]),
		Device:        device,
		Created:       time.Now(),
		FormatVersion: CurrentFormatVersion,
	}
	backup.Location = backupKey(device, backup.ID)

	if err := m.backend.Put(backup.Location, encodeBlob(CurrentFormatVersion, header), storage.DefaultOptions()); err != nil {
		metrics.RecordHeaderBackup(device, metrics.StatusError)
		return nil, fmt.Errorf("headerbackup: failed to store backup: %w", err)
	}

	metrics.RecordHeaderBackup(device, metrics.StatusSuccess)
	m.logger.Info("header backup created",
		"device", device,
		"backup_id", backup.ID)

	// Prune strictly after the new backup is durable
	if err := m.prune(device); err != nil {
		m.logger.Warnf("header backup retention pruning failed for %s: %v", device, err)
	}
	return backup, nil
}

// List returns the backups for a device, newest first.
func (m *Manager) List(device string) ([]*types.HeaderBackup, error) {
	prefix := backupKey(device, "")
	keys, err := m.backend.List(prefix)
	if err != nil {
		return nil, fmt.Errorf("headerbackup: failed to list backups: %w", err)
	}

	var backups []*types.HeaderBackup
	for _, key := range keys {
		if !strings.HasSuffix(key, backupSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), backupSuffix)
		created, ok := parseCreated(id)
		if !ok {
			continue
		}
		version, err := m.blobVersion(key)
		if err != nil {
			m.logger.Warnf("skipping unreadable header backup %s: %v", key, err)
			continue
		}
		backups = append(backups, &types.HeaderBackup{
			ID:            id,
			Device:        device,
			Created:       created,
			Location:      key,
			FormatVersion: version,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Created.After(backups[j].Created)
	})
	return backups, nil
}

// Restore writes the identified backup's header back onto the device. The
// caller must pass confirm=true; restores never run from automated policy.
// A backup whose format version is outside the supported range is rejected
// before anything touches the device.
func (m *Manager) Restore(device, backupID string, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	if _, err := m.registry.Lookup(device); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}

	blob, err := m.backend.Get(backupKey(device, backupID))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrBackupNotFound
		}
		return fmt.Errorf("headerbackup: failed to read backup: %w", err)
	}

	version, header, err := decodeBlob(blob)
	if err != nil {
		return err
	}
	if version < MinFormatVersion || version > CurrentFormatVersion {
		return fmt.Errorf("%w: version %d, supported %d-%d",
			ErrIncompatibleBackup, version, MinFormatVersion, CurrentFormatVersion)
	}

	if err := m.source.WriteHeader(device, header); err != nil {
		return err
	}
	m.logger.Info("header restored",
		"device", device,
		"backup_id", backupID)
	return nil
}

// prune removes the oldest backups beyond the retention count.
func (m *Manager) prune(device string) error {
	backups, err := m.List(device)
	if err != nil {
		return err
	}
	for _, old := range backups[min(m.retain, len(backups)):] {
		if err := m.backend.Delete(old.Location); err != nil {
			return err
		}
		m.logger.Debug("pruned header backup",
			"device", device,
			"backup_id", old.ID)
	}
	return nil
}

func (m *Manager) blobVersion(key string) (int, error) {
	blob, err := m.backend.Get(key)
	if err != nil {
		return 0, err
	}
	version, _, err := decodeBlob(blob)
	return version, err
}

// encodeBlob frames a header as [magic][uint16 version][payload].
func encodeBlob(version int, header []byte) []byte {
	blob := make([]byte, 0, len(blobMagic)+2+len(header))
	blob = append(blob, blobMagic...)
	blob = binary.BigEndian.AppendUint16(blob, uint16(version))
	return append(blob, header...)
}

func decodeBlob(blob []byte) (int, []byte, error) {
	if len(blob) < len(blobMagic)+2 || !strings.HasPrefix(string(blob), string(blobMagic)) {
		return 0, nil, ErrCorruptBackup
	}
	version := int(binary.BigEndian.Uint16(blob[len(blobMagic):]))
	return version, blob[len(blobMagic)+2:], nil
}

func backupKey(device, id string) string {
	dev := strings.ReplaceAll(strings.TrimPrefix(device, "/"), "/", "_")
	if id == "" {
		return backupPrefix + dev + "/"
	}
	return backupPrefix + dev + "/" + id + backupSuffix
}

func parseCreated(id string) (time.Time, bool) {
	ts, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(unix, 0), true
}
