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

package unlock

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
)

// DeviceMapper performs the cryptographic open and close of an encrypted
// block device. Implementations must not retry a failed open; a wrong key
// is terminal for the call.
type DeviceMapper interface {
	// Open maps the encrypted device to the named mapper target using
	// the raw volume key.
	Open(device, mapperName string, key []byte) error

	// Close removes the mapper target.
	Close(mapperName string) error

	// Status reports whether the mapper target is currently active.
	Status(mapperName string) (bool, error)
}

// Mounter mounts and unmounts opened mapper devices.
type Mounter interface {
	// Mount mounts the mapper device at the mount point.
	Mount(mapperName, mountPoint string) error

	// Unmount unmounts the mount point. Returns ErrBusy when open file
	// handles exist and force is false; with force it detaches lazily.
	Unmount(mountPoint string, force bool) error
}

// CryptsetupMapper is a DeviceMapper that shells out to cryptsetup. Key
// material is handed over through an ephemeral owner-only key file that is
// removed on every exit path.
type CryptsetupMapper struct {
	ephemeral *keyvault.EphemeralStore
}

// NewCryptsetupMapper creates a cryptsetup-backed device mapper.
func NewCryptsetupMapper(ephemeral *keyvault.EphemeralStore) *CryptsetupMapper {
	return &CryptsetupMapper{ephemeral: ephemeral}
}

// Open runs cryptsetup open with a transient key file.
func (c *CryptsetupMapper) Open(device, mapperName string, key []byte) error {
	keyFile, cleanup, err := c.ephemeral.Write(key)
	if err != nil {
		return err
	}
	defer cleanup()

	out, err := exec.Command("cryptsetup", "open", "--key-file", keyFile, device, mapperName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unlock: cryptsetup open failed for %s: %s: %w", device, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Close runs cryptsetup close on the mapper target.
func (c *CryptsetupMapper) Close(mapperName string) error {
	out, err := exec.Command("cryptsetup", "close", mapperName).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unlock: cryptsetup close failed for %s: %s: %w", mapperName, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Status reports whether the mapper target exists under /dev/mapper.
func (c *CryptsetupMapper) Status(mapperName string) (bool, error) {
	_, err := os.Stat("/dev/mapper/" + mapperName)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("unlock: failed to stat mapper %s: %w", mapperName, err)
}

// SystemMounter mounts mapper devices with the system mount and umount
// commands.
type SystemMounter struct{}

// NewSystemMounter creates a mounter that shells out to mount/umount.
func NewSystemMounter() *SystemMounter {
	return &SystemMounter{}
}

// Mount mounts /dev/mapper/<name> at the mount point.
func (m *SystemMounter) Mount(mapperName, mountPoint string) error {
	device := "/dev/mapper/" + mapperName
	out, err := exec.Command("mount", device, mountPoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("unlock: mount %s at %s failed: %s: %w", device, mountPoint, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Unmount unmounts the mount point. A busy filesystem is reported as
// ErrBusy unless force is set, in which case a lazy unmount is used.
func (m *SystemMounter) Unmount(mountPoint string, force bool) error {
	args := []string{mountPoint}
	if force {
		args = []string{"-l", mountPoint}
	}
	out, err := exec.Command("umount", args...).CombinedOutput()
	if err != nil {
		if strings.Contains(strings.ToLower(string(out)), "busy") {
			return ErrBusy
		}
		return fmt.Errorf("unlock: umount %s failed: %s: %w", mountPoint, strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Verify interface compliance at compile time
var (
	_ DeviceMapper = (*CryptsetupMapper)(nil)
	_ Mounter      = (*SystemMounter)(nil)
)
