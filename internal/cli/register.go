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

package cli

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

var registerOpts struct {
	name           string
	mapper         string
	mountPoint     string
	cipher         string
	keySize        int
	hash           string
	iterations     int
	autoUnlock     bool
	remoteUnlock   bool
	keyFile        string
	passphraseFile string
	noEscrow       bool
}

// registerCmd enrolls a volume and its initial key slot
var registerCmd = &cobra.Command{
	Use:   "register <device>",
	Short: "Register an encrypted volume under management",
	Long: `Register an encrypted volume and enroll its primary key slot.

The volume key is read from --key-file, or generated when the flag is
omitted. The key is sealed under a passphrase and stored in slot 0. Unless
--no-escrow is given, the passphrase is also escrowed so scheduled rotation
can run unattended.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		device := args[0]
		mapper := registerOpts.mapper
		if mapper == "" {
			mapper = "dv-" + registerOpts.name
		}

		vol, err := app.Registry.Register(types.EncryptedVolume{
			Device:     device,
			Name:       registerOpts.name,
			MapperName: mapper,
			MountPoint: registerOpts.mountPoint,
			Cipher: types.CipherSpec{
				Algorithm:     registerOpts.cipher,
				KeySize:       registerOpts.keySize,
				Hash:          registerOpts.hash,
				KDFIterations: registerOpts.iterations,
			},
			AutoUnlock:           registerOpts.autoUnlock,
			RemoteUnlockEligible: registerOpts.remoteUnlock,
		})
		if err != nil {
			handleError(err)
		}

		rawKey, err := volumeKey(registerOpts.keyFile)
		if err != nil {
			handleError(err)
		}
		defer zeroBytes(rawKey)

		pass, err := readPassphrase(registerOpts.passphraseFile, "Passphrase for slot 0: ")
		if err != nil {
			handleError(err)
		}
		defer pass.Clear()

		passBytes := pass.Bytes()
		defer zeroBytes(passBytes)

		if _, err := app.Vault.EnrollSlot(device, 0, rawKey, passBytes, types.PurposePrimary, currentUser()); err != nil {
			handleError(err)
		}
		if !registerOpts.noEscrow {
			if err := app.Escrow.Store(device, passBytes); err != nil {
				handleError(err)
			}
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage(fmt.Sprintf("registered %s as %q with slot 0", vol.Device, vol.Name))
	},
}

var deregisterOpts struct {
	purgeKeys bool
}

// deregisterCmd removes a decommissioned volume
var deregisterCmd = &cobra.Command{
	Use:   "deregister <device>",
	Short: "Remove a decommissioned volume from management",
	Long: `Remove a volume from the registry. Fails while key slots remain
unless --purge-keys explicitly destroys them first.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		device := args[0]
		if deregisterOpts.purgeKeys {
			if err := app.Vault.PurgeSlots(device); err != nil {
				handleError(err)
			}
		}
		if err := app.Registry.Deregister(device); err != nil {
			handleError(err)
		}
		// The passphrase must not outlive the volume it unlocked.
		if err := app.Escrow.Delete(device); err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage("deregistered " + device)
	},
}

// volumeKey reads the raw volume key from a file or generates a new one.
func volumeKey(file string) ([]byte, error) {
	if file != "" {
		key, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		if len(key) == 0 {
			return nil, fmt.Errorf("key file is empty")
		}
		return key, nil
	}
	key := make([]byte, 64)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate volume key: %w", err)
	}
	return key, nil
}

func currentUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

func init() {
	registerCmd.Flags().StringVar(&registerOpts.name, "name", "", "volume name")
	registerCmd.Flags().StringVar(&registerOpts.mapper, "mapper", "", "device mapper name (default dv-<name>)")
	registerCmd.Flags().StringVar(&registerOpts.mountPoint, "mount", "", "mount point")
	registerCmd.Flags().StringVar(&registerOpts.cipher, "cipher", "aes-xts-plain64", "cipher algorithm")
	registerCmd.Flags().IntVar(&registerOpts.keySize, "key-size", 512, "cipher key size in bits")
	registerCmd.Flags().StringVar(&registerOpts.hash, "hash", "sha256", "cipher spec hash")
	registerCmd.Flags().IntVar(&registerOpts.iterations, "iterations", 600000, "KDF iteration count")
	registerCmd.Flags().BoolVar(&registerOpts.autoUnlock, "auto-unlock", false, "unlock automatically at boot")
	registerCmd.Flags().BoolVar(&registerOpts.remoteUnlock, "remote-unlock", false, "eligible for remote unlock")
	registerCmd.Flags().StringVar(&registerOpts.keyFile, "key-file", "", "file containing the raw volume key")
	registerCmd.Flags().StringVar(&registerOpts.passphraseFile, "passphrase-file", "", "file containing the slot passphrase")
	registerCmd.Flags().BoolVar(&registerOpts.noEscrow, "no-escrow", false, "do not escrow the passphrase")
	_ = registerCmd.MarkFlagRequired("name")

	deregisterCmd.Flags().BoolVar(&deregisterOpts.purgeKeys, "purge-keys", false,
		"destroy all key slots before deregistering")
}
