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
	"os"

	"github.com/spf13/cobra"
)

var unlockOpts struct {
	passphraseFile string
	mount          bool
}

// unlockCmd opens an encrypted volume
var unlockCmd = &cobra.Command{
	Use:   "unlock <device>",
	Short: "Unlock an encrypted volume",
	Long: `Unlock an encrypted volume by resolving a key slot with the given
passphrase. Unlocking an already-unlocked volume is a no-op.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		device := args[0]
		pass, err := readPassphrase(unlockOpts.passphraseFile, "Passphrase: ")
		if err != nil {
			handleError(err)
		}
		defer pass.Clear()

		passBytes := pass.Bytes()
		defer zeroBytes(passBytes)

		if err := app.Engine.Unlock(device, passBytes); err != nil {
			handleError(err)
		}
		if unlockOpts.mount {
			if err := app.Engine.Mount(device); err != nil {
				handleError(err)
			}
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage("unlocked " + device)
	},
}

func init() {
	unlockCmd.Flags().StringVar(&unlockOpts.passphraseFile, "passphrase-file", "",
		"file containing the passphrase")
	unlockCmd.Flags().BoolVar(&unlockOpts.mount, "mount", false,
		"mount the filesystem after unlocking")
}
