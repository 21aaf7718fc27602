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

var lockOpts struct {
	unmount bool
	force   bool
}

// lockCmd closes an encrypted volume
var lockCmd = &cobra.Command{
	Use:   "lock <device>",
	Short: "Lock an encrypted volume",
	Long: `Lock an unlocked volume. The volume must be unmounted first, or
--unmount must be given. Locking an already-locked volume is a no-op.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		device := args[0]
		if lockOpts.unmount {
			if err := app.Engine.Unmount(device, lockOpts.force); err != nil {
				handleError(err)
			}
		}
		if err := app.Engine.Lock(device); err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage("locked " + device)
	},
}

func init() {
	lockCmd.Flags().BoolVar(&lockOpts.unmount, "unmount", false,
		"unmount the filesystem before locking")
	lockCmd.Flags().BoolVar(&lockOpts.force, "force", false,
		"force unmount even with open file handles")
}
