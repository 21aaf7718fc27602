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

	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

var statusOpts struct {
	slots bool
}

// statusCmd shows registered volumes and their states
var statusCmd = &cobra.Command{
	Use:   "status [device]",
	Short: "Show volume states and key slots",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)

		if len(args) == 1 {
			vol, err := app.Registry.Lookup(args[0])
			if err != nil {
				handleError(err)
			}
			if err := printer.PrintVolumes([]types.EncryptedVolume{*vol}); err != nil {
				handleError(err)
			}
			if statusOpts.slots {
				slots, err := app.Vault.Slots(args[0])
				if err != nil {
					handleError(err)
				}
				_ = printer.PrintSlots(slots)
			}
			return
		}

		_ = printer.PrintVolumes(app.Registry.List())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusOpts.slots, "slots", false,
		"include key slot details")
}
