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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// backupCmd is the parent of the header backup subcommands
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Manage volume header backups",
}

// backupCreateCmd captures a new header backup
var backupCreateCmd = &cobra.Command{
	Use:   "create <device>",
	Short: "Capture a header backup",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		backup, err := app.Backups.Backup(args[0])
		if err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage(fmt.Sprintf("created header backup %s", backup.ID))
	},
}

// backupListCmd lists a volume's header backups
var backupListCmd = &cobra.Command{
	Use:   "list <device>",
	Short: "List header backups for a volume",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		backups, err := app.Backups.List(args[0])
		if err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintBackups(backups)
	},
}

var restoreOpts struct {
	confirm bool
}

// restoreCmd restores a header backup onto a device
var restoreCmd = &cobra.Command{
	Use:   "restore <device> <backup-id>",
	Short: "Restore a header backup onto a device",
	Long: `Restore a previously captured header backup. This overwrites the
device's current header and is refused without --confirm.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		if err := app.Backups.Restore(args[0], args[1], restoreOpts.confirm); err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage(fmt.Sprintf("restored backup %s onto %s", args[1], args[0]))
	},
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)

	restoreCmd.Flags().BoolVar(&restoreOpts.confirm, "confirm", false,
		"confirm the destructive header restore")
}
