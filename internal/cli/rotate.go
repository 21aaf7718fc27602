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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
)

var rotateOpts struct {
	slot     int
	actor    string
	approver string
}

// rotateCmd is the parent of the rotation subcommands
var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate key slots and manage pending rotations",
}

// rotateNowCmd executes an immediate rotation
var rotateNowCmd = &cobra.Command{
	Use:   "now <device>",
	Short: "Rotate a key slot immediately",
	Long: `Rotate the given key slot right away: back up the header, enroll a
replacement slot with a freshly generated passphrase, verify it, then
remove the old slot. With dual approval configured the rotation is queued
instead and its request ID printed.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		actor := rotateOpts.actor
		if actor == "" {
			actor = currentUser()
		}

		req, err := app.Scheduler.RotateNow(context.Background(), args[0], rotateOpts.slot, actor)
		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		if errors.Is(err, rotation.ErrApprovalRequired) {
			_ = printer.PrintMessage(fmt.Sprintf(
				"rotation queued pending approval, request id %s", req.ID))
			return
		}
		if err != nil {
			handleError(err)
		}
		_ = printer.PrintMessage(fmt.Sprintf("rotated %s slot %d", args[0], rotateOpts.slot))
	},
}

// rotatePendingCmd lists rotations queued on the running agent
var rotatePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List rotations awaiting their window or approval",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			handleError(err)
		}

		var pending []*rotation.PendingRotation
		if err := adminGet(cfg.Admin.Listen, "/api/v1/rotations/pending", &pending); err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintPendingRotations(pending)
	},
}

// rotateApproveCmd records a second approval on the running agent
var rotateApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a pending rotation",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			handleError(err)
		}

		approver := rotateOpts.approver
		if approver == "" {
			approver = currentUser()
		}

		path := "/api/v1/rotations/" + args[0] + "/approve"
		if err := adminPost(cfg.Admin.Listen, path, map[string]string{"approver": approver}); err != nil {
			handleError(err)
		}

		printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
		_ = printer.PrintMessage("approved rotation " + args[0])
	},
}

func adminClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func adminGet(addr, path string, out interface{}) error {
	resp, err := adminClient().Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adminError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func adminPost(addr, path string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := adminClient().Post("http://"+addr+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("agent not reachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return adminError(resp)
	}
	return nil
}

func adminError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return errors.New(body.Error)
	}
	return fmt.Errorf("agent returned status %d", resp.StatusCode)
}

func init() {
	rotateNowCmd.Flags().IntVar(&rotateOpts.slot, "slot", 0, "key slot to rotate out")
	rotateNowCmd.Flags().StringVar(&rotateOpts.actor, "actor", "", "operator name (default current user)")
	rotateApproveCmd.Flags().StringVar(&rotateOpts.approver, "approver", "", "approver name (default current user)")

	rotateCmd.AddCommand(rotateNowCmd)
	rotateCmd.AddCommand(rotatePendingCmd)
	rotateCmd.AddCommand(rotateApproveCmd)
}
