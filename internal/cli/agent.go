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
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-diskvault/internal/server"
	"github.com/jeremyhahn/go-diskvault/pkg/audit"
	"github.com/jeremyhahn/go-diskvault/pkg/bridge"
)

// agentCmd runs the long-lived diskvault agent
var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the diskvault agent",
	Long: `Run the long-lived agent: the rotation scheduler, the local admin
and metrics endpoint, and, when enabled, the remote unlock bridge.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp()
		if err != nil {
			handleError(err)
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		go app.Scheduler.Run(ctx)

		if app.Config.Bridge.Enabled {
			if err := runBridge(ctx, app); err != nil {
				handleError(err)
			}
		}

		if app.Config.Admin.Enabled {
			admin := server.New(app.Config.Admin.Listen, app.Registry, app.Scheduler, app.healthChecker(), app.Logger)
			if err := admin.Run(ctx); err != nil {
				handleError(err)
			}
			return
		}

		<-ctx.Done()
	},
}

// runBridge starts the remote unlock bridge listener in the background.
func runBridge(ctx context.Context, app *App) error {
	hostKey, err := os.ReadFile(app.Config.Bridge.HostKeyFile)
	if err != nil {
		return err
	}

	buffer := audit.NewPrebootBuffer()
	srv, err := bridge.New(&bridge.Config{
		ListenAddr:     app.Config.Bridge.Listen,
		HostKeyPEM:     hostKey,
		AuthorizedKeys: app.Config.Bridge.AuthorizedKeys,
		SessionTimeout: app.Config.Bridge.SessionTimeout,
	}, app.Registry, app.Engine, buffer,
		func() audit.Adapter { return app.Auditor },
		app.Logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", app.Config.Bridge.Listen)
	if err != nil {
		return err
	}

	go func() {
		if err := srv.Serve(ctx, listener); err != nil {
			app.Logger.Errorf("bridge stopped: %v", err)
		}
	}()
	return nil
}
