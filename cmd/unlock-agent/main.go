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

// The unlock-agent is the minimal pre-boot binary that runs from the
// initramfs: it attempts auto-unlock of eligible volumes from escrowed
// passphrases, then serves the remote unlock bridge until an operator
// unlocks the remaining volumes.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jeremyhahn/go-diskvault/internal/config"
	"github.com/jeremyhahn/go-diskvault/pkg/audit"
	"github.com/jeremyhahn/go-diskvault/pkg/bridge"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
	"github.com/jeremyhahn/go-diskvault/pkg/storage/file"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
	"github.com/jeremyhahn/go-diskvault/pkg/unlock"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "/etc/diskvault/config.yaml", "Path to configuration file")
	listen := flag.String("listen", "", "Override the bridge listen address")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("diskvault unlock-agent %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if envConfig := os.Getenv("DISKVAULT_CONFIG"); envConfig != "" {
		*configPath = envConfig
	}

	if err := run(*configPath, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenOverride string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.LogLevel == "debug")

	backend, err := file.New(cfg.DataDir)
	if err != nil {
		return err
	}
	defer backend.Close()

	reg := registry.New()
	if err := reg.SetStore(backend); err != nil {
		return err
	}

	sealer, err := keyvault.NewDefaultSealer(cfg.Sealer.KDFIterations)
	if err != nil {
		return err
	}
	vault, err := keyvault.New(reg, sealer, backend, logger)
	if err != nil {
		return err
	}

	ephemeral, err := keyvault.NewEphemeralStore(filepath.Join(cfg.DataDir, "ephemeral"))
	if err != nil {
		return err
	}
	if err := ephemeral.Sweep(); err != nil {
		logger.Warnf("ephemeral key sweep failed: %v", err)
	}

	engine, err := unlock.New(reg, vault,
		unlock.NewCryptsetupMapper(ephemeral),
		unlock.NewSystemMounter(),
		cfg.WaitForLock, logger)
	if err != nil {
		return err
	}

	// Volume records carry the state from before the reboot; reset
	// anything the device mapper does not confirm.
	if err := engine.Reconcile(); err != nil {
		return err
	}

	buffer := audit.NewPrebootBuffer()

	credential, err := rotation.LoadMachineCredential(filepath.Join(cfg.DataDir, "escrow.key"))
	if err != nil {
		return err
	}
	escrow := rotation.NewStorageEscrow(backend, sealer, credential)

	autoUnlock(reg, engine, escrow, logger)

	if allUnlocked(reg) {
		logger.Info("all volumes unlocked, bridge not needed")
		return flushBuffer(cfg, buffer, logger)
	}

	addr := cfg.Bridge.Listen
	if listenOverride != "" {
		addr = listenOverride
	}
	hostKey, err := os.ReadFile(cfg.Bridge.HostKeyFile)
	if err != nil {
		return err
	}

	srv, err := bridge.New(&bridge.Config{
		ListenAddr:     addr,
		HostKeyPEM:     hostKey,
		AuthorizedKeys: cfg.Bridge.AuthorizedKeys,
		SessionTimeout: cfg.Bridge.SessionTimeout,
	}, reg, engine, buffer, durableAudit(cfg, logger), logger)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx, listener)
}

// autoUnlock opens every auto-unlock volume whose passphrase is escrowed.
func autoUnlock(reg *registry.Registry, engine *unlock.Engine, escrow rotation.Escrow, logger *logging.Logger) {
	for _, vol := range reg.List() {
		if !vol.AutoUnlock || vol.State != types.StateLocked {
			continue
		}
		pass, err := escrow.Passphrase(vol.Device)
		if err != nil {
			logger.Warnf("auto-unlock skipped for %s: %v", vol.Device, err)
			continue
		}
		if err := engine.Unlock(vol.Device, pass); err != nil {
			logger.Errorf("auto-unlock failed for %s: %v", vol.Device, err)
			continue
		}
		if vol.MountPoint != "" {
			if err := engine.Mount(vol.Device); err != nil {
				logger.Errorf("auto-mount failed for %s: %v", vol.Device, err)
			}
		}
		for i := range pass {
			pass[i] = 0
		}
	}
}

func allUnlocked(reg *registry.Registry) bool {
	for _, vol := range reg.List() {
		if vol.State == types.StateLocked {
			return false
		}
	}
	return true
}

// durableAudit returns a factory that opens the durable audit store once
// the data directory is writable.
func durableAudit(cfg *config.Config, logger *logging.Logger) func() audit.Adapter {
	return func() audit.Adapter {
		adapter, err := audit.NewFileAudit(filepath.Join(cfg.DataDir, "audit", "events.jsonl"))
		if err != nil {
			logger.Warnf("durable audit store unavailable: %v", err)
			return nil
		}
		return adapter
	}
}

func flushBuffer(cfg *config.Config, buffer *audit.PrebootBuffer, logger *logging.Logger) error {
	adapter := durableAudit(cfg, logger)()
	if adapter == nil {
		return nil
	}
	return buffer.Flush(context.Background(), adapter)
}
