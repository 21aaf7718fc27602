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
	"fmt"
	"path/filepath"

	"github.com/jeremyhahn/go-diskvault/internal/config"
	"github.com/jeremyhahn/go-diskvault/pkg/audit"
	"github.com/jeremyhahn/go-diskvault/pkg/headerbackup"
	"github.com/jeremyhahn/go-diskvault/pkg/health"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault/transit"
	"github.com/jeremyhahn/go-diskvault/pkg/logging"
	"github.com/jeremyhahn/go-diskvault/pkg/notify"
	"github.com/jeremyhahn/go-diskvault/pkg/registry"
	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
	"github.com/jeremyhahn/go-diskvault/pkg/storage"
	"github.com/jeremyhahn/go-diskvault/pkg/storage/file"
	"github.com/jeremyhahn/go-diskvault/pkg/unlock"
)

// App holds the wired component graph shared by all commands.
type App struct {
	Config    *config.Config
	Logger    *logging.Logger
	Backend   storage.Backend
	Registry  *registry.Registry
	Vault     *keyvault.Vault
	Engine    *unlock.Engine
	Backups   *headerbackup.Manager
	Escrow    rotation.Escrow
	Notifier  notify.Notifier
	Auditor   audit.Adapter
	Scheduler *rotation.Scheduler
}

// buildApp constructs the component graph from the effective configuration.
func buildApp() (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger(globalOpts.Verbose || cfg.LogLevel == "debug")

	backend, err := file.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := reg.SetStore(backend); err != nil {
		return nil, err
	}

	sealer, err := buildSealer(cfg)
	if err != nil {
		return nil, err
	}

	vault, err := keyvault.New(reg, sealer, backend, logger)
	if err != nil {
		return nil, err
	}

	ephemeral, err := keyvault.NewEphemeralStore(filepath.Join(cfg.DataDir, "ephemeral"))
	if err != nil {
		return nil, err
	}
	if err := ephemeral.Sweep(); err != nil {
		logger.Warnf("ephemeral key sweep failed: %v", err)
	}

	engine, err := unlock.New(reg, vault,
		unlock.NewCryptsetupMapper(ephemeral),
		unlock.NewSystemMounter(),
		cfg.WaitForLock, logger)
	if err != nil {
		return nil, err
	}
	if err := engine.Reconcile(); err != nil {
		return nil, err
	}

	backups := headerbackup.New(reg, headerbackup.NewCryptsetupHeaderSource(), backend, logger)

	credential, err := rotation.LoadMachineCredential(filepath.Join(cfg.DataDir, "escrow.key"))
	if err != nil {
		return nil, err
	}
	escrow := rotation.NewStorageEscrow(backend, sealer, credential)

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier, err = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger)
		if err != nil {
			return nil, err
		}
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	auditor, err := audit.NewFileAudit(filepath.Join(cfg.DataDir, "audit", "events.jsonl"))
	if err != nil {
		return nil, err
	}

	scheduler, err := rotation.New(reg, vault, engine, backups, escrow, notifier, auditor, logger,
		rotation.WithEvalInterval(cfg.Rotation.EvalInterval),
		rotation.WithWindow(rotation.Window{
			Hour:     cfg.Rotation.WindowHourUTC,
			Duration: cfg.Rotation.WindowDuration,
		}),
		rotation.WithDefaultPolicy(cfg.Rotation.DefaultPolicy))
	if err != nil {
		return nil, err
	}

	return &App{
		Config:    cfg,
		Logger:    logger,
		Backend:   backend,
		Registry:  reg,
		Vault:     vault,
		Engine:    engine,
		Backups:   backups,
		Escrow:    escrow,
		Notifier:  notifier,
		Auditor:   auditor,
		Scheduler: scheduler,
	}, nil
}

func buildSealer(cfg *config.Config) (keyvault.Sealer, error) {
	switch cfg.Sealer.Type {
	case "", "software":
		return keyvault.NewDefaultSealer(cfg.Sealer.KDFIterations)
	case "transit":
		return transit.NewSealer(&cfg.Sealer.Transit)
	default:
		return nil, fmt.Errorf("unknown sealer type %q", cfg.Sealer.Type)
	}
}

// healthChecker builds the admin endpoint's health checker: a storage
// probe against the backing store plus a scheduler liveness check.
func (a *App) healthChecker() *health.Checker {
	checker := health.NewChecker()
	checker.RegisterCheck("storage", func(ctx context.Context) health.CheckResult {
		if _, err := a.Backend.Exists("volumes/"); err != nil {
			return health.Unhealthy(err)
		}
		return health.Healthy("backend reachable")
	})
	checker.RegisterCheck("scheduler", func(ctx context.Context) health.CheckResult {
		if a.Scheduler == nil {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: "rotation scheduler not running",
			}
		}
		return health.Healthy("running")
	})
	return checker
}

// Close releases the app's resources.
func (a *App) Close() {
	if err := a.Backend.Close(); err != nil {
		a.Logger.Warnf("storage close failed: %v", err)
	}
}
