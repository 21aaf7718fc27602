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

// Package config loads and validates the diskvault YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-diskvault/pkg/bridge"
	"github.com/jeremyhahn/go-diskvault/pkg/keyvault/transit"
	"github.com/jeremyhahn/go-diskvault/pkg/rotation"
	"github.com/jeremyhahn/go-diskvault/pkg/types"
)

// Config is the top-level diskvault configuration.
type Config struct {
	// DataDir is the root directory for slot records, header backups,
	// escrowed passphrases and the audit trail.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// WaitForLock selects the unlock contention policy: block on the
	// per-volume lock when true, fail fast when false.
	WaitForLock bool `yaml:"wait_for_lock"`

	Sealer   SealerConfig   `yaml:"sealer"`
	Rotation RotationConfig `yaml:"rotation"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Admin    AdminConfig    `yaml:"admin"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// SealerConfig selects and configures the key sealing backend.
type SealerConfig struct {
	// Type is "software" or "transit".
	Type string `yaml:"type"`

	// KDFIterations is the PBKDF2 iteration count for the software sealer.
	KDFIterations int `yaml:"kdf_iterations"`

	// Transit configures the HashiCorp Vault Transit sealer.
	Transit transit.Config `yaml:"transit"`
}

// RotationConfig configures the rotation scheduler.
type RotationConfig struct {
	// EvalInterval is how often rotation policy is evaluated.
	EvalInterval time.Duration `yaml:"eval_interval"`

	// WindowHourUTC is the UTC hour the maintenance window opens.
	WindowHourUTC int `yaml:"window_hour_utc"`

	// WindowDuration is how long the maintenance window stays open.
	WindowDuration time.Duration `yaml:"window_duration"`

	// DefaultPolicy applies to volumes without an explicit policy.
	DefaultPolicy types.RotationPolicy `yaml:"default_policy"`
}

// BridgeConfig configures the remote unlock bridge.
type BridgeConfig struct {
	// Enabled starts the bridge listener when true.
	Enabled bool `yaml:"enabled"`

	// Listen is the bridge TCP listen address.
	Listen string `yaml:"listen"`

	// HostKeyFile is the path to the PEM-encoded SSH host key.
	HostKeyFile string `yaml:"host_key_file"`

	// SessionTimeout bounds a bridge session's total lifetime.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// AuthorizedKeys is the public key allow-list.
	AuthorizedKeys []bridge.KeyEntry `yaml:"authorized_keys"`
}

// AdminConfig configures the local admin and metrics HTTP endpoint.
type AdminConfig struct {
	// Enabled starts the admin listener when true.
	Enabled bool `yaml:"enabled"`

	// Listen is the admin HTTP listen address.
	Listen string `yaml:"listen"`
}

// NotifyConfig configures the notification sink.
type NotifyConfig struct {
	// WebhookURL, when set, delivers lifecycle events by HTTP POST.
	WebhookURL string `yaml:"webhook_url"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "/var/lib/diskvault",
		LogLevel:    "info",
		WaitForLock: true,
		Sealer: SealerConfig{
			Type:          "software",
			KDFIterations: 600000,
		},
		Rotation: RotationConfig{
			EvalInterval:   rotation.DefaultEvalInterval,
			WindowHourUTC:  rotation.DefaultWindowHour,
			WindowDuration: rotation.DefaultWindowDuration,
			DefaultPolicy: types.RotationPolicy{
				RotationIntervalDays: 90,
				WarningLeadDays:      7,
				MaxKeyAgeDays:        120,
				BackupBeforeRotate:   true,
				NotifyOnRotation:     true,
			},
		},
		Bridge: BridgeConfig{
			Listen:         ":2222",
			SessionTimeout: 300 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8443",
		},
	}
}

// Load reads and validates a configuration file. A missing path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot be honored.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}

	switch c.Sealer.Type {
	case "", "software":
	case "transit":
		if err := c.Sealer.Transit.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: unknown sealer type %q", c.Sealer.Type)
	}

	if err := rotation.ValidatePolicy(c.Rotation.DefaultPolicy); err != nil {
		return err
	}
	if c.Rotation.WindowHourUTC < 0 || c.Rotation.WindowHourUTC > 23 {
		return fmt.Errorf("config: window_hour_utc must be between 0 and 23")
	}

	if c.Bridge.Enabled {
		if c.Bridge.HostKeyFile == "" {
			return fmt.Errorf("config: bridge requires a host key file")
		}
		if len(c.Bridge.AuthorizedKeys) == 0 {
			return fmt.Errorf("config: bridge requires at least one authorized key")
		}
	}
	return nil
}
