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
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-diskvault/internal/config"
)

// GlobalOptions holds flags shared by all commands.
type GlobalOptions struct {
	ConfigFile   string
	DataDir      string
	OutputFormat string
	Verbose      bool
}

var globalOpts = &GlobalOptions{}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "diskvault",
	Short: "diskvault - disk encryption key lifecycle manager",
	Long: `diskvault manages the key lifecycle of full-disk-encrypted volumes:
volume registration, sealed key slots, unlock and lock transitions,
scheduled key rotation, header backups, and pre-boot remote unlock.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initEnv)

	rootCmd.PersistentFlags().StringVarP(&globalOpts.ConfigFile, "config", "c", "",
		"config file (default is /etc/diskvault/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&globalOpts.DataDir, "data-dir", "",
		"override the configured data directory")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.OutputFormat, "output", "o", "text",
		"output format (text, json)")
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.Verbose, "verbose", "v", false,
		"verbose output")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(deregisterCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(versionCmd)
}

// initEnv binds DISKVAULT_* environment variables so deployments can
// override the config file location and data directory without flags.
func initEnv() {
	viper.SetEnvPrefix("DISKVAULT")
	viper.AutomaticEnv()

	if globalOpts.ConfigFile == "" {
		if env := viper.GetString("config"); env != "" {
			globalOpts.ConfigFile = env
		} else {
			globalOpts.ConfigFile = "/etc/diskvault/config.yaml"
		}
	}
	if globalOpts.DataDir == "" {
		globalOpts.DataDir = viper.GetString("data_dir")
	}
}

// loadConfig loads the effective configuration with flag and environment
// overrides applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalOpts.ConfigFile)
	if err != nil {
		return nil, err
	}
	if globalOpts.DataDir != "" {
		cfg.DataDir = globalOpts.DataDir
	}
	return cfg, nil
}

// handleError prints an error and exits with code 1
func handleError(err error) {
	printer := NewPrinter(globalOpts.OutputFormat, os.Stderr)
	_ = printer.PrintError(err)
	os.Exit(1)
}
