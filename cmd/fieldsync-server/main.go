// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command fieldsync-server runs the reconciliation API for field agents.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mobiletoly/go-fieldsync/internal/config"
	"github.com/mobiletoly/go-fieldsync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync-server",
	Short: "Reconciliation API for offline field agents",
	Long: `fieldsync-server accepts visits, orders and photos uploaded by field agents,
deduplicates replays by offline id and enforces the store geofence.

Settings come from defaults, --config, the .env file and FIELDSYNC_* variables.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd, migrateCmd, seedStoreCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadSettings reads the server settings and builds the logger they describe.
func loadSettings() (*config.ServerConfig, *slog.Logger, io.Closer, error) {
	v, err := config.New(configFile, envFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := v.BindPFlag("addr", serveCmd.Flags().Lookup("addr")); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Server(v)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("configure logging: %w", err)
	}
	return cfg, logger, closer, nil
}
