// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command fieldsync-agent is a field agent's device: it records visits, orders and
// photos into a local queue and uploads them when the server is reachable.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mobiletoly/go-fieldsync/fieldqueue"
	"github.com/mobiletoly/go-fieldsync/internal/config"
	"github.com/mobiletoly/go-fieldsync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync-agent",
	Short: "Offline-first field agent",
	Long: `fieldsync-agent records check-ins, orders and shelf photos. Records are sent
right away when the server answers and queued in a local SQLite database otherwise.
Queued records are uploaded in dependency order once connectivity returns.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().String("server-url", "", "server base URL (overrides server_url)")
	rootCmd.PersistentFlags().String("db", "", "queue database path (overrides db_path)")

	rootCmd.AddCommand(visitCmd, orderCmd, photoCmd, syncCmd, statusCmd, retryCmd, runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// agent is an opened queue with its client.
type agent struct {
	cfg    *config.AgentConfig
	logger *slog.Logger
	store  *fieldqueue.Store
	client *fieldqueue.Client

	logCloser io.Closer
}

// openAgent loads settings, opens the queue and builds the client. Connectivity is
// checked once so that create commands can send directly.
func openAgent(ctx context.Context, probe bool) (*agent, error) {
	v, err := config.New(configFile, envFile)
	if err != nil {
		return nil, err
	}
	for key, flag := range map[string]string{"server_url": "server-url", "db_path": "db"} {
		if err := v.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Agent(v)
	if err != nil {
		return nil, err
	}
	logger, logCloser, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	store, err := fieldqueue.OpenFile(ctx, cfg.DBPath, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	client, err := fieldqueue.NewClient(store, fieldqueue.Config{
		ServerURL:   cfg.ServerURL,
		Token:       fieldqueue.StaticToken(cfg.Token),
		HTTPTimeout: cfg.HTTPTimeout,
		MaxAttempts: cfg.MaxAttempts,
		Monitor: fieldqueue.MonitorConfig{
			ProbeInterval: cfg.ProbeInterval,
			SettleDelay:   cfg.SettleDelay,
		},
		Sync: fieldqueue.OrchestratorConfig{
			SyncInterval: cfg.SyncInterval,
			Parallelism:  cfg.Parallelism,
			CleanupAfter: cfg.CleanupAfter,
		},
	}, logger)
	if err != nil {
		_ = store.Close()
		_ = logCloser.Close()
		return nil, err
	}

	a := &agent{cfg: cfg, logger: logger, store: store, client: client, logCloser: logCloser}
	if probe {
		// Start announces a reachable server without waiting for the settle delay
		client.Monitor.Start(ctx)
	}
	return a, nil
}

func (a *agent) Close() error {
	err := a.client.Close()
	err = errors.Join(err, a.store.Close())
	return errors.Join(err, a.logCloser.Close())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
