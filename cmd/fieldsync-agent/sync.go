// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/mobiletoly/go-fieldsync/fieldqueue"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Upload queued records once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openAgent(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.client.Orchestrator.SyncNow(cmd.Context())
		if err != nil && !errors.Is(err, fieldqueue.ErrAlreadySyncing) {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Offline {
			return errors.New("server is not reachable; records stay queued")
		}
		return nil
	},
}

type statusReport struct {
	Counts map[fieldqueue.Kind]fieldqueue.KindCounts `json:"counts"`
	Failed []fieldqueue.PendingOperation             `json:"failed,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued and failed records",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openAgent(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.store.Counts(cmd.Context())
		if err != nil {
			return err
		}
		failed, err := a.store.ListFailed(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(statusReport{Counts: counts, Failed: failed})
	},
}

var retryAll bool

var retryCmd = &cobra.Command{
	Use:   "retry [offline-id...]",
	Short: "Return failed records to the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !retryAll && len(args) == 0 {
			return errors.New("give offline ids or --all")
		}
		a, err := openAgent(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		if retryAll {
			n, err := a.store.RetryAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d record(s) queued again\n", n)
			return nil
		}
		for _, id := range args {
			if err := a.store.Retry(cmd.Context(), id); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
		}
		fmt.Printf("%d record(s) queued again\n", len(args))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Keep syncing in the background until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openAgent(ctx, false)
		if err != nil {
			return err
		}
		defer a.Close()

		a.client.Orchestrator.OnResult(func(res *fieldqueue.Result) {
			if res.Offline || res.AlreadySyncing {
				return
			}
			a.logger.Info("Sync pass finished",
				"trigger", res.Trigger,
				"synced", res.Synced(),
				"failed", res.Failed(),
				"duration", res.FinishedAt.Sub(res.StartedAt))
			for _, e := range res.Errors {
				a.logger.Warn("Upload failed", "offline_id", e.OfflineID, "kind", e.Kind, "status", e.Status, "code", e.Code, "error", e.Message)
			}
		})
		a.client.Monitor.Subscribe(func(online bool) {
			a.logger.Info("Connectivity changed", "online", online)
		})

		if err := a.client.Start(ctx); err != nil {
			return err
		}
		a.logger.Info("Agent running", "server", a.cfg.ServerURL, "queue", a.cfg.DBPath, "interval", a.cfg.SyncInterval)
		<-ctx.Done()
		a.logger.Info("Agent stopping")
		return nil
	},
}

func init() {
	retryCmd.Flags().BoolVar(&retryAll, "all", false, "retry every failed record")
}
