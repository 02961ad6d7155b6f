// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-fieldsync/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := loadSettings()
		if err != nil {
			return err
		}
		defer closer.Close()

		if cfg.JWTSecret == "" {
			return errors.New("jwt_secret is required (set FIELDSYNC_JWT_SECRET)")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		serverConfig := server.FromSettings(cfg, logger)
		serverConfig.AppName = "fieldsync-server"
		components, err := server.Setup(ctx, serverConfig)
		if err != nil {
			return err
		}
		defer components.Close()

		// Photo uploads can be several megabytes over slow links
		httpServer := &http.Server{
			Addr:         cfg.Addr,
			Handler:      components.Handler,
			ReadTimeout:  120 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Starting fieldsync server", "addr", httpServer.Addr, "blob_backend", cfg.Blob.Backend)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		logger.Info("Server exited")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides addr)")
}
