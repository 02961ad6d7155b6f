// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
	"github.com/mobiletoly/go-fieldsync/internal/server"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closer, err := loadSettings()
		if err != nil {
			return err
		}
		defer closer.Close()

		serverConfig := server.FromSettings(cfg, logger)
		// Schema setup does not sign tokens
		if serverConfig.JWTSecret == "" {
			serverConfig.JWTSecret = "migrate"
		}
		components, err := server.Setup(cmd.Context(), serverConfig)
		if err != nil {
			return err
		}
		components.Close()
		logger.Info("Schema is up to date")
		return nil
	},
}

var (
	storeID     string
	storeName   string
	storeLat    float64
	storeLon    float64
	assignUsers []string
)

var seedStoreCmd = &cobra.Command{
	Use:   "seed-store",
	Short: "Create or update a store and assign agents to it",
	Long: `Create or update a store. With --lat and --lon the store gets a geofence;
--assign may be repeated to assign agents by user id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if storeName == "" {
			return errors.New("--name is required")
		}
		cfg, logger, closer, err := loadSettings()
		if err != nil {
			return err
		}
		defer closer.Close()

		serverConfig := server.FromSettings(cfg, logger)
		if serverConfig.JWTSecret == "" {
			serverConfig.JWTSecret = "seed"
		}
		components, err := server.Setup(cmd.Context(), serverConfig)
		if err != nil {
			return err
		}
		defer components.Close()

		req := &fieldsync.StoreRequest{ID: storeID, Name: storeName}
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			req.Latitude, req.Longitude = &storeLat, &storeLon
		}
		store, err := components.Service.UpsertStore(cmd.Context(), req)
		if err != nil {
			return err
		}
		for _, userID := range assignUsers {
			if err := components.Service.AssignStore(cmd.Context(), userID, store.ID); err != nil {
				return fmt.Errorf("assign %s: %w", userID, err)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(store)
	},
}

var (
	tokenUser   string
	tokenDevice string
	tokenRole   string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for an agent device",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUser == "" || tokenDevice == "" {
			return errors.New("--user and --device are required")
		}
		switch tokenRole {
		case auth.RoleRepartidor, auth.RoleAdmin:
		default:
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		cfg, logger, closer, err := loadSettings()
		if err != nil {
			return err
		}
		defer closer.Close()
		if cfg.JWTSecret == "" {
			return errors.New("jwt_secret is required (set FIELDSYNC_JWT_SECRET)")
		}

		token, err := fieldsync.NewJWTAuth(cfg.JWTSecret, logger).GenerateToken(tokenUser, tokenDevice, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	seedStoreCmd.Flags().StringVar(&storeID, "id", "", "store id (uuid); generated when empty")
	seedStoreCmd.Flags().StringVar(&storeName, "name", "", "store name")
	seedStoreCmd.Flags().Float64Var(&storeLat, "lat", 0, "store latitude")
	seedStoreCmd.Flags().Float64Var(&storeLon, "lon", 0, "store longitude")
	seedStoreCmd.Flags().StringArrayVar(&assignUsers, "assign", nil, "user id to assign (repeatable)")

	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id")
	tokenCmd.Flags().StringVar(&tokenDevice, "device", "", "device id")
	tokenCmd.Flags().StringVar(&tokenRole, "role", auth.RoleRepartidor, "REPARTIDOR or ADMIN")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
}
