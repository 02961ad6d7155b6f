// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package fieldsync implements the server side of field-agent synchronization: idempotent
// reconciliation of offline-originated visits, orders and photos, plus the direct (online)
// creation paths that share the same validation.
package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Service provides reconciliation and creation of field data.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig
	blobs  BlobStore

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the service
type ServiceConfig struct {
	AppName string // Application name for connection tracking

	MaxVisitDistanceMeters float64 // Geofence radius (0 = 100m)
	MaxPhotosPerVisit      int     // 0 = 3
	MaxPhotoBytes          int64   // 0 = 5 MB
	ThumbnailSize          int     // Longest thumbnail edge in pixels (0 = 320)

	TxRetryAttempts int           // Retries on serialization failures (0 = 3)
	TxRetryBackoff  time.Duration // Base backoff between retries (0 = 25ms)

	BlobStore BlobStore // Where photo bytes live (nil = inline in Postgres)

	StageMetrics    StageMetricsRecorder // Optional stage timing sink
	LogStageTimings bool                 // Log stage timings at debug level
}

func (c *ServiceConfig) withDefaults() *ServiceConfig {
	out := *c
	if out.AppName == "" {
		out.AppName = "fieldsync"
	}
	if out.MaxVisitDistanceMeters <= 0 {
		out.MaxVisitDistanceMeters = DefaultMaxVisitDistanceMeters
	}
	if out.MaxPhotosPerVisit <= 0 {
		out.MaxPhotosPerVisit = DefaultMaxPhotosPerVisit
	}
	if out.MaxPhotoBytes <= 0 {
		out.MaxPhotoBytes = DefaultMaxPhotoBytes
	}
	if out.ThumbnailSize <= 0 {
		out.ThumbnailSize = DefaultThumbnailSize
	}
	if out.TxRetryAttempts <= 0 {
		out.TxRetryAttempts = 3
	}
	if out.TxRetryBackoff <= 0 {
		out.TxRetryBackoff = 25 * time.Millisecond
	}
	return &out
}

// NewService creates the service from an existing pool and makes sure the schema exists.
// The caller owns the pool lifecycle.
func NewService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if config == nil {
		config = &ServiceConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := config.withDefaults()

	blobs := cfg.BlobStore
	if blobs == nil {
		blobs = InlineBlobStore{}
	}

	s := &Service{
		pool:   pool,
		logger: logger,
		config: cfg,
		blobs:  blobs,
	}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		logger.Error("Failed to initialize database schema", "error", err)
		return nil, fmt.Errorf("failed to initialize fieldsync service: %w", err)
	}
	logger.Debug("Database schema initialized successfully", "app", cfg.AppName)

	return s, nil
}

// Close marks the service closed. It does NOT close the pool.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("fieldsync service shutdown complete")
	return nil
}

// Pool returns the underlying database connection pool
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// Config returns the effective configuration.
func (s *Service) Config() ServiceConfig {
	return *s.config
}

// checkClosed returns an error if the service has been closed
func (s *Service) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("fieldsync service has been closed")
	}
	return nil
}

// Ping checks database reachability for the health endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return s.pool.Ping(ctx)
}
