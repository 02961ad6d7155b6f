// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server wires the fieldsync service into an HTTP handler. It is shared by
// cmd/fieldsync-server and the integration tests.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/mobiletoly/go-fieldsync/internal/config"
)

// Config holds what the server needs to start.
type Config struct {
	DatabaseURL    string
	MaxConns       int32
	JWTSecret      string
	GeofenceMeters float64
	StageTimings   bool
	LogRequests    bool
	Blob           config.BlobConfig
	Logger         *slog.Logger
	AppName        string
}

// FromSettings converts loaded settings into a Config.
func FromSettings(cfg *config.ServerConfig, logger *slog.Logger) *Config {
	return &Config{
		DatabaseURL:    cfg.DatabaseURL,
		MaxConns:       cfg.MaxConns,
		JWTSecret:      cfg.JWTSecret,
		GeofenceMeters: cfg.GeofenceMeters,
		StageTimings:   cfg.StageTimings,
		LogRequests:    cfg.Log.Level == "debug",
		Blob:           cfg.Blob,
		Logger:         logger,
	}
}

// Components holds the initialized server components.
type Components struct {
	Pool    *pgxpool.Pool
	Service *fieldsync.Service
	JWTAuth *fieldsync.JWTAuth
	Handler http.Handler
	Logger  *slog.Logger

	gcs *fieldsync.GCSBlobStore
}

// Setup connects to Postgres, initializes the schema and builds the HTTP handler.
func Setup(ctx context.Context, cfg *Config) (*Components, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT secret is required")
	}

	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c := &Components{Pool: pool, Logger: logger}

	serviceConfig := &fieldsync.ServiceConfig{
		AppName:                cfg.AppName,
		MaxVisitDistanceMeters: cfg.GeofenceMeters,
		LogStageTimings:        cfg.StageTimings,
	}
	if cfg.Blob.Backend == "gcs" {
		gcs, err := fieldsync.NewGCSBlobStore(ctx, fieldsync.GCSConfig{
			Bucket:          cfg.Blob.GCSBucket,
			Prefix:          cfg.Blob.GCSPrefix,
			CredentialsJSON: cfg.Blob.GCSCredentialsJSON,
		})
		if err != nil {
			pool.Close()
			return nil, err
		}
		c.gcs = gcs
		serviceConfig.BlobStore = gcs
		logger.Info("Photo content stored in GCS", "bucket", cfg.Blob.GCSBucket)
	}

	service, err := fieldsync.NewService(ctx, pool, serviceConfig, logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Service = service

	c.JWTAuth = fieldsync.NewJWTAuth(cfg.JWTSecret, logger)
	handlers := fieldsync.NewHTTPHandlers(service, c.JWTAuth, logger)

	mux := http.NewServeMux()
	handlers.Register(mux, c.JWTAuth.Middleware)
	c.Handler = LoggingMiddleware(cfg.LogRequests, mux, logger)
	return c, nil
}

func openPool(ctx context.Context, cfg *Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	if cfg.AppName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.AppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Close shuts down the server components and cleans up resources.
func (c *Components) Close() {
	if c.Service != nil {
		_ = c.Service.Close()
	}
	if c.gcs != nil {
		if err := c.gcs.Close(); err != nil {
			c.Logger.Warn("Failed to close GCS client", "error", err)
		}
	}
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// TestServer is a running in-process server.
type TestServer struct {
	*Components
	HTTPServer *httptest.Server
}

// NewTestServer starts the full handler on an httptest server.
func NewTestServer(ctx context.Context, cfg *Config) (*TestServer, error) {
	components, err := Setup(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &TestServer{
		Components: components,
		HTTPServer: httptest.NewServer(components.Handler),
	}, nil
}

// Close stops the HTTP server and releases the components.
func (ts *TestServer) Close() {
	if ts.HTTPServer != nil {
		ts.HTTPServer.Close()
	}
	ts.Components.Close()
}

// URL returns the base URL of the test server.
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// GenerateToken issues a token for userID on deviceID.
func (ts *TestServer) GenerateToken(userID, deviceID, role string, duration time.Duration) (string, error) {
	return ts.JWTAuth.GenerateToken(userID, deviceID, role, duration)
}

// LoggingMiddleware logs each request with its status and duration when enabled.
func LoggingMiddleware(enabled bool, next http.Handler, logger *slog.Logger) http.Handler {
	if !enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes", wrapped.bytes,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

// statusRecorder captures the status code and body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(data []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(data)
	rw.bytes += n
	return n, err
}
