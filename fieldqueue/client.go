// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Config assembles a device client.
type Config struct {
	ServerURL   string
	Token       func(context.Context) (string, error)
	HTTPTimeout time.Duration // Default 30s
	MaxAttempts int
	Monitor     MonitorConfig
	Sync        OrchestratorConfig
	// Probe overrides the default GET /health probe.
	Probe Probe
}

// Client wires the queue, the adapters, the network monitor and the orchestrator together.
type Client struct {
	Store        *Store
	Transport    *Transport
	Monitor      *NetworkMonitor
	Visits       *VisitAdapter
	Orders       *OrderAdapter
	Photos       *PhotoAdapter
	Orchestrator *Orchestrator

	logger *slog.Logger
}

// NewClient builds a client on an opened store. Nothing runs until Start.
func NewClient(store *Store, cfg Config, logger *slog.Logger) (*Client, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	transport := NewTransport(cfg.ServerURL, cfg.Token, httpClient)
	probe := cfg.Probe
	if probe == nil {
		probe = HTTPProbe(httpClient, transport.BaseURL+"/health")
	}
	monitor := NewNetworkMonitor(probe, cfg.Monitor, logger.With("component", "network"))

	opts := AdapterOptions{Online: monitor, MaxAttempts: cfg.MaxAttempts, Logger: logger}
	c := &Client{
		Store:     store,
		Transport: transport,
		Monitor:   monitor,
		Visits:    NewVisitAdapter(store, transport, opts),
		Orders:    NewOrderAdapter(store, transport, opts),
		Photos:    NewPhotoAdapter(store, transport, opts),
		logger:    logger,
	}
	c.Orchestrator = NewOrchestrator(store, c.Adapters(), monitor, cfg.Sync, logger.With("component", "sync"))
	return c, nil
}

// Adapters returns the adapters in dependency order.
func (c *Client) Adapters() []Adapter {
	return []Adapter{c.Visits, c.Orders, c.Photos}
}

// Start begins connectivity polling and automatic syncing.
func (c *Client) Start(ctx context.Context) error {
	if err := c.Orchestrator.Start(ctx); err != nil {
		return err
	}
	c.Monitor.Start(ctx)
	return nil
}

// Close stops background work. The store stays open; its owner closes it.
func (c *Client) Close() error {
	c.Monitor.Stop()
	return c.Orchestrator.Close()
}
