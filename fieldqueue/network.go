// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldqueue

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

// Probe reports whether the server is reachable right now.
type Probe interface {
	Check(ctx context.Context) bool
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) bool

func (f ProbeFunc) Check(ctx context.Context) bool { return f(ctx) }

// HTTPProbe is up when GET url answers with a non-5xx status.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return ProbeFunc(func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode < http.StatusInternalServerError
	})
}

// DialProbe is up when a TCP connection to address can be opened.
func DialProbe(address string) Probe {
	return ProbeFunc(func(ctx context.Context) bool {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	})
}

// MonitorConfig tunes the NetworkMonitor.
type MonitorConfig struct {
	ProbeInterval time.Duration // Default 5s
	ProbeTimeout  time.Duration // Default 3s
	SettleDelay   time.Duration // Default 2s; wait before announcing a reconnect
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	return c
}

type subscriber struct {
	id int
	fn func(online bool)
}

// NetworkMonitor tracks connectivity. Going offline is announced immediately; coming back is
// announced only if the connection is still up after SettleDelay.
type NetworkMonitor struct {
	probe  Probe
	config MonitorConfig
	logger *slog.Logger

	mu        sync.Mutex
	online    bool
	pushed    bool
	subs      []subscriber
	nextSubID int
	settling  *time.Timer
	settleGen uint64

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// NewNetworkMonitor creates a monitor that starts out offline. With a nil probe the monitor
// only follows SetOnline.
func NewNetworkMonitor(probe Probe, config MonitorConfig, logger *slog.Logger) *NetworkMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkMonitor{
		probe:  probe,
		config: config.withDefaults(),
		logger: logger,
		ctx:    context.Background(),
	}
}

// Online returns the last announced state.
func (m *NetworkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for state changes and returns a function that unregisters it.
func (m *NetworkMonitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subs = append(m.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.subs {
				if s.id == id {
					m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Start probes once and then keeps polling until Stop or ctx is done. A reachable server at
// start is announced without waiting for the settle delay.
func (m *NetworkMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.mu.Unlock()

	if m.check(m.ctx) {
		m.announce(true)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx)
	}()
}

// Stop ends polling and drops any pending reconnect announcement.
func (m *NetworkMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.cancelSettleLocked()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

// SetOnline feeds a connectivity change pushed by the platform. It follows the same rules as a
// probe result.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	m.pushed = online
	m.mu.Unlock()
	m.report(online)
}

// CheckNow probes immediately and returns the probe result.
func (m *NetworkMonitor) CheckNow(ctx context.Context) bool {
	up := m.check(ctx)
	m.report(up)
	return up
}

func (m *NetworkMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report(m.check(ctx))
		}
	}
}

func (m *NetworkMonitor) check(ctx context.Context) bool {
	if m.probe == nil {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.pushed
	}
	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.probe.Check(ctx)
}

func (m *NetworkMonitor) report(up bool) {
	m.mu.Lock()
	if !up {
		m.cancelSettleLocked()
		subs, changed := m.setLocked(false)
		m.mu.Unlock()
		m.notify(subs, changed, false)
		return
	}
	if m.online || m.settling != nil {
		m.mu.Unlock()
		return
	}
	m.settleGen++
	gen := m.settleGen
	m.settling = time.AfterFunc(m.config.SettleDelay, func() { m.settle(gen) })
	m.mu.Unlock()
	m.logger.Debug("Connection detected, waiting to settle", "delay", m.config.SettleDelay)
}

func (m *NetworkMonitor) settle(gen uint64) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		// Not started; settling on a pushed change
		ctx = context.Background()
	}

	up := m.check(ctx)

	m.mu.Lock()
	if gen != m.settleGen {
		// Cancelled by a drop or Stop while re-probing
		m.mu.Unlock()
		return
	}
	m.settling = nil
	if !up {
		m.mu.Unlock()
		m.logger.Debug("Connection did not settle")
		return
	}
	subs, changed := m.setLocked(true)
	m.mu.Unlock()
	m.notify(subs, changed, true)
}

func (m *NetworkMonitor) cancelSettleLocked() {
	if m.settling != nil {
		m.settling.Stop()
		m.settling = nil
	}
	m.settleGen++
}

// announce changes state and notifies subscribers outside the lock.
func (m *NetworkMonitor) announce(online bool) {
	m.mu.Lock()
	subs, changed := m.setLocked(online)
	m.mu.Unlock()
	m.notify(subs, changed, online)
}

func (m *NetworkMonitor) setLocked(online bool) ([]subscriber, bool) {
	if m.online == online {
		return nil, false
	}
	m.online = online
	return append([]subscriber(nil), m.subs...), true
}

func (m *NetworkMonitor) notify(subs []subscriber, changed, online bool) {
	if !changed {
		return
	}
	m.logger.Info("Network state changed", "online", online)
	for _, s := range subs {
		s.fn(online)
	}
}
