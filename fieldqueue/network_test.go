package fieldqueue

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeProbe struct {
	up atomic.Bool
}

func (p *fakeProbe) Check(context.Context) bool { return p.up.Load() }

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) record(online bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, online)
}

func (tr *transitions) list() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.got...)
}

func newTestMonitor(probe Probe) *NetworkMonitor {
	return NewNetworkMonitor(probe, MonitorConfig{
		ProbeInterval: time.Hour, // tests drive probes explicitly
		SettleDelay:   30 * time.Millisecond,
	}, nil)
}

func TestMonitor_StartAnnouncesReachableServer(t *testing.T) {
	probe := &fakeProbe{}
	probe.up.Store(true)
	m := newTestMonitor(probe)
	var tr transitions
	m.Subscribe(tr.record)

	m.Start(context.Background())
	defer m.Stop()

	require.True(t, m.Online())
	require.Equal(t, []bool{true}, tr.list())
}

func TestMonitor_ReconnectWaitsForSettle(t *testing.T) {
	probe := &fakeProbe{}
	m := newTestMonitor(probe)
	var tr transitions
	m.Subscribe(tr.record)
	m.Start(context.Background())
	defer m.Stop()
	require.False(t, m.Online())

	probe.up.Store(true)
	require.True(t, m.CheckNow(context.Background()))
	require.False(t, m.Online(), "reconnect must not be announced before the settle delay")

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true}, tr.list())
}

func TestMonitor_FlapIsNotAnnounced(t *testing.T) {
	probe := &fakeProbe{}
	m := newTestMonitor(probe)
	var tr transitions
	m.Subscribe(tr.record)

	m.SetOnline(true)
	m.SetOnline(false)

	time.Sleep(80 * time.Millisecond)
	require.False(t, m.Online())
	require.Empty(t, tr.list())
}

func TestMonitor_SettleReprobes(t *testing.T) {
	probe := &fakeProbe{}
	m := newTestMonitor(probe)

	// The platform says online but the server is not reachable after the delay
	m.SetOnline(true)
	time.Sleep(80 * time.Millisecond)
	require.False(t, m.Online())
}

func TestMonitor_NilProbeFollowsPushes(t *testing.T) {
	m := newTestMonitor(nil)
	var tr transitions
	m.Subscribe(tr.record)

	m.SetOnline(true)
	require.False(t, m.Online())
	require.Eventually(t, func() bool { return len(tr.list()) == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, m.Online())

	m.SetOnline(false)
	require.False(t, m.Online())
	require.Equal(t, []bool{true, false}, tr.list())

	m.Start(context.Background())
	defer m.Stop()
	require.False(t, m.CheckNow(context.Background()))
}

func TestMonitor_DisconnectIsImmediate(t *testing.T) {
	probe := &fakeProbe{}
	probe.up.Store(true)
	m := newTestMonitor(probe)
	m.Start(context.Background())
	defer m.Stop()

	var tr transitions
	unsubscribe := m.Subscribe(tr.record)

	probe.up.Store(false)
	require.False(t, m.CheckNow(context.Background()))
	require.False(t, m.Online())
	require.Equal(t, []bool{false}, tr.list())

	unsubscribe()
	unsubscribe()
	probe.up.Store(true)
	m.SetOnline(true)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{false}, tr.list())
}

func TestMonitor_PollsOnInterval(t *testing.T) {
	probe := &fakeProbe{}
	m := NewNetworkMonitor(probe, MonitorConfig{ProbeInterval: 10 * time.Millisecond, SettleDelay: 10 * time.Millisecond}, nil)
	m.Start(context.Background())
	defer m.Stop()

	probe.up.Store(true)
	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	probe.up.Store(false)
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)
}

func TestHTTPProbe(t *testing.T) {
	status := atomic.Int32{}
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	probe := HTTPProbe(srv.Client(), srv.URL+"/health")
	require.True(t, probe.Check(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	require.False(t, probe.Check(context.Background()))

	srv.Close()
	require.False(t, probe.Check(context.Background()))
}

func TestDialProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	probe := DialProbe(addr)
	require.True(t, probe.Check(context.Background()))

	require.NoError(t, ln.Close())
	require.False(t, probe.Check(context.Background()))
}
