package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)

	srv, err := Server(v)
	require.NoError(t, err)
	require.Equal(t, ":8080", srv.Addr)
	require.Equal(t, "postgres", srv.Blob.Backend)
	require.Equal(t, 100.0, srv.GeofenceMeters)

	agent, err := Agent(v)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, agent.SyncInterval)
	require.Equal(t, 2*time.Second, agent.SettleDelay)
	require.Equal(t, 3, agent.MaxAttempts)
	require.Equal(t, 7*24*time.Hour, agent.CleanupAfter)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("server_url: http://file:9000\nsync_interval: 45s\nlog:\n  level: debug\n"), 0o600))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("FIELDSYNC_TOKEN=from-dotenv\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("FIELDSYNC_TOKEN") })
	t.Setenv("FIELDSYNC_SERVER_URL", "http://env:9100")

	v, err := New(cfgFile, envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	agent, err := Agent(v)
	require.NoError(t, err)
	require.Equal(t, "http://env:9100", agent.ServerURL)
	require.Equal(t, 45*time.Second, agent.SyncInterval)
	require.Equal(t, "from-dotenv", agent.Token)
	require.Equal(t, "debug", agent.Log.Level)
}

func TestServerRejectsIncompleteGCS(t *testing.T) {
	t.Setenv("FIELDSYNC_BLOB_BACKEND", "gcs")
	v, err := New("")
	require.NoError(t, err)
	_, err = Server(v)
	require.Error(t, err)
}
