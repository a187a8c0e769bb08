package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesProtocolTimings(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5*time.Second, cfg.Client.ConnectTimeout)
	assert.Equal(t, 3*time.Second, cfg.Client.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Client.HeartbeatInterval)
	assert.Equal(t, time.Second, cfg.Client.BackoffInitial)
	assert.Equal(t, 30*time.Second, cfg.Client.BackoffMax)
	assert.Equal(t, 25*time.Second, cfg.Server.PollHold)
	assert.Equal(t, 512, cfg.Client.Mesh.MTU)
	assert.Equal(t, 2*time.Minute, cfg.Client.Mesh.AssemblyTimeout)
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmchat.yaml")
	yaml := []byte("server:\n  addr: 0.0.0.0:8443\n  poll_hold: 10s\nclient:\n  mesh:\n    mtu: 256\n")
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	t.Setenv("PMCHAT_SERVER_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8443", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.PollHold)
	assert.Equal(t, 256, cfg.Client.Mesh.MTU)
	assert.Equal(t, "s3cret", cfg.Server.JWTSecret)
	assert.Equal(t, 100, cfg.Client.Mesh.HeaderReserve)
}

func TestValidateRejectsTinyMTU(t *testing.T) {
	cfg := Default()
	cfg.Client.Mesh.MTU = 64

	assert.Error(t, cfg.Validate())
}
