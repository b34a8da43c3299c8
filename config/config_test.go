package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dualnet/crypto"
	"github.com/opd-ai/dualnet/limits"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, limits.MaxPacketSize, cfg.Transport.MaxPacketSize)
	assert.Equal(t, limits.MaxBufferSize, cfg.Transport.MaxBufferSize)
	assert.Equal(t, 120*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Transport.ConnectAttemptTimeout)
	assert.True(t, cfg.Transport.NoDelay)
	assert.Equal(t, crypto.DefaultRSABits, cfg.Crypto.RSABits)

	assert.Equal(t, crypto.DebugRSABits, Debug().Crypto.RSABits)
	require.NoError(t, Debug().Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dualnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  max_packet_size: 1200
  max_buffer_size: 4096
  timeout: 30s
fragment:
  wait_time: 100ms
crypto:
  rsa_bits: 1024
  auto_encryption: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1200, cfg.Transport.MaxPacketSize)
	assert.Equal(t, 4096, cfg.Transport.MaxBufferSize)
	assert.Equal(t, 30*time.Second, cfg.Transport.Timeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Fragment.WaitTime)
	assert.Equal(t, 1024, cfg.Crypto.RSABits)
	assert.True(t, cfg.Crypto.AutoEncryption)
	// Untouched fields keep their defaults.
	assert.Equal(t, limits.DefaultConnectAttemptTimeout, cfg.Transport.ConnectAttemptTimeout)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [unterminated"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"tiny packet", func(c *Config) { c.Transport.MaxPacketSize = 10 }},
		{"buffer smaller than frame", func(c *Config) { c.Transport.MaxBufferSize = c.Transport.MaxPacketSize }},
		{"zero timeout", func(c *Config) { c.Transport.Timeout = 0 }},
		{"zero attempt timeout", func(c *Config) { c.Transport.ConnectAttemptTimeout = 0 }},
		{"negative connections", func(c *Config) { c.Transport.MaxConnections = -1 }},
		{"zero wait time", func(c *Config) { c.Fragment.WaitTime = 0 }},
		{"in flight of one", func(c *Config) { c.Fragment.MaxInFlight = 1 }},
		{"weak rsa", func(c *Config) { c.Crypto.RSABits = 512 }},
		{"zero request timeout", func(c *Config) { c.Messaging.RequestTimeout = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
