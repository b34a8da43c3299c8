package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/dualnet/config"
	"github.com/opd-ai/dualnet/messaging"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logrus.Level
		wantErr bool
	}{
		{in: "debug", want: logrus.DebugLevel},
		{in: "INFO", want: logrus.InfoLevel},
		{in: "warn", want: logrus.WarnLevel},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRootRejectsUnknownNetwork(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"connect", "--network", "sctp"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sctp")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dualnet.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  max_packet_size: 2048\n  max_buffer_size: 8192\n"), 0o600))

	cfg, err := loadConfig(&globalFlags{configPath: path, debugKeys: true})
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Transport.MaxPacketSize)
	assert.Equal(t, config.Debug().Crypto.RSABits, cfg.Crypto.RSABits)

	_, err = loadConfig(&globalFlags{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.NoError(t, err)
}

func TestConnectAgainstServer(t *testing.T) {
	for _, network := range []string{"tcp", "udp"} {
		t.Run(network, func(t *testing.T) {
			cfg := config.Debug()
			var srv *messaging.Server
			if network == "tcp" {
				srv = messaging.NewTCPServer("127.0.0.1:0", cfg)
			} else {
				srv = messaging.NewUDPServer("127.0.0.1:0", cfg)
			}
			require.NoError(t, registerServerHandlers(srv))
			require.NoError(t, srv.Start(context.Background()))
			defer srv.Stop()

			out := &syncBuffer{}
			in := strings.NewReader("/echo hi there\n/ping\n")
			global := &globalFlags{network: network, debugKeys: true}
			flags := &connectFlags{server: srv.Addr().String(), encrypt: true, timeout: 5 * time.Second}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, runConnect(ctx, global, flags, in, out))

			got := out.String()
			assert.Contains(t, got, "connected to")
			assert.Contains(t, got, `echo "hi there"`)
			assert.Contains(t, got, "ftt ")
		})
	}
}
