// Package config holds the runtime settings shared by dualnet clients and
// servers and loads them from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/dualnet/crypto"
	"github.com/opd-ai/dualnet/fragment"
	"github.com/opd-ai/dualnet/limits"
)

// ErrInvalid indicates a configuration value outside its allowed range.
var ErrInvalid = errors.New("invalid configuration")

// Config collects every tunable of the transport stack.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Fragment  FragmentConfig  `yaml:"fragment"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Messaging MessagingConfig `yaml:"messaging"`
}

// TransportConfig covers socket-level behavior.
type TransportConfig struct {
	MaxPacketSize         int           `yaml:"max_packet_size"`
	MaxBufferSize         int           `yaml:"max_buffer_size"`
	Timeout               time.Duration `yaml:"timeout"`
	ConnectAttemptTimeout time.Duration `yaml:"connect_attempt_timeout"`
	NoDelay               bool          `yaml:"no_delay"`
	SendTimeout           time.Duration `yaml:"send_timeout"`
	LivenessInterval      time.Duration `yaml:"liveness_interval"`
	MaxConnections        int           `yaml:"max_connections"`
}

// FragmentConfig covers large-message splitting and retransmission.
type FragmentConfig struct {
	WaitTime      time.Duration `yaml:"wait_time"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	ReassemblyTTL time.Duration `yaml:"reassembly_ttl"`
}

// CryptoConfig covers the encryption handshake.
type CryptoConfig struct {
	RSABits        int  `yaml:"rsa_bits"`
	AutoEncryption bool `yaml:"auto_encryption"`
}

// MessagingConfig covers the mid-level client and server.
type MessagingConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SyncQueueSize  int           `yaml:"sync_queue_size"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			MaxPacketSize:         limits.MaxPacketSize,
			MaxBufferSize:         limits.MaxBufferSize,
			Timeout:               limits.DefaultTimeout,
			ConnectAttemptTimeout: limits.DefaultConnectAttemptTimeout,
			NoDelay:               limits.DefaultNoDelay,
			SendTimeout:           limits.DefaultSendTimeout,
			LivenessInterval:      time.Second,
			MaxConnections:        0,
		},
		Fragment: FragmentConfig{
			WaitTime:      fragment.DefaultWaitTime,
			MaxInFlight:   fragment.DefaultMaxInFlight,
			ReassemblyTTL: fragment.DefaultReassemblyTTL,
		},
		Crypto: CryptoConfig{
			RSABits: crypto.DefaultRSABits,
		},
		Messaging: MessagingConfig{
			PingInterval:   5 * time.Second,
			RequestTimeout: 10 * time.Second,
			SyncQueueSize:  1024,
		},
	}
}

// Debug returns Default with a smaller RSA modulus for faster handshakes.
func Debug() *Config {
	cfg := Default()
	cfg.Crypto.RSABits = crypto.DebugRSABits
	return cfg
}

// Load reads a YAML file on top of Default. A missing file yields the
// defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field for a usable value.
func (c *Config) Validate() error {
	t := c.Transport
	switch {
	case t.MaxPacketSize < 64:
		return fmt.Errorf("%w: transport.max_packet_size %d is below 64", ErrInvalid, t.MaxPacketSize)
	case t.MaxBufferSize < limits.MaxFrameSize(t.MaxPacketSize)+limits.LengthPrefixSize:
		return fmt.Errorf("%w: transport.max_buffer_size %d cannot hold one %d-byte frame", ErrInvalid, t.MaxBufferSize, limits.MaxFrameSize(t.MaxPacketSize))
	case t.Timeout <= 0:
		return fmt.Errorf("%w: transport.timeout must be positive", ErrInvalid)
	case t.ConnectAttemptTimeout <= 0:
		return fmt.Errorf("%w: transport.connect_attempt_timeout must be positive", ErrInvalid)
	case t.SendTimeout < 0:
		return fmt.Errorf("%w: transport.send_timeout must not be negative", ErrInvalid)
	case t.LivenessInterval <= 0:
		return fmt.Errorf("%w: transport.liveness_interval must be positive", ErrInvalid)
	case t.MaxConnections < 0:
		return fmt.Errorf("%w: transport.max_connections must not be negative", ErrInvalid)
	}

	f := c.Fragment
	switch {
	case f.WaitTime <= 0:
		return fmt.Errorf("%w: fragment.wait_time must be positive", ErrInvalid)
	case f.MaxInFlight < 2:
		return fmt.Errorf("%w: fragment.max_in_flight %d is below 2", ErrInvalid, f.MaxInFlight)
	case f.ReassemblyTTL <= 0:
		return fmt.Errorf("%w: fragment.reassembly_ttl must be positive", ErrInvalid)
	}

	if c.Crypto.RSABits < crypto.MinRSABits {
		return fmt.Errorf("%w: crypto.rsa_bits %d is below %d", ErrInvalid, c.Crypto.RSABits, crypto.MinRSABits)
	}

	m := c.Messaging
	switch {
	case m.PingInterval < 0:
		return fmt.Errorf("%w: messaging.ping_interval must not be negative", ErrInvalid)
	case m.RequestTimeout <= 0:
		return fmt.Errorf("%w: messaging.request_timeout must be positive", ErrInvalid)
	case m.SyncQueueSize <= 0:
		return fmt.Errorf("%w: messaging.sync_queue_size must be positive", ErrInvalid)
	}
	return nil
}
