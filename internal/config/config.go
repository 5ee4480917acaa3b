// Package config loads umbra node configuration from YAML.
package config

import (
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// NodeConfig is the configuration for an umbra node.
type NodeConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Network   NetworkConfig   `yaml:"network"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Protocols ProtocolsConfig `yaml:"protocols"`
	Throttle  ThrottleConfig  `yaml:"throttle,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// NetworkConfig holds transport listen addresses.
type NetworkConfig struct {
	// Listen holds multiaddrs, e.g. /ip4/0.0.0.0/tcp/4001.
	Listen []string `yaml:"listen"`
}

// DiscoveryConfig controls the mDNS service.
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Silent keeps the service from sending its own queries; it still
	// answers and still learns from responses on the wire.
	Silent bool `yaml:"silent,omitempty"`
	// Interval between periodic queries.
	Interval time.Duration `yaml:"-"`
}

// ProtocolsConfig holds request/response timing.
type ProtocolsConfig struct {
	RequestTimeout time.Duration `yaml:"-"`
	DialTimeout    time.Duration `yaml:"-"`
}

// ThrottleConfig controls the credit-based wrapper.
type ThrottleConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	// ReceiveLimit is the per-peer inbound budget advertised to new
	// peers.
	ReceiveLimit int `yaml:"receive_limit,omitempty"`
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled,omitempty"`
	MetricsListen  string `yaml:"metrics_listen,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *NodeConfig {
	return &NodeConfig{
		Version: CurrentConfigVersion,
		Network: NetworkConfig{
			Listen: []string{"/ip4/0.0.0.0/tcp/0"},
		},
		Discovery: DiscoveryConfig{
			Enabled:  true,
			Interval: 20 * time.Second,
		},
		Protocols: ProtocolsConfig{
			RequestTimeout: 10 * time.Second,
			DialTimeout:    10 * time.Second,
		},
		Throttle: ThrottleConfig{
			Enabled:      false,
			ReceiveLimit: 8,
		},
		Telemetry: TelemetryConfig{
			MetricsListen: "127.0.0.1:9464",
		},
	}
}
