package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions returns an error if a config file grants
// any permission to group or others. Config files describe network
// topology; on multi-user systems that should stay private.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// Load reads a node configuration from a YAML file. Durations are
// written as strings ("20s", "1m30s"); missing values take the
// defaults.
func Load(path string) (*NodeConfig, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var raw struct {
		Version int           `yaml:"version,omitempty"`
		Network NetworkConfig `yaml:"network"`

		Discovery struct {
			Enabled  *bool  `yaml:"enabled"`
			Silent   bool   `yaml:"silent,omitempty"`
			Interval string `yaml:"interval,omitempty"`
		} `yaml:"discovery"`

		Protocols struct {
			RequestTimeout string `yaml:"request_timeout,omitempty"`
			DialTimeout    string `yaml:"dial_timeout,omitempty"`
		} `yaml:"protocols"`

		Throttle  ThrottleConfig  `yaml:"throttle,omitempty"`
		Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning.
	version := raw.Version
	if version == 0 {
		version = 1
	}
	if version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade umbra", ErrConfigVersionTooNew, version, CurrentConfigVersion)
	}

	cfg := Default()
	cfg.Version = version
	if len(raw.Network.Listen) > 0 {
		cfg.Network = raw.Network
	}
	if raw.Discovery.Enabled != nil {
		cfg.Discovery.Enabled = *raw.Discovery.Enabled
	}
	cfg.Discovery.Silent = raw.Discovery.Silent
	cfg.Throttle = mergeThrottle(cfg.Throttle, raw.Throttle)
	cfg.Telemetry.MetricsEnabled = raw.Telemetry.MetricsEnabled
	if raw.Telemetry.MetricsListen != "" {
		cfg.Telemetry.MetricsListen = raw.Telemetry.MetricsListen
	}

	if cfg.Discovery.Interval, err = parseDuration(raw.Discovery.Interval, cfg.Discovery.Interval); err != nil {
		return nil, fmt.Errorf("invalid discovery.interval: %w", err)
	}
	if cfg.Protocols.RequestTimeout, err = parseDuration(raw.Protocols.RequestTimeout, cfg.Protocols.RequestTimeout); err != nil {
		return nil, fmt.Errorf("invalid protocols.request_timeout: %w", err)
	}
	if cfg.Protocols.DialTimeout, err = parseDuration(raw.Protocols.DialTimeout, cfg.Protocols.DialTimeout); err != nil {
		return nil, fmt.Errorf("invalid protocols.dial_timeout: %w", err)
	}

	return cfg, nil
}

func mergeThrottle(def, raw ThrottleConfig) ThrottleConfig {
	out := def
	out.Enabled = raw.Enabled
	if raw.ReceiveLimit > 0 {
		out.ReceiveLimit = raw.ReceiveLimit
	}
	return out
}

func parseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}
