package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "umbra.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
version: 1
network:
  listen:
    - /ip4/0.0.0.0/tcp/4001
discovery:
  enabled: true
  silent: true
  interval: 45s
protocols:
  request_timeout: 5s
  dial_timeout: 2s
throttle:
  enabled: true
  receive_limit: 16
telemetry:
  metrics_enabled: true
  metrics_listen: 127.0.0.1:9999
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Network.Listen; len(got) != 1 || got[0] != "/ip4/0.0.0.0/tcp/4001" {
		t.Errorf("Network.Listen = %v", got)
	}
	if !cfg.Discovery.Enabled || !cfg.Discovery.Silent {
		t.Errorf("Discovery = %+v, want enabled and silent", cfg.Discovery)
	}
	if cfg.Discovery.Interval != 45*time.Second {
		t.Errorf("Discovery.Interval = %s, want 45s", cfg.Discovery.Interval)
	}
	if cfg.Protocols.RequestTimeout != 5*time.Second || cfg.Protocols.DialTimeout != 2*time.Second {
		t.Errorf("Protocols = %+v", cfg.Protocols)
	}
	if !cfg.Throttle.Enabled || cfg.Throttle.ReceiveLimit != 16 {
		t.Errorf("Throttle = %+v", cfg.Throttle)
	}
	if !cfg.Telemetry.MetricsEnabled || cfg.Telemetry.MetricsListen != "127.0.0.1:9999" {
		t.Errorf("Telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "discovery:\n  enabled: true\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	def := Default()
	if cfg.Discovery.Interval != def.Discovery.Interval {
		t.Errorf("Interval = %s, want default %s", cfg.Discovery.Interval, def.Discovery.Interval)
	}
	if cfg.Protocols.RequestTimeout != def.Protocols.RequestTimeout {
		t.Errorf("RequestTimeout = %s, want default %s", cfg.Protocols.RequestTimeout, def.Protocols.RequestTimeout)
	}
	if len(cfg.Network.Listen) == 0 {
		t.Error("Network.Listen is empty, want the default")
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := writeConfig(t, "version: 99\n")
	if _, err := Load(path); !errors.Is(err, ErrConfigVersionTooNew) {
		t.Fatalf("Load() error = %v, want ErrConfigVersionTooNew", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "discovery:\n  interval: soon\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() succeeded with an invalid duration")
	}
}

func TestLoadRejectsLooseFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permissions not applicable on Windows")
	}
	path := writeConfig(t, "version: 1\n")
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load() succeeded with a group-readable file")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() succeeded on a missing file")
	}
}
