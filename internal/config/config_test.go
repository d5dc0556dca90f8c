package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Motor.BaudRate != 115200 {
		t.Fatalf("default motor baud = %d, want 115200", cfg.Motor.BaudRate)
	}
	if cfg.Server.ListenAddr != ":8765" {
		t.Fatalf("default listen addr = %q, want :8765", cfg.Server.ListenAddr)
	}
}

func TestLoadConfigFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	cfg := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if cfg.Motor.PortPath != "/dev/ttyMotor" {
		t.Fatalf("port = %q, want default", cfg.Motor.PortPath)
	}
}

func TestLoadConfigParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := []byte("motor:\n  port_path: /dev/ttyUSB3\n  baud_rate: 57600\nserver:\n  listen_addr: \":9000\"\n")
	if err := os.WriteFile(path, yaml, 0644); err != nil {
		t.Fatal(err)
	}
	cfg := LoadConfig(path)
	if cfg.Motor.PortPath != "/dev/ttyUSB3" {
		t.Fatalf("port = %q, want /dev/ttyUSB3", cfg.Motor.PortPath)
	}
	if cfg.Motor.BaudRate != 57600 {
		t.Fatalf("baud = %d, want 57600", cfg.Motor.BaudRate)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Fatalf("listen addr = %q, want :9000", cfg.Server.ListenAddr)
	}
}

func TestEnvOverridesTakePrecedence(t *testing.T) {
	t.Setenv("MOTOR_PORT", "/dev/ttyOverride")
	t.Setenv("LISTEN_ADDR", ":7000")
	cfg := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Motor.PortPath != "/dev/ttyOverride" {
		t.Fatalf("port = %q, want env override", cfg.Motor.PortPath)
	}
	if cfg.Server.ListenAddr != ":7000" {
		t.Fatalf("listen addr = %q, want env override", cfg.Server.ListenAddr)
	}
}

func TestToJSONRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	data, err := cfg.ToJSON()
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty JSON")
	}
}
