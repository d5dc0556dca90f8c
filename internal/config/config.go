// Package config loads needlecore's YAML configuration file and
// applies environment variable overrides.
package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config holds all needlecore configuration.
type Config struct {
	mu sync.RWMutex

	Motor      MotorConfig      `yaml:"motor" json:"motor"`
	EEPROM     EEPROMConfig     `yaml:"eeprom" json:"eeprom"`
	Ohmmeter   OhmmeterConfig   `yaml:"ohmmeter" json:"ohmmeter"`
	Server     ServerConfig     `yaml:"server" json:"server"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`

	path string
}

// MotorConfig holds the default RS-485 serial parameters. A `connect`
// command that omits the port, baud rate or data bits uses PortPath,
// BaudRate and DataBits from here; Parity and StopBits are not applied
// by `connect`, which falls back to no parity and one stop bit.
type MotorConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Parity   string `yaml:"parity" json:"parity"`
	DataBits int    `yaml:"data_bits" json:"dataBits"`
	StopBits int    `yaml:"stop_bits" json:"stopBits"`
}

// EEPROMConfig names the periph I²C bus the tip EEPROM lives on.
type EEPROMConfig struct {
	BusName string `yaml:"bus_name" json:"busName"`
}

// OhmmeterConfig holds the resistance meter's default serial parameters.
type OhmmeterConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// ServerConfig holds the WebSocket control plane's listen address.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// LoggingConfig controls the CSV inspection audit log.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir"`
}

// SupervisorConfig tunes the Coordinator stall watchdog.
type SupervisorConfig struct {
	WatchdogIntervalSeconds int `yaml:"watchdog_interval_seconds" json:"watchdogIntervalSeconds"`
	MaxRecoveryAttempts     int `yaml:"max_recovery_attempts" json:"maxRecoveryAttempts"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Motor: MotorConfig{
			PortPath: "/dev/ttyMotor",
			BaudRate: 115200,
			Parity:   "N",
			DataBits: 8,
			StopBits: 1,
		},
		EEPROM: EEPROMConfig{
			BusName: "",
		},
		Ohmmeter: OhmmeterConfig{
			PortPath: "/dev/usb-resistance",
			BaudRate: 9600,
		},
		Server: ServerConfig{
			ListenAddr: ":8765",
		},
		Logging: LoggingConfig{
			Enabled: true,
			Dir:     "/var/log/needlecore",
		},
		Supervisor: SupervisorConfig{
			WatchdogIntervalSeconds: 5,
			MaxRecoveryAttempts:     3,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the YAML
// file is missing or unparsable.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: MOTOR_PORT, MOTOR_BAUD, EEPROM_BUS, OHMMETER_PORT,
// OHMMETER_BAUD, LISTEN_ADDR, LOG_ENABLED, LOG_DIR,
// WATCHDOG_INTERVAL_SECONDS.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MOTOR_PORT"); v != "" {
		c.Motor.PortPath = v
	}
	if v := os.Getenv("MOTOR_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Motor.BaudRate = n
		}
	}
	if v := os.Getenv("EEPROM_BUS"); v != "" {
		c.EEPROM.BusName = v
	}
	if v := os.Getenv("OHMMETER_PORT"); v != "" {
		c.Ohmmeter.PortPath = v
	}
	if v := os.Getenv("OHMMETER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ohmmeter.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
	if v := os.Getenv("WATCHDOG_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Supervisor.WatchdogIntervalSeconds = n
		}
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/needlecore/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for diagnostic/status endpoints.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}
