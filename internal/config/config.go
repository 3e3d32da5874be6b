// Package config loads and validates the gateway's YAML configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all gateway configuration.
type Config struct {
	BLE      BLEConfig      `yaml:"ble"`
	Clock    ClockConfig    `yaml:"clock"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Queues   QueueConfig    `yaml:"queues"`
	LogLevel string         `yaml:"log_level"`
}

// BLEConfig holds GATT advertising settings.
type BLEConfig struct {
	DeviceName  string `yaml:"device_name"`
	ServiceUUID string `yaml:"service_uuid,omitempty"` // parsed but not applied: the adapter always advertises ble.ServiceUUID
}

// ClockConfig holds DGT3000 I2C addressing and timing settings.
type ClockConfig struct {
	MasterTargetAddr uint8         `yaml:"master_target_addr"` // normal target, default 0x08
	WakeUpAddr       uint8         `yaml:"wake_up_addr"`       // wake-up alias, default 0x28
	SlaveDataAddr    uint8         `yaml:"slave_data_addr"`    // time/button listen addr, default 0x00
	SlaveAckAddr     uint8         `yaml:"slave_ack_addr"`     // ACK/ping listen addr, default 0x10
	AckTimeout       time.Duration `yaml:"ack_timeout"`        // default 50ms
	PingTimeout      time.Duration `yaml:"ping_timeout"`       // default 100ms
	ListenSettle     time.Duration `yaml:"listen_settle"`      // default 10ms
	LoopPeriod       time.Duration `yaml:"loop_period"`        // default 10ms
}

// RecoveryConfig holds the reconnect back-off policy.
type RecoveryConfig struct {
	Delay       time.Duration `yaml:"delay"`        // default 1s
	MaxAttempts uint32        `yaml:"max_attempts"` // 0 = unbounded
}

// QueueConfig holds the three transport queue capacities.
type QueueConfig struct {
	RawCommandCapacity  int           `yaml:"raw_command_capacity"` // default 10
	EventCapacity       int           `yaml:"event_capacity"`       // default 20
	ResponseCapacity    int           `yaml:"response_capacity"`    // default 10
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	UtilizationWarn     float64       `yaml:"utilization_warn"` // default 0.8
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "dgt3000-gateway")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values for the
// gateway's timing and capacity knobs.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			DeviceName: "DGT3000-Gateway",
		},
		Clock: ClockConfig{
			MasterTargetAddr: 0x08,
			WakeUpAddr:       0x28,
			SlaveDataAddr:    0x00,
			SlaveAckAddr:     0x10,
			AckTimeout:       50 * time.Millisecond,
			PingTimeout:      100 * time.Millisecond,
			ListenSettle:     10 * time.Millisecond,
			LoopPeriod:       10 * time.Millisecond,
		},
		Recovery: RecoveryConfig{
			Delay:       1 * time.Second,
			MaxAttempts: 0,
		},
		Queues: QueueConfig{
			RawCommandCapacity:  10,
			EventCapacity:       20,
			ResponseCapacity:    10,
			HealthCheckInterval: 5 * time.Second,
			UtilizationWarn:     0.8,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file, filling missing fields with
// defaults. Tilde (~) in the device name's not expanded (it's not a path);
// no file paths appear in this config beyond the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BLE.DeviceName) == "" {
		return fmt.Errorf("config: ble.device_name must not be empty")
	}
	if c.Clock.MasterTargetAddr == c.Clock.WakeUpAddr {
		return fmt.Errorf("config: clock.master_target_addr and wake_up_addr must differ")
	}
	if c.Clock.SlaveDataAddr == c.Clock.SlaveAckAddr {
		return fmt.Errorf("config: clock.slave_data_addr and slave_ack_addr must differ")
	}
	if c.Clock.AckTimeout <= 0 || c.Clock.PingTimeout <= 0 || c.Clock.ListenSettle <= 0 || c.Clock.LoopPeriod <= 0 {
		return fmt.Errorf("config: clock timing fields must be positive durations")
	}
	if c.Queues.RawCommandCapacity <= 0 || c.Queues.EventCapacity <= 0 || c.Queues.ResponseCapacity <= 0 {
		return fmt.Errorf("config: queue capacities must be positive")
	}
	if c.Queues.UtilizationWarn <= 0 || c.Queues.UtilizationWarn > 1 {
		return fmt.Errorf("config: queues.utilization_warn must be in (0,1], got %v", c.Queues.UtilizationWarn)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// WriteDefault creates the default config file with documented defaults.
// It creates the parent directory if needed. Returns the path written to.
// If the file already exists, it returns ("", nil) without overwriting.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil // already exists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("config: creating dir %s: %w", dir, err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("config: marshaling default config: %w", err)
	}

	header := "# dgt3000-gateway configuration\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return "", fmt.Errorf("config: writing %s: %w", path, err)
	}
	return path, nil
}

// ParseLogLevel converts a log level string to a slog.Level.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default: // "info"
		return slog.LevelInfo
	}
}
