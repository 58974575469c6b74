package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from a single YAML file.
type Config struct {
	// Socket is the unix stream socket the macro daemon listens on.
	Socket string `yaml:"socket"`

	// KeysDir holds the passthrough CSV files.
	KeysDir string `yaml:"keys_dir"`

	// Devices lists the event nodes to grab. Empty means auto-discover
	// every device that looks like a keyboard.
	Devices []string `yaml:"devices"`

	// EventDelayUs is the pause between synthetic events in microseconds.
	EventDelayUs int `yaml:"event_delay_us"`

	// SocketTimeoutMs bounds each wait for a macro daemon response.
	SocketTimeoutMs int `yaml:"socket_timeout_ms"`

	// UDeviceName is the name the synthetic device registers under.
	UDeviceName string `yaml:"udevice_name"`

	// LogFile, when set, tees logs into a size-rotated file.
	LogFile string `yaml:"log_file"`
}

// DefaultConfig returns the configuration used when fields are omitted.
func DefaultConfig() *Config {
	return &Config{
		Socket:          "/var/lib/hawck-input/kbd.sock",
		KeysDir:         "/var/lib/hawck-input/keys",
		EventDelayUs:    3800,
		SocketTimeoutMs: 1024,
		UDeviceName:     "Hawck virtual keyboard",
	}
}

// LoadConfig reads the YAML config at path, filling in defaults for any
// omitted field. A missing file yields the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if cfg.Socket == "" {
		cfg.Socket = DefaultConfig().Socket
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = DefaultConfig().KeysDir
	}
	if cfg.EventDelayUs < 0 {
		return nil, fmt.Errorf("parse %s: event_delay_us must not be negative", path)
	}
	if cfg.SocketTimeoutMs <= 0 {
		cfg.SocketTimeoutMs = DefaultConfig().SocketTimeoutMs
	}
	if cfg.UDeviceName == "" {
		cfg.UDeviceName = DefaultConfig().UDeviceName
	}

	return cfg, nil
}
