package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents ~/.courtside/config.toml.
type Config struct {
	APIBaseURL     string `toml:"api_base_url"`
	RealtimeURL    string `toml:"realtime_url"`
	RequestTimeout string `toml:"request_timeout"`
	// RegisterTimeout covers the face-verification path, which waits on a
	// cold-start inference service and needs far more headroom than a
	// normal request.
	RegisterTimeout      string `toml:"register_timeout"`
	ReconnectBaseDelay   string `toml:"reconnect_base_delay"`
	ReconnectMaxDelay    string `toml:"reconnect_max_delay"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		APIBaseURL:           "https://api.courtside.app",
		RealtimeURL:          "wss://realtime.courtside.app",
		RequestTimeout:       "30s",
		RegisterTimeout:      "2m",
		ReconnectBaseDelay:   "1s",
		ReconnectMaxDelay:    "30s",
		MaxReconnectAttempts: 10,
	}
}

// Load reads config from the given path. Returns defaults if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Duration parses a duration field, falling back to def on empty or invalid input.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
