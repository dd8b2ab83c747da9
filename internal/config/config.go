package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration that reads and writes as "15s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.fleetchat/config.toml.
type Config struct {
	DefaultProfile    string   `toml:"default_profile" validate:"omitempty,max=64"`
	APIBaseURL        string   `toml:"api_base_url" validate:"required,url"`
	SocketURL         string   `toml:"socket_url" validate:"required,url"`
	RefreshPath       string   `toml:"refresh_path" validate:"required,startswith=/"`
	HistoryLimit      int      `toml:"history_limit" validate:"gte=1,lte=500"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	PollInterval      Duration `toml:"poll_interval"`
	ReconnectMinDelay Duration `toml:"reconnect_min_delay"`
	ReconnectMaxDelay Duration `toml:"reconnect_max_delay"`
	RequestTimeout    Duration `toml:"request_timeout"`
	LogLevel          string   `toml:"log_level" validate:"oneof=debug info warn error"`
	MetricsAddr       string   `toml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the configuration used for keys absent from config.toml.
func Default() *Config {
	return &Config{
		APIBaseURL:        "http://localhost:3000/api",
		SocketURL:         "ws://localhost:3000/socket",
		RefreshPath:       "/auth/refresh",
		HistoryLimit:      50,
		HeartbeatInterval: Duration{15 * time.Second},
		PollInterval:      Duration{20 * time.Second},
		ReconnectMinDelay: Duration{time.Second},
		ReconnectMaxDelay: Duration{30 * time.Second},
		RequestTimeout:    Duration{15 * time.Second},
		LogLevel:          "info",
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the relations between intervals.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s fails %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	if !strings.HasPrefix(c.SocketURL, "ws://") && !strings.HasPrefix(c.SocketURL, "wss://") {
		return fmt.Errorf("config: socket_url %q must use ws or wss", c.SocketURL)
	}
	for name, d := range map[string]Duration{
		"heartbeat_interval":  c.HeartbeatInterval,
		"poll_interval":       c.PollInterval,
		"reconnect_min_delay": c.ReconnectMinDelay,
		"reconnect_max_delay": c.ReconnectMaxDelay,
		"request_timeout":     c.RequestTimeout,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.ReconnectMaxDelay.Duration < c.ReconnectMinDelay.Duration {
		return fmt.Errorf("config: reconnect_max_delay %s below reconnect_min_delay %s",
			c.ReconnectMaxDelay, c.ReconnectMinDelay)
	}
	return nil
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
