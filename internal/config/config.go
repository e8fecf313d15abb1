package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid manager config")

// ManagerConfig holds the shard manager runtime settings.
type ManagerConfig struct {
	SessionRoot    string   `toml:"session_root"`
	ReconnectDelay duration `toml:"reconnect_delay"`
	SettleDelay    duration `toml:"settle_delay"`
	RetryBaseDelay duration `toml:"retry_base_delay"`
	MaxRetries     int      `toml:"max_retries"`
	MetricsAddr    string   `toml:"metrics_addr"`
}

// duration decodes TOML duration strings such as "5s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultManagerConfig returns the documented defaults: a relative session
// root, a 5s reconnect delay, and three recreate retries.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SessionRoot:    "sessions",
		ReconnectDelay: duration(5 * time.Second),
		SettleDelay:    duration(1 * time.Second),
		RetryBaseDelay: duration(2 * time.Second),
		MaxRetries:     3,
		MetricsAddr:    "",
	}
}

// LoadManagerConfig reads a TOML config file, filling defaults for absent
// fields.
func LoadManagerConfig(path string) (ManagerConfig, error) {
	cfg := DefaultManagerConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ManagerConfig{}, err
	}
	if err := ValidateManagerConfig(cfg); err != nil {
		return ManagerConfig{}, err
	}
	return cfg, nil
}

// ValidateManagerConfig rejects settings the lifecycle controller cannot run
// with.
func ValidateManagerConfig(cfg ManagerConfig) error {
	if strings.TrimSpace(cfg.SessionRoot) == "" {
		return fmt.Errorf("%w: missing session_root", ErrInvalidConfig)
	}
	if cfg.ReconnectDelay < 0 || cfg.SettleDelay < 0 || cfg.RetryBaseDelay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidConfig)
	}
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("%w: negative max_retries", ErrInvalidConfig)
	}
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
