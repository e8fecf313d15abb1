package main

import (
	"strings"

	"github.com/danmuck/shardctl/internal/config"
	"github.com/danmuck/shardctl/internal/manager"
	"github.com/danmuck/shardctl/internal/protocol/loopback"
)

// loadServiceConfig maps shardctl.toml plus flag overrides onto the service
// runtime settings. The binary ships with the loopback transport; a real
// protocol client is linked in by embedders of internal/manager.
func loadServiceConfig(path, rootOverride, metricsOverride string) (manager.ServiceConfig, error) {
	cfg := config.DefaultManagerConfig()
	if strings.TrimSpace(path) != "" {
		loaded, err := config.LoadManagerConfig(path)
		if err != nil {
			return manager.ServiceConfig{}, err
		}
		cfg = loaded
	}
	if v := strings.TrimSpace(rootOverride); v != "" {
		cfg.SessionRoot = v
	}
	if v := strings.TrimSpace(metricsOverride); v != "" {
		cfg.MetricsAddr = v
	}
	if err := config.ValidateManagerConfig(cfg); err != nil {
		return manager.ServiceConfig{}, err
	}
	return manager.ServiceConfig{
		Manager: manager.Options{
			Client:         loopback.NewClient(),
			SessionRoot:    cfg.SessionRoot,
			ReconnectDelay: cfg.ReconnectDelay.Std(),
			SettleDelay:    cfg.SettleDelay.Std(),
			RetryBaseDelay: cfg.RetryBaseDelay.Std(),
			MaxRetries:     cfg.MaxRetries,
		},
		MetricsAddr: cfg.MetricsAddr,
	}, nil
}
