package agent

import (
	"fmt"
	"net/url"

	"github.com/spf13/viper"
)

// Config is the agent's YAML configuration. Unknown keys are ignored.
type Config struct {
	HostID       string `mapstructure:"host_id"`
	CollectorURL string `mapstructure:"collector_url"`
	PollInterval int    `mapstructure:"poll_interval"`
	EventID      int    `mapstructure:"event_id"`
}

// DefaultEventID is the Windows failed-logon event code.
const DefaultEventID = 4625

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("poll_interval", 10)
	v.SetDefault("event_id", DefaultEventID)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.HostID == "" {
		return nil, fmt.Errorf("config %s: host_id is required", path)
	}
	if cfg.CollectorURL == "" {
		return nil, fmt.Errorf("config %s: collector_url is required", path)
	}
	if _, err := url.ParseRequestURI(cfg.CollectorURL); err != nil {
		return nil, fmt.Errorf("config %s: collector_url is not a valid URL: %w", path, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10
	}
	return &cfg, nil
}
