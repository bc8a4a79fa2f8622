package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models missionctl.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyAgentHeader bool   `yaml:"allow_legacy_agent_header"`
	} `yaml:"server"`
	Scheduler struct {
		ClaimWindow int `yaml:"claim_window"`
	} `yaml:"scheduler"`
	Worker struct {
		PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
		HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	} `yaml:"worker"`
	Quotas map[string]int `yaml:"quotas"`
}

// PollInterval returns the worker poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the worker heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Worker.HeartbeatIntervalSeconds) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scheduler.ClaimWindow <= 0 {
		return fmt.Errorf("config.scheduler.claim_window must be positive")
	}
	if c.Worker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.worker.poll_interval_seconds must be positive")
	}
	if c.Worker.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("config.worker.heartbeat_interval_seconds must be positive")
	}
	for key, limit := range c.Quotas {
		if key == "" {
			return fmt.Errorf("config.quotas contains empty key")
		}
		if limit < 0 {
			return fmt.Errorf("quota %s has negative limit", key)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionctl.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Omitted
// fields keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: :8080
  base_path: /v0
  jwt_secret: ""
  allow_legacy_agent_header: true

scheduler:
  claim_window: 10

worker:
  poll_interval_seconds: 5
  heartbeat_interval_seconds: 30

quotas:
  proposal_daily: 20
  mission_daily: 10
`
