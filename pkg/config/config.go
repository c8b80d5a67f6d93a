package config

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

type Config struct {
	App       AppConfig                 `json:"app"`
	Engine    EngineConfig              `json:"engine"`
	Gateways  map[string]GatewayConfig  `json:"gateways"`
	Providers map[string]ProviderConfig `json:"providers"`
	Storage   StorageConfig             `json:"storage"`
}

type AppConfig struct {
	Name      string `json:"name"`
	PromptDir string `json:"prompt_dir"`
}

// EngineConfig holds the task engine knobs. Durations are given in
// seconds in the file.
type EngineConfig struct {
	MaxTasks           int `json:"max_tasks"`
	PausedTTLSeconds   int `json:"paused_ttl_seconds"`
	SessionMaxAgeHours int `json:"session_max_age_hours"`
	SweepIntervalMin   int `json:"sweep_interval_minutes"`
}

type GatewayConfig struct {
	Token   string `json:"token"`
	Enabled bool   `json:"enabled"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
	BaseURL string `json:"base_url,omitempty"`
	Enabled bool   `json:"enabled"`
}

type StorageConfig struct {
	DatabasePath string `json:"database_path"`
	CatalogPath  string `json:"catalog_path"`
}

func LoadConfig(path string) *Config {
	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer file.Close()

	var cfg Config
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config file: %v", err)
	}

	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Engine.MaxTasks == 0 {
		c.Engine.MaxTasks = 10
	}
	if c.Engine.PausedTTLSeconds == 0 {
		c.Engine.PausedTTLSeconds = 300
	}
	if c.Engine.SessionMaxAgeHours == 0 {
		c.Engine.SessionMaxAgeHours = 24
	}
	if c.Engine.SweepIntervalMin == 0 {
		c.Engine.SweepIntervalMin = 30
	}
	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "morizo.db"
	}
	if c.Storage.CatalogPath == "" {
		c.Storage.CatalogPath = "catalog.yaml"
	}
	if c.App.PromptDir == "" {
		c.App.PromptDir = "prompts"
	}
}

func (c *EngineConfig) PausedTTL() time.Duration {
	return time.Duration(c.PausedTTLSeconds) * time.Second
}

func (c *EngineConfig) SessionMaxAge() time.Duration {
	return time.Duration(c.SessionMaxAgeHours) * time.Hour
}

func (c *EngineConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMin) * time.Minute
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGateway returns a gateway config if enabled
func (c *Config) GetGateway(name string) (GatewayConfig, bool) {
	g, ok := c.Gateways[name]
	if ok && g.Enabled {
		return g, true
	}
	return GatewayConfig{}, false
}
