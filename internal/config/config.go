package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"jobtrack/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig           `yaml:"app"`
	Server     ServerConfig        `yaml:"server"`
	Database   DatabaseConfig      `yaml:"database"`
	Redis      RedisConfig         `yaml:"redis"`
	Sync       models.SyncSettings `yaml:"sync"`
	Logging    LoggingConfig       `yaml:"logging"`
	Monitoring MonitoringConfig    `yaml:"monitoring"`
	Control    ControlConfig       `yaml:"control"`
	Exports    ExportConfig        `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

// ServerConfig points at the remote AI processing service.
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	WebSocketURL   string `yaml:"websocket_url"`
	APIKey         string `yaml:"api_key"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

// ControlConfig configures the local control API used by frontends.
type ControlConfig struct {
	Enabled   bool    `yaml:"enabled"`
	Port      int     `yaml:"port"`
	APIKey    string  `yaml:"api_key"`
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML config at configPath, expanding ${VAR} references from
// the environment (a .env file is honored when present).
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("invalid server base_url: %w", err)
	}
	if c.Server.WebSocketURL == "" {
		return errors.New("server websocket_url is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "jobtrack"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 15
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Control.Enabled && c.Control.Port == 0 {
		c.Control.Port = 8787
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}

	// An all-zero sync section means nothing was configured; start from the
	// documented defaults, then clamp whatever was set.
	if c.Sync.SyncInterval == 0 && c.Sync.MaxBatchSize == 0 {
		c.Sync = models.DefaultSyncSettings()
	}
	c.Sync.Normalize()
}
