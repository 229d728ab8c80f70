// Package config loads the triage pipeline's configuration from a YAML
// file with environment-variable overrides, exposed as a process-wide
// singleton.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Config holds every setting the pipeline needs to run.
type Config struct {
	Server   ServerConfig      `yaml:"server"`
	OpenAI   OpenAIConfig      `yaml:"openai"`
	APIKeys  []string          `yaml:"api_keys"`
	RedisURL string            `yaml:"redis_url"`
	Poll     PollConfig        `yaml:"poll"`
	Cities   map[string]string `yaml:"cities"`
}

// ServerConfig controls the read-surface HTTP listener.
type ServerConfig struct {
	Port             string   `yaml:"port"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownSec      int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// OpenAIConfig configures the classifier's upstream model chain.
type OpenAIConfig struct {
	APIKey string   `yaml:"api_key"`
	Models []string `yaml:"models"`
}

// PollConfig controls the polling cadence shared by every city poller.
type PollConfig struct {
	IntervalSec int `yaml:"interval_sec"`
}

// PollInterval returns the poll interval as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalSec) * time.Second
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide configuration singleton, loading it on
// first use.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil {
			slog.Debug("config: no .env file found, using process environment only", "error", err)
		}

		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: no config file loaded, using env/defaults only", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads a YAML config file. A missing file is not fatal —
// callers fall back to environment variables and defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides layers environment variables over whatever was
// loaded from file, then fills in defaults for anything still unset.
func (c *Config) applyEnvOverrides() {
	c.OpenAI.APIKey = getEnv("OPENAI_API_KEY", c.OpenAI.APIKey)

	if keys := getEnv("API_KEYS", ""); keys != "" {
		c.APIKeys = splitCSV(keys)
	}

	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)

	if v := getEnvInt("POLL_INTERVAL", 0); v > 0 {
		c.Poll.IntervalSec = v
	}

	if citiesJSON := getEnv("CITIES", ""); citiesJSON != "" {
		parsed, err := parseCities(citiesJSON)
		if err != nil {
			slog.Warn("config: CITIES env var is not valid JSON, keeping file value", "error", err)
		} else {
			c.Cities = parsed
		}
	}

	if modelsJSON := getEnv("MODELS", ""); modelsJSON != "" {
		var models []string
		if err := json.Unmarshal([]byte(modelsJSON), &models); err != nil {
			models = splitCSV(modelsJSON)
		}
		c.OpenAI.Models = models
	}

	c.Server.Port = getEnv("PORT", c.Server.Port)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.RedisURL == "" {
		c.RedisURL = "redis://redis:6379/0"
	}
	if c.Poll.IntervalSec == 0 {
		c.Poll.IntervalSec = 60
	}
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownSec == 0 {
		c.Server.ShutdownSec = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
}

func parseCities(raw string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
