package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/graph"
	"github.com/nidhogg/nuka-memory/internal/search"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Database    DatabaseConfig    `json:"database"`
	Embedding   embedding.Config  `json:"embedding"`
	Search      search.Config     `json:"search"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type ServerConfig struct {
	Port        int      `json:"port"`
	LogLevel    string   `json:"log_level"`
	AdminToken  string   `json:"admin_token"`
	CORSOrigins []string `json:"cors_origins"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig           `json:"postgres"`
	Neo4j    graph.Config             `json:"neo4j"`
	Redis    RedisConfig              `json:"redis"`
	Qdrant   vectorstore.QdrantConfig `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// MaintenanceConfig schedules the per-tenant embedding sweep.
type MaintenanceConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron expression or descriptor, e.g. "@every 6h"
}

const (
	DefaultPort     = 8080
	DefaultSchedule = "@every 6h"
)

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default is the configuration used when no file is given: in-memory
// storage, no embedding provider, no optional services.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate applies defaults and rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	c.Server.LogLevel = strings.ToLower(strings.TrimSpace(c.Server.LogLevel))
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if len(c.Server.CORSOrigins) == 0 {
		c.Server.CORSOrigins = []string{"*"}
	}

	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	switch c.Embedding.Provider {
	case "", "none", "api", "openai", "local", "ollama":
	default:
		return fmt.Errorf("embedding.provider %q is not one of api, local, none", c.Embedding.Provider)
	}
	if c.Embedding.Dimension < 0 {
		return fmt.Errorf("embedding.dimension must not be negative")
	}
	c.Embedding.ApplyDefaults()

	c.Search.ApplyDefaults()
	if c.Search.Threshold > 1 {
		return fmt.Errorf("search.threshold %v must be at most 1", c.Search.Threshold)
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		return fmt.Errorf("search.default_limit %d exceeds max_limit %d", c.Search.DefaultLimit, c.Search.MaxLimit)
	}

	if c.Database.Qdrant.Host != "" && c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}

	if c.Maintenance.Schedule == "" {
		c.Maintenance.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(c.Maintenance.Schedule); err != nil {
		return fmt.Errorf("maintenance.schedule %q: %w", c.Maintenance.Schedule, err)
	}
	return nil
}
