// Package embedding turns record text into vectors and keeps every record's
// stored vector consistent with its current text, one tenant at a time.
package embedding

import (
	"context"
	"fmt"
	"time"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider and lifecycle configuration.
type Config struct {
	Provider       string `json:"provider"` // "api", "local" or "none"
	Endpoint       string `json:"endpoint"`
	Model          string `json:"model"`
	APIKey         string `json:"api_key"`
	Dimension      int    `json:"dimension"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxAttempts    int    `json:"max_attempts"`
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	CacheSize      int    `json:"cache_size"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultWorkers     = 4
	DefaultQueueSize   = 256
	DefaultCacheSize   = 1024
)

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = int(DefaultTimeout / time.Second)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
}

// Timeout is the per-call provider deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// NewProvider builds the provider named by cfg.Provider. It returns nil and
// no error for "none" or an empty name.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	}
	return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
}
