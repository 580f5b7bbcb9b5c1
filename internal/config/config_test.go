package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("NUKA_TEST_DSN", "postgres://nuka@db/nuka")
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"server": {"port": ${NUKA_TEST_PORT:9090}, "log_level": "DEBUG"},
		"database": {
			"postgres": {"dsn": "${NUKA_TEST_DSN}"},
			"qdrant": {"host": "${NUKA_TEST_QDRANT:localhost}"}
		},
		"embedding": {"provider": "local", "model": "nomic-embed-text", "dimension": 768}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Postgres.DSN != "postgres://nuka@db/nuka" {
		t.Errorf("dsn = %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Qdrant.Host != "localhost" || cfg.Database.Qdrant.Port != 6334 {
		t.Errorf("qdrant = %+v", cfg.Database.Qdrant)
	}
	if cfg.Embedding.Dimension != 768 || cfg.Embedding.MaxAttempts != 3 {
		t.Errorf("embedding = %+v", cfg.Embedding)
	}
	if cfg.Search.VectorWeight != 0.7 || cfg.Maintenance.Schedule != DefaultSchedule {
		t.Errorf("defaults not applied: search %+v maintenance %+v", cfg.Search, cfg.Maintenance)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad provider", `{"embedding": {"provider": "magic"}}`, "embedding.provider"},
		{"bad schedule", `{"maintenance": {"schedule": "whenever"}}`, "maintenance.schedule"},
		{"bad port", `{"server": {"port": 70000}}`, "server.port"},
		{"limits", `{"search": {"default_limit": 200, "max_limit": 50}}`, "default_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != DefaultPort || cfg.Database.Postgres.DSN != "" || cfg.Embedding.Provider != "" {
		t.Errorf("default = %+v", cfg)
	}
}
