package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_TYPE", "")
	t.Setenv("ENVIRONMENT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StoreType != "memory" {
		t.Errorf("StoreType = %q, want memory", cfg.StoreType)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", cfg.MaxRetries)
	}
	if cfg.DisputeRateWindow != time.Hour {
		t.Errorf("DisputeRateWindow = %v, want 1h", cfg.DisputeRateWindow)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	yaml := `
service:
  port: "9090"
store:
  type: mongo
  mongo_db: escrow_file
events:
  kafka_brokers: ["k1:9092", "k2:9092"]
  kafka_topic: from-file
  webhooks:
    escrow.milestone_released: http://payouts.internal/hooks
    dispute.created: http://file.internal/disputes
rate_limit:
  disputes: 2
  window_seconds: 60
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("KAFKA_TOPIC", "from-env")
	t.Setenv("EVENT_WEBHOOKS", "dispute.created=http://env.internal/disputes")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("STORE_TYPE", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.StoreType != "mongo" || cfg.MongoDB != "escrow_file" {
		t.Errorf("store = %s/%s, want mongo/escrow_file", cfg.StoreType, cfg.MongoDB)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Errorf("KafkaBrokers = %v, want 2 brokers", cfg.KafkaBrokers)
	}
	if cfg.KafkaTopic != "from-env" {
		t.Errorf("KafkaTopic = %q, want from-env", cfg.KafkaTopic)
	}
	if cfg.DisputeRateLimit != 2 || cfg.DisputeRateWindow != time.Minute {
		t.Errorf("dispute rate = %d per %v, want 2 per 1m", cfg.DisputeRateLimit, cfg.DisputeRateWindow)
	}
	if got := cfg.EventWebhooks["escrow.milestone_released"]; got != "http://payouts.internal/hooks" {
		t.Errorf("escrow.milestone_released webhook = %q, want the file value", got)
	}
	if got := cfg.EventWebhooks["dispute.created"]; got != "http://env.internal/disputes" {
		t.Errorf("dispute.created webhook = %q, want the env value", got)
	}
}

func TestLoadBadWebhookList(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STORE_TYPE", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("EVENT_WEBHOOKS", "escrow.released")
	if _, err := Load(); err == nil {
		t.Error("Load() with malformed EVENT_WEBHOOKS error = nil, want error")
	}
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("service: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	if _, err := Load(); err == nil {
		t.Error("Load() with malformed yaml error = nil, want error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Environment:       "production",
			StoreType:         "mongo",
			JWTSecret:         "secret",
			MaxRetries:        3,
			DisputeRateLimit:  5,
			DisputeRateWindow: time.Hour,
		}
	}
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid production", modify: func(*Config) {}},
		{name: "relaxed checks in production", modify: func(c *Config) { c.RelaxBalanceChecks = true }, wantErr: true},
		{name: "relaxed checks in test", modify: func(c *Config) { c.RelaxBalanceChecks = true; c.Environment = "test" }},
		{name: "missing jwt secret in production", modify: func(c *Config) { c.JWTSecret = "" }, wantErr: true},
		{name: "memory store in production", modify: func(c *Config) { c.StoreType = "memory" }, wantErr: true},
		{name: "unknown store", modify: func(c *Config) { c.StoreType = "postgres" }, wantErr: true},
		{name: "firestore without project", modify: func(c *Config) { c.StoreType = "firestore" }, wantErr: true},
		{name: "firestore with project", modify: func(c *Config) { c.StoreType = "firestore"; c.FirestoreProjectID = "p" }},
		{name: "zero rate limit", modify: func(c *Config) { c.DisputeRateLimit = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
