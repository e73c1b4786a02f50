package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string
	Environment string

	StoreType          string
	MongoURI           string
	MongoDB            string
	FirestoreProjectID string
	FirestorePrefix    string

	JWTSecret       string
	DefaultCurrency string
	// RelaxBalanceChecks disables the deposit ceiling. Test environments only.
	RelaxBalanceChecks bool
	MaxRetries         int

	EventWebhookURL string
	// EventWebhooks maps an event type to its own webhook. Types without an
	// entry go to EventWebhookURL.
	EventWebhooks map[string]string
	EventTimeout  time.Duration
	KafkaBrokers    []string
	KafkaTopic      string

	RedisURL          string
	DisputeRateLimit  int
	DisputeRateWindow time.Duration
}

type configFile struct {
	Service struct {
		Port        string `yaml:"port"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`
	Store struct {
		Type               string `yaml:"type"`
		MongoURI           string `yaml:"mongo_uri"`
		MongoDB            string `yaml:"mongo_db"`
		FirestoreProjectID string `yaml:"firestore_project_id"`
		FirestorePrefix    string `yaml:"firestore_prefix"`
	} `yaml:"store"`
	Escrow struct {
		DefaultCurrency    string `yaml:"default_currency"`
		RelaxBalanceChecks bool   `yaml:"relax_balance_checks"`
		MaxRetries         int    `yaml:"max_retries"`
	} `yaml:"escrow"`
	Events struct {
		WebhookURL     string            `yaml:"webhook_url"`
		Webhooks       map[string]string `yaml:"webhooks"`
		TimeoutSeconds int               `yaml:"timeout_seconds"`
		KafkaBrokers   []string          `yaml:"kafka_brokers"`
		KafkaTopic     string            `yaml:"kafka_topic"`
	} `yaml:"events"`
	RateLimit struct {
		RedisURL      string `yaml:"redis_url"`
		Disputes      int    `yaml:"disputes"`
		WindowSeconds int    `yaml:"window_seconds"`
	} `yaml:"rate_limit"`
}

// Load reads an optional .env file, then the YAML file named by CONFIG_FILE,
// then environment variables. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:              "8080",
		Environment:       "development",
		StoreType:         "memory",
		MongoURI:          "mongodb://localhost:27017",
		MongoDB:           "campus_exchange",
		DefaultCurrency:   "USD",
		MaxRetries:        3,
		EventTimeout:      10 * time.Second,
		EventWebhooks:     make(map[string]string),
		KafkaTopic:        "escrow-events",
		DisputeRateLimit:  5,
		DisputeRateWindow: time.Hour,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.StoreType = getEnv("STORE_TYPE", cfg.StoreType)
	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDB = getEnv("MONGO_DB", cfg.MongoDB)
	cfg.FirestoreProjectID = getEnv("FIRESTORE_PROJECT_ID", cfg.FirestoreProjectID)
	cfg.FirestorePrefix = getEnv("FIRESTORE_COLLECTION_PREFIX", cfg.FirestorePrefix)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.DefaultCurrency = strings.ToUpper(getEnv("DEFAULT_CURRENCY", cfg.DefaultCurrency))
	cfg.RelaxBalanceChecks = getEnvBool("RELAX_BALANCE_CHECKS", cfg.RelaxBalanceChecks)
	cfg.MaxRetries = getEnvInt("MAX_RETRIES", cfg.MaxRetries)
	cfg.EventWebhookURL = getEnv("EVENT_WEBHOOK_URL", cfg.EventWebhookURL)
	if raw := os.Getenv("EVENT_WEBHOOKS"); raw != "" {
		hooks, err := parseWebhooks(raw)
		if err != nil {
			return nil, err
		}
		for eventType, url := range hooks {
			cfg.EventWebhooks[eventType] = url
		}
	}
	cfg.EventTimeout = time.Duration(getEnvInt("EVENT_TIMEOUT_SECONDS", int(cfg.EventTimeout.Seconds()))) * time.Second
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
	}
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.KafkaTopic)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.DisputeRateLimit = getEnvInt("DISPUTE_RATE_LIMIT", cfg.DisputeRateLimit)
	cfg.DisputeRateWindow = time.Duration(getEnvInt("DISPUTE_RATE_WINDOW_SECONDS", int(cfg.DisputeRateWindow.Seconds()))) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.Port, f.Service.Port)
	setString(&c.Environment, f.Service.Environment)
	setString(&c.StoreType, f.Store.Type)
	setString(&c.MongoURI, f.Store.MongoURI)
	setString(&c.MongoDB, f.Store.MongoDB)
	setString(&c.FirestoreProjectID, f.Store.FirestoreProjectID)
	setString(&c.FirestorePrefix, f.Store.FirestorePrefix)
	setString(&c.DefaultCurrency, f.Escrow.DefaultCurrency)
	c.RelaxBalanceChecks = c.RelaxBalanceChecks || f.Escrow.RelaxBalanceChecks
	if f.Escrow.MaxRetries > 0 {
		c.MaxRetries = f.Escrow.MaxRetries
	}
	setString(&c.EventWebhookURL, f.Events.WebhookURL)
	for eventType, url := range f.Events.Webhooks {
		c.EventWebhooks[eventType] = url
	}
	if f.Events.TimeoutSeconds > 0 {
		c.EventTimeout = time.Duration(f.Events.TimeoutSeconds) * time.Second
	}
	if len(f.Events.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Events.KafkaBrokers
	}
	setString(&c.KafkaTopic, f.Events.KafkaTopic)
	setString(&c.RedisURL, f.RateLimit.RedisURL)
	if f.RateLimit.Disputes > 0 {
		c.DisputeRateLimit = f.RateLimit.Disputes
	}
	if f.RateLimit.WindowSeconds > 0 {
		c.DisputeRateWindow = time.Duration(f.RateLimit.WindowSeconds) * time.Second
	}
	return nil
}

// Validate rejects configurations that must never run.
func (c *Config) Validate() error {
	switch c.StoreType {
	case "memory", "mongo":
	case "firestore":
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required with firestore store")
		}
	default:
		return fmt.Errorf("unknown STORE_TYPE %q: want memory, mongo or firestore", c.StoreType)
	}
	if c.IsProduction() {
		if c.RelaxBalanceChecks {
			return fmt.Errorf("RELAX_BALANCE_CHECKS cannot be enabled in production")
		}
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.StoreType == "memory" {
			return fmt.Errorf("memory store cannot be used in production")
		}
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.DisputeRateLimit <= 0 || c.DisputeRateWindow <= 0 {
		return fmt.Errorf("dispute rate limit and window must be positive")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseWebhooks reads "type=url" pairs separated by commas.
func parseWebhooks(raw string) (map[string]string, error) {
	hooks := make(map[string]string)
	for _, pair := range splitList(raw) {
		eventType, url, ok := strings.Cut(pair, "=")
		eventType, url = strings.TrimSpace(eventType), strings.TrimSpace(url)
		if !ok || eventType == "" || url == "" {
			return nil, fmt.Errorf("EVENT_WEBHOOKS entry %q: want event_type=url", pair)
		}
		hooks[eventType] = url
	}
	return hooks, nil
}
