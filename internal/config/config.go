package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the incident pipeline.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Inference    InferenceConfig    `yaml:"inference"`
	Sources      SourcesConfig      `yaml:"sources"`
	Webhooks     WebhooksConfig     `yaml:"webhooks"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Cache        CacheConfig        `yaml:"cache"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig controls the webhook HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// StorageConfig locates the SQLite database file.
type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// InferenceConfig configures access to the OpenAI-compatible inference gateway.
// An empty APIKey disables every model-backed job.
type InferenceConfig struct {
	BaseURL         string        `yaml:"baseURL"`
	APIKey          string        `yaml:"apiKey"`
	TextModel       string        `yaml:"textModel"`
	VisionModel     string        `yaml:"visionModel"`
	EmbeddingModel  string        `yaml:"embeddingModel"`
	EmbedTimeout    time.Duration `yaml:"embedTimeout"`
	GenerateTimeout time.Duration `yaml:"generateTimeout"`
	VisionTimeout   time.Duration `yaml:"visionTimeout"`
	MaxAttempts     int           `yaml:"maxAttempts" validate:"min=1"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
}

// SourcesConfig groups the external signal fetchers.
type SourcesConfig struct {
	Window    time.Duration   `yaml:"window"`
	GitHub    GitHubConfig    `yaml:"github"`
	PagerDuty PagerDutyConfig `yaml:"pagerduty"`
}

// GitHubConfig configures the deployment signal fetcher.
type GitHubConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Org     string        `yaml:"org"`
	Timeout time.Duration `yaml:"timeout"`
}

// PagerDutyConfig configures the alert signal fetcher.
type PagerDutyConfig struct {
	BaseURL string        `yaml:"baseURL"`
	APIKey  string        `yaml:"apiKey"`
	Email   string        `yaml:"email"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhooksConfig controls the inbound and outbound webhook layer.
// InboundSecrets maps a source tag (github, pagerduty, generic) to the shared
// secret used for signature verification; sources without a secret skip it.
type WebhooksConfig struct {
	InboundSecrets  map[string]string `yaml:"inboundSecrets"`
	DeliveryTimeout time.Duration     `yaml:"deliveryTimeout"`
}

// OrchestratorConfig sizes the background job executor.
type OrchestratorConfig struct {
	Workers      int           `yaml:"workers" validate:"min=1"`
	QueueSize    int           `yaml:"queueSize" validate:"min=1"`
	MaxAttempts  int           `yaml:"maxAttempts" validate:"min=1"`
	RetryBackoff time.Duration `yaml:"retryBackoff"`
	ClaimTTL     time.Duration `yaml:"claimTTL"`
}

// CacheConfig selects the cache provider backing idempotency claims and
// embedding lookups.
type CacheConfig struct {
	Backend      string        `yaml:"backend" validate:"oneof=memory valkey none"`
	TTL          time.Duration `yaml:"ttl"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	TLS          bool          `yaml:"tls"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("OPSLENS_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{Path: "opslens.db"},
		Inference: InferenceConfig{
			TextModel:       "meta-llama/Llama-3.1-8B-Instruct",
			VisionModel:     "Qwen/Qwen2-VL-2B-Instruct",
			EmbeddingModel:  "BAAI/bge-m3",
			EmbedTimeout:    60 * time.Second,
			GenerateTimeout: 60 * time.Second,
			VisionTimeout:   120 * time.Second,
			MaxAttempts:     3,
			RetryDelay:      3 * time.Second,
		},
		Sources: SourcesConfig{
			Window:    24 * time.Hour,
			GitHub:    GitHubConfig{BaseURL: "https://api.github.com", Timeout: 30 * time.Second},
			PagerDuty: PagerDutyConfig{BaseURL: "https://api.pagerduty.com", Timeout: 30 * time.Second},
		},
		Webhooks: WebhooksConfig{
			DeliveryTimeout: 10 * time.Second,
		},
		Orchestrator: OrchestratorConfig{
			Workers:      4,
			QueueSize:    256,
			MaxAttempts:  3,
			RetryBackoff: 2 * time.Second,
			ClaimTTL:     time.Minute,
		},
		Cache: CacheConfig{
			Backend:      "memory",
			TTL:          5 * time.Minute,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSLENS_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("OPSLENS_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("OPSLENS_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("OPSLENS_INFERENCE_BASE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("OPSLENS_INFERENCE_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("OPSLENS_TEXT_MODEL"); v != "" {
		cfg.Inference.TextModel = v
	}
	if v := os.Getenv("OPSLENS_VISION_MODEL"); v != "" {
		cfg.Inference.VisionModel = v
	}
	if v := os.Getenv("OPSLENS_EMBEDDING_MODEL"); v != "" {
		cfg.Inference.EmbeddingModel = v
	}
	if v := os.Getenv("OPSLENS_GITHUB_API_KEY"); v != "" {
		cfg.Sources.GitHub.APIKey = v
	}
	if v := os.Getenv("OPSLENS_GITHUB_ORG"); v != "" {
		cfg.Sources.GitHub.Org = v
	}
	if v := os.Getenv("OPSLENS_PAGERDUTY_API_KEY"); v != "" {
		cfg.Sources.PagerDuty.APIKey = v
	}
	if v := os.Getenv("OPSLENS_PAGERDUTY_EMAIL"); v != "" {
		cfg.Sources.PagerDuty.Email = v
	}
	if v := os.Getenv("OPSLENS_SOURCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sources.Window = d
		}
	}
	if v := os.Getenv("OPSLENS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.Workers = n
		}
	}
	if v := os.Getenv("OPSLENS_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("OPSLENS_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("OPSLENS_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("OPSLENS_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("OPSLENS_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("OPSLENS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OPSLENS_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	for _, source := range []string{"github", "pagerduty", "generic"} {
		env := "OPSLENS_WEBHOOK_SECRET_" + strings.ToUpper(source)
		if v := os.Getenv(env); v != "" {
			if cfg.Webhooks.InboundSecrets == nil {
				cfg.Webhooks.InboundSecrets = make(map[string]string)
			}
			cfg.Webhooks.InboundSecrets[source] = v
		}
	}
}
