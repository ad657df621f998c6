// Package config provides application configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ashureev/conductor/internal/integrations/paramstore"
)

// Checkpoint backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	FrontendURL     string
	PublicURL       string
	DBPath          string
	LogLevel        string
	DefaultTimezone string
	CORSOrigins     []string

	Checkpoint CheckpointConfig
	LLM        LLMConfig
	Embedding  EmbeddingConfig
	Scheduler  SchedulerConfig
	RateLimit  RateLimitConfig
	Transcript TranscriptConfig

	DiscoveryLimit     int
	CapabilityManifest string

	GitHub              OAuthConfig
	GitHubWebhookSecret string
	AuthCallbackSecret  string
	Google              OAuthConfig
	Notion              OAuthConfig

	ParamPrefix string
}

// CheckpointConfig selects and tunes checkpoint persistence.
type CheckpointConfig struct {
	Backend           string
	Table             string
	MaxTokens         int
	TTLDays           int
	RetentionInterval time.Duration
}

// TTL returns the checkpoint retention window.
func (c CheckpointConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

// LLMConfig configures the decision model.
type LLMConfig struct {
	Model     string
	BaseURL   string
	APIKey    string
	MaxTokens int
}

// EmbeddingConfig configures the embedder. An empty Addr selects the local
// hashing embedder.
type EmbeddingConfig struct {
	Addr       string
	Dimensions int
}

// SchedulerConfig configures job retry.
type SchedulerConfig struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// RateLimitConfig configures the per-owner chat limiter.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// OAuthConfig holds one provider's OAuth client settings.
type OAuthConfig struct {
	ClientID    string
	RedirectURI string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("frontend_url", "")
	v.SetDefault("public_url", "")
	v.SetDefault("db_path", "./data/conductor.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("default_timezone", "Asia/Seoul")
	v.SetDefault("cors_origins", "*")

	v.SetDefault("checkpoint_backend", BackendSQLite)
	v.SetDefault("checkpoint_table", "")
	v.SetDefault("checkpoint_max_tokens", 4000)
	v.SetDefault("checkpoint_ttl_days", 30)
	v.SetDefault("retention_interval", "1h")

	v.SetDefault("discovery_limit", 10)
	v.SetDefault("capability_manifest", "")

	v.SetDefault("llm_model", "")
	v.SetDefault("llm_base_url", "")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("llm_max_tokens", 4096)

	v.SetDefault("embedding_addr", "")
	v.SetDefault("embedding_dimensions", 768)

	v.SetDefault("scheduler_base_delay", "1s")
	v.SetDefault("scheduler_max_retries", 3)

	for _, p := range []string{"github", "google", "notion"} {
		v.SetDefault(p+"_client_id", "")
		v.SetDefault(p+"_redirect_uri", "")
	}
	v.SetDefault("github_webhook_secret", "")
	v.SetDefault("auth_callback_secret", "")
	v.SetDefault("param_prefix", "")

	v.SetDefault("rate_limit_requests", 10)
	v.SetDefault("rate_limit_window", "1m")

	v.SetDefault("transcript_enabled", true)
	v.SetDefault("transcript_dir", "./data/transcripts")
	v.SetDefault("transcript_queue_size", 1000)
}

// Load reads configuration from defaults, an optional YAML file and the
// environment, in increasing precedence. CONFIG_FILE names the file;
// otherwise conductor.yaml is looked up in . and /etc/conductor.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/conductor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}
	v.AutomaticEnv()

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Port:            v.GetString("port"),
		FrontendURL:     v.GetString("frontend_url"),
		PublicURL:       strings.TrimRight(v.GetString("public_url"), "/"),
		DBPath:          v.GetString("db_path"),
		LogLevel:        v.GetString("log_level"),
		DefaultTimezone: v.GetString("default_timezone"),
		CORSOrigins:     splitList(v.GetString("cors_origins")),
		Checkpoint: CheckpointConfig{
			Backend:           strings.ToLower(v.GetString("checkpoint_backend")),
			Table:             v.GetString("checkpoint_table"),
			MaxTokens:         v.GetInt("checkpoint_max_tokens"),
			TTLDays:           v.GetInt("checkpoint_ttl_days"),
			RetentionInterval: v.GetDuration("retention_interval"),
		},
		LLM: LLMConfig{
			Model:     v.GetString("llm_model"),
			BaseURL:   v.GetString("llm_base_url"),
			APIKey:    v.GetString("llm_api_key"),
			MaxTokens: v.GetInt("llm_max_tokens"),
		},
		Embedding: EmbeddingConfig{
			Addr:       v.GetString("embedding_addr"),
			Dimensions: v.GetInt("embedding_dimensions"),
		},
		Scheduler: SchedulerConfig{
			BaseDelay:  v.GetDuration("scheduler_base_delay"),
			MaxRetries: v.GetInt("scheduler_max_retries"),
		},
		RateLimit: RateLimitConfig{
			Requests: v.GetInt("rate_limit_requests"),
			Window:   v.GetDuration("rate_limit_window"),
		},
		Transcript: TranscriptConfig{
			Enabled:   v.GetBool("transcript_enabled"),
			Dir:       v.GetString("transcript_dir"),
			QueueSize: v.GetInt("transcript_queue_size"),
		},
		DiscoveryLimit:      v.GetInt("discovery_limit"),
		CapabilityManifest:  v.GetString("capability_manifest"),
		GitHub:              oauth(v, "github"),
		GitHubWebhookSecret: v.GetString("github_webhook_secret"),
		AuthCallbackSecret:  v.GetString("auth_callback_secret"),
		Google:              oauth(v, "google"),
		Notion:              oauth(v, "notion"),
		ParamPrefix:         v.GetString("param_prefix"),
	}
}

func oauth(v *viper.Viper, provider string) OAuthConfig {
	return OAuthConfig{
		ClientID:    v.GetString(provider + "_client_id"),
		RedirectURI: v.GetString(provider + "_redirect_uri"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Checkpoint.Backend {
	case BackendSQLite:
	case BackendDynamoDB:
		if c.Checkpoint.Table == "" {
			return fmt.Errorf("CHECKPOINT_TABLE is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("unknown CHECKPOINT_BACKEND %q", c.Checkpoint.Backend)
	}
	if c.Checkpoint.MaxTokens <= 0 {
		return fmt.Errorf("CHECKPOINT_MAX_TOKENS must be > 0")
	}
	if c.Checkpoint.TTLDays <= 0 {
		return fmt.Errorf("CHECKPOINT_TTL_DAYS must be > 0")
	}
	if c.Checkpoint.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_INTERVAL must be > 0")
	}
	if c.DiscoveryLimit <= 0 {
		return fmt.Errorf("DISCOVERY_LIMIT must be > 0")
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM_MAX_TOKENS must be > 0")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be > 0")
	}
	if c.Scheduler.BaseDelay <= 0 {
		return fmt.Errorf("SCHEDULER_BASE_DELAY must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("SCHEDULER_MAX_RETRIES must be >= 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Secret parameter keys under ParamPrefix.
const (
	ParamLLMAPIKey           = "llm-api-key"
	ParamGitHubWebhookSecret = "github-webhook-secret"
	ParamAuthCallbackSecret  = "auth-callback-secret"
)

// ResolveSecrets fills empty secrets from Parameter Store when ParamPrefix is
// set. Values already present in the environment win. Missing parameters are
// skipped.
func (c *Config) ResolveSecrets(ctx context.Context, params paramstore.Getter) error {
	if c.ParamPrefix == "" || params == nil {
		return nil
	}
	targets := []struct {
		key string
		dst *string
	}{
		{ParamLLMAPIKey, &c.LLM.APIKey},
		{ParamGitHubWebhookSecret, &c.GitHubWebhookSecret},
		{ParamAuthCallbackSecret, &c.AuthCallbackSecret},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		value, err := params.GetParameter(ctx, paramstore.Name(c.ParamPrefix, t.key))
		if errors.Is(err, paramstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("resolve %s: %w", t.key, err)
		}
		*t.dst = value
	}
	return nil
}
