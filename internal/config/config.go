// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.tidesk/config.yaml or ./config.yaml)
//  3. Default values
//
// Categories:
//   - Providers: default generation/embedding backend and model selection
//   - Ingest: chunk size, vector dimensionality, storage directory
//   - Retrieval: top-K and similarity threshold for chunk search
//   - Storage: PostgreSQL connection
//   - Server: listen address, rate limiting
//   - Observability: optional OTLP trace export
//
// Sensitive values (passwords, API keys) are masked in MarshalJSON and
// String so the config can be logged safely.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required provider API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the provider name is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidChunkSize indicates the chunk size is out of range.
	ErrInvalidChunkSize = errors.New("invalid chunk size")

	// ErrInvalidVectorDim indicates the embedding dimensionality is invalid.
	ErrInvalidVectorDim = errors.New("invalid vector dimension")

	// ErrInvalidTopK indicates the retrieval top-K value is out of range.
	ErrInvalidTopK = errors.New("invalid retrieval top-k")

	// ErrInvalidThreshold indicates the similarity threshold is out of range.
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")
)

// Provider identifiers used in Config.DefaultProvider and agents.provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

const (
	// DefaultChunkSize is the fixed chunk size in characters for ingestion.
	DefaultChunkSize = 1000

	// DefaultVectorDim is the embedding width the chunks schema stores.
	// gemini-embedding-001 truncates to 768 via OutputDimensionality and
	// text-embedding-3-small accepts dimensions=768, so both providers
	// produce schema-compatible vectors.
	DefaultVectorDim = 768

	// DefaultRetrievalTopK is the maximum number of chunks retrieved per turn.
	DefaultRetrievalTopK = 5

	// DefaultSimilarityThreshold is the minimum cosine similarity a chunk
	// must exceed to be included in chat context.
	DefaultSimilarityThreshold = 0.1
)

// Config stores application configuration.
// SECURITY: sensitive fields are masked in MarshalJSON().
type Config struct {
	// Default generation backend, used when a document or chat turn has
	// no agent (or the agent does not name one).
	DefaultProvider string `mapstructure:"default_provider" json:"default_provider"`
	DefaultModel    string `mapstructure:"default_model" json:"default_model"`
	SystemPrompt    string `mapstructure:"system_prompt" json:"system_prompt"`

	// Provider credentials and endpoints.
	OpenAIAPIKey  string `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE
	OpenAIBaseURL string `mapstructure:"openai_base_url" json:"openai_base_url"`
	GeminiAPIKey  string `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE

	// Embedding models per provider.
	OpenAIEmbedModel string `mapstructure:"openai_embed_model" json:"openai_embed_model"`
	GeminiEmbedModel string `mapstructure:"gemini_embed_model" json:"gemini_embed_model"`

	// Ingestion configuration.
	ChunkSize  int    `mapstructure:"chunk_size" json:"chunk_size"`
	VectorDim  int    `mapstructure:"vector_dim" json:"vector_dim"`
	StorageDir string `mapstructure:"storage_dir" json:"storage_dir"`

	// Retrieval configuration.
	RetrievalTopK       int     `mapstructure:"retrieval_top_k" json:"retrieval_top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" json:"similarity_threshold"`

	// Storage configuration.
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server configuration.
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	RateBurst  int    `mapstructure:"rate_burst" json:"rate_burst"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Observability configuration. Tracing is enabled only when an OTLP
	// endpoint is configured.
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" json:"service_name"`
	Environment  string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".tidesk")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, if set, wins over individual postgres_* fields.
	if err := cfg.applyDatabaseURL(os.Getenv("DATABASE_URL")); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("default_provider", ProviderGemini)
	v.SetDefault("default_model", "gemini-2.5-flash")
	v.SetDefault("system_prompt", "You are a helpful support assistant. Answer using the provided context when it is relevant.")

	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("openai_embed_model", "text-embedding-3-small")
	v.SetDefault("gemini_embed_model", "gemini-embedding-001")

	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("vector_dim", DefaultVectorDim)
	v.SetDefault("storage_dir", "uploads")

	v.SetDefault("retrieval_top_k", DefaultRetrievalTopK)
	v.SetDefault("similarity_threshold", DefaultSimilarityThreshold)

	// PostgreSQL defaults matching docker-compose.yml.
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "tidesk")
	v.SetDefault("postgres_password", "tidesk_dev_password")
	v.SetDefault("postgres_db_name", "tidesk")
	v.SetDefault("postgres_ssl_mode", "disable")

	v.SetDefault("listen_addr", "localhost:8080")
	v.SetDefault("rate_burst", 60)
	v.SetDefault("trust_proxy", false)

	v.SetDefault("service_name", "tidesk")
	v.SetDefault("environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a failure here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("openai_api_key", "OPENAI_API_KEY")
	mustBind("gemini_api_key", "GEMINI_API_KEY")
	mustBind("openai_base_url", "TIDESK_OPENAI_BASE_URL")
	mustBind("default_provider", "TIDESK_PROVIDER")
	mustBind("default_model", "TIDESK_MODEL")
	mustBind("storage_dir", "TIDESK_STORAGE_DIR")
	mustBind("listen_addr", "TIDESK_LISTEN_ADDR")
	mustBind("trust_proxy", "TIDESK_TRUST_PROXY")
	mustBind("otlp_endpoint", "TIDESK_OTLP_ENDPOINT")
	mustBind("environment", "TIDESK_ENV")
}

// applyDatabaseURL overrides the postgres_* fields from a postgres:// URL.
// An empty URL is a no-op.
func (c *Config) applyDatabaseURL(raw string) error {
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &c.PostgresPort); err != nil {
			return fmt.Errorf("invalid port %q", p)
		}
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if db := filepath.Base(u.Path); db != "." && db != "/" {
		c.PostgresDBName = db
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// ConnURL returns the postgres:// connection URL for pgx and golang-migrate.
func (c *Config) ConnURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   "/" + c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against real secrets.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 chars
// or fewer are fully masked; longer secrets keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
// When adding sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.OpenAIAPIKey = maskSecret(a.OpenAIAPIKey)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
