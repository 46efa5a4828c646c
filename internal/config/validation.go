package config

import (
	"fmt"
	"log/slog"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.DefaultProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required for provider %q",
				ErrMissingAPIKey, ProviderOpenAI)
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for provider %q",
				ErrMissingAPIKey, ProviderGemini)
		}
	default:
		return fmt.Errorf("%w: %q, must be %q or %q",
			ErrInvalidProvider, c.DefaultProvider, ProviderOpenAI, ProviderGemini)
	}

	// Query embeddings always go through Gemini regardless of the agent's
	// generation provider, so its key must be present either way.
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY is required for query embeddings", ErrMissingAPIKey)
	}

	if c.DefaultModel == "" {
		return fmt.Errorf("%w: default_model cannot be empty", ErrInvalidModelName)
	}
	if c.OpenAIEmbedModel == "" || c.GeminiEmbedModel == "" {
		return fmt.Errorf("%w: embed model names cannot be empty", ErrInvalidModelName)
	}

	// Chunks must be non-empty and small enough to embed in one call.
	if c.ChunkSize < 1 || c.ChunkSize > 8192 {
		return fmt.Errorf("%w: must be between 1 and 8192, got %d", ErrInvalidChunkSize, c.ChunkSize)
	}

	// The stored vector width is a binary contract with the chunks schema;
	// changing it requires a migration.
	if c.VectorDim != DefaultVectorDim {
		return fmt.Errorf("%w: schema stores vector(%d), got %d",
			ErrInvalidVectorDim, DefaultVectorDim, c.VectorDim)
	}

	if c.RetrievalTopK < 1 || c.RetrievalTopK > 50 {
		return fmt.Errorf("%w: must be between 1 and 50, got %d", ErrInvalidTopK, c.RetrievalTopK)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold >= 1 {
		return fmt.Errorf("%w: must be in [0, 1), got %g", ErrInvalidThreshold, c.SimilarityThreshold)
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}
	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}
	if c.PostgresPassword == "tidesk_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"hint", "change postgres_password for production deployments")
	}

	return nil
}
