package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidesk/tidesk/db"
	"github.com/tidesk/tidesk/internal/blob"
	"github.com/tidesk/tidesk/internal/chat"
	"github.com/tidesk/tidesk/internal/config"
	"github.com/tidesk/tidesk/internal/database"
	"github.com/tidesk/tidesk/internal/ingest"
	"github.com/tidesk/tidesk/internal/log"
	"github.com/tidesk/tidesk/internal/provider"
	"github.com/tidesk/tidesk/internal/store"
)

// app holds the wired application: database pool, provider registry,
// ingestion pipeline and chat service. Built once per command run.
type app struct {
	cfg      *config.Config
	logger   log.Logger
	pool     *pgxpool.Pool
	store    *store.Store
	registry *provider.Registry
	ingestor *ingest.Ingestor
	chat     *chat.Service
}

// setupApp loads configuration, migrates the database and wires all
// components.
func setupApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	logger := log.New(log.Config{JSON: true})

	if err := db.Migrate(cfg.ConnURL()); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.ConnURL())
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	st, err := store.New(pool, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}

	registry := provider.NewRegistry()

	gemini, err := provider.NewGemini(ctx, provider.GeminiConfig{
		APIKey:     cfg.GeminiAPIKey,
		EmbedModel: cfg.GeminiEmbedModel,
		Dimension:  cfg.VectorDim,
		Logger:     logger,
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating gemini provider: %w", err)
	}
	registry.Register(provider.NameGemini, gemini, gemini)

	// OpenAI is optional: without a key, agents configured for it fail
	// at resolution time with an unknown-provider error.
	if cfg.OpenAIAPIKey != "" {
		openai, err := provider.NewOpenAI(provider.OpenAIConfig{
			BaseURL:    cfg.OpenAIBaseURL,
			APIKey:     cfg.OpenAIAPIKey,
			EmbedModel: cfg.OpenAIEmbedModel,
			Dimension:  cfg.VectorDim,
			Logger:     logger,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating openai provider: %w", err)
		}
		registry.Register(provider.NameOpenAI, openai, openai)
	}

	ingestor := ingest.New(st, blob.NewDir(cfg.StorageDir), registry, ingest.Options{
		DefaultProvider: cfg.DefaultProvider,
		ChunkSize:       cfg.ChunkSize,
		Logger:          logger,
	})

	// Query embeddings are pinned to gemini so stored vectors and
	// query vectors always come from the same model, regardless of
	// which provider an agent generates with.
	chatSvc := chat.New(st, registry, gemini, chat.Options{
		Defaults: chat.Defaults{
			Provider:     cfg.DefaultProvider,
			Model:        cfg.DefaultModel,
			SystemPrompt: cfg.SystemPrompt,
		},
		TopK:      cfg.RetrievalTopK,
		Threshold: cfg.SimilarityThreshold,
		Logger:    logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		store:    st,
		registry: registry,
		ingestor: ingestor,
		chat:     chatSvc,
	}, nil
}

// Close releases the application's resources.
func (a *app) Close() {
	a.pool.Close()
}
