// Package app wires the service together: database, object store, model
// provider, ingestion pipeline, and HTTP server. Setup builds everything in
// dependency order and Close releases it in reverse.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corpusd/corpusd/internal/api"
	"github.com/corpusd/corpusd/internal/blob"
	"github.com/corpusd/corpusd/internal/config"
	"github.com/corpusd/corpusd/internal/database"
	"github.com/corpusd/corpusd/internal/embed"
	"github.com/corpusd/corpusd/internal/files"
	"github.com/corpusd/corpusd/internal/index"
	"github.com/corpusd/corpusd/internal/ingest"
	"github.com/corpusd/corpusd/internal/log"
	"github.com/corpusd/corpusd/internal/rag"
	"github.com/corpusd/corpusd/internal/roles"
	"github.com/corpusd/corpusd/internal/session"
)

// sessionTTL is how long an idle conversation stays resumable.
const sessionTTL = 30 * time.Minute

// App holds the assembled service.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool     *pgxpool.Pool
	Genkit   *genkit.Genkit
	Server   *api.Server
	Sessions *session.Registry

	ingest *ingest.Runner
}

// Setup assembles the application. On failure everything already built is
// released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if retErr != nil {
			a.Close()
		}
	}()

	dsn := cfg.Postgres.DSN()
	if err := database.Migrate(dsn); err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	pool, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.Pool = pool

	objects, err := blob.NewMinioStorage(ctx, blob.MinioConfig{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: cfg.Minio.AccessKey,
		SecretKey: cfg.Minio.SecretKey,
		Bucket:    cfg.Minio.Bucket,
		Secure:    cfg.Minio.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to object store: %w", err)
	}
	blobs := blob.New(objects, logger)

	g, embedderRef, err := setupGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder, err := embed.New(embed.Config{
		Embedder:  embedderRef,
		Dimension: cfg.AI.VectorDimension,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedding service: %w", err)
	}

	idx := index.NewStore(pool, logger)
	records := files.NewStore(pool, logger)

	runner, err := ingest.NewRunner(ingest.Config{
		Blobs:        blobs,
		Embedder:     embedder,
		Index:        idx,
		ChunkSize:    cfg.Retrieval.ChunkSize,
		ChunkOverlap: cfg.Retrieval.ChunkOverlap,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating ingest runner: %w", err)
	}
	a.ingest = runner

	orch, err := rag.New(rag.Config{
		Genkit:      g,
		ModelName:   cfg.AI.ModelName,
		Embedder:    embedder,
		Index:       idx,
		Files:       records,
		SearchLimit: cfg.Retrieval.SearchLimit,
		Threshold:   cfg.Retrieval.Threshold,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	pipeline, err := roles.NewPipeline(roles.Config{
		Orchestrator: orch,
		RoleTimeout:  cfg.Retrieval.RoleTimeout,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pipeline: %w", err)
	}

	a.Sessions = session.NewRegistry(sessionTTL, logger)

	server, err := api.NewServer(api.Config{
		Blobs:    blobs,
		Files:    records,
		Ingest:   runner,
		Answerer: orch,
		Streamer: pipeline,
		Sessions: a.Sessions,
		DB:       pool,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	a.Server = server

	return a, nil
}

// setupGenkit initializes the model provider and resolves the embedder.
func setupGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, ai.Embedder, error) {
	switch cfg.AI.Provider {
	case "ollama":
		plugin := &ollama.Ollama{ServerAddress: cfg.AI.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(plugin))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with ollama provider")
		}
		plugin.DefineModel(g, ollama.ModelDefinition{Name: cfg.AI.ModelName, Type: "chat"}, nil)
		plugin.DefineEmbedder(g, cfg.AI.OllamaHost, cfg.AI.EmbedderModel, nil)
		embedder := ollama.Embedder(g, cfg.AI.OllamaHost)
		if embedder == nil {
			return nil, nil, fmt.Errorf("embedder %q not found for ollama", cfg.AI.EmbedderModel)
		}
		logger.Info("initialized genkit", "provider", "ollama", "model", cfg.AI.ModelName)
		return g, embedder, nil

	case "", "googleai":
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with googleai provider")
		}
		embedder := googlegenai.GoogleAIEmbedder(g, cfg.AI.EmbedderModel)
		if embedder == nil {
			return nil, nil, fmt.Errorf("embedder %q not found for googleai", cfg.AI.EmbedderModel)
		}
		logger.Info("initialized genkit", "provider", "googleai", "model", cfg.AI.ModelName)
		return g, embedder, nil

	default:
		return nil, nil, fmt.Errorf("unknown ai provider %q", cfg.AI.Provider)
	}
}

// Close releases resources in reverse dependency order. It waits for
// in-flight ingestion jobs before closing the database pool they use.
func (a *App) Close() {
	if a.ingest != nil {
		a.ingest.Close()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
