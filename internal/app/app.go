// Package app wires configuration into the services shared by the API server and the
// ingest CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"sort"

	"github.com/timmy/mediasearch/internal/cache"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/repository"
	"github.com/timmy/mediasearch/internal/service"
	"github.com/timmy/mediasearch/internal/source"
	"github.com/timmy/mediasearch/internal/source/manifest"
	"github.com/timmy/mediasearch/internal/storage"
	"gorm.io/gorm"
)

// App holds the long-lived components built from one configuration.
type App struct {
	Config   *config.Config
	DB       *gorm.DB
	SQLDB    *sql.DB
	Uploads  *repository.UploadRepository
	Jobs     *repository.ImportJobRepository
	Index    repository.VectorIndex
	Storage  storage.ObjectStorage
	Cache    cache.ResultCache
	Ingest   *service.IngestService
	Search   *service.SearchService
	Importer *service.Importer

	closers []io.Closer
}

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// New connects every backing store and builds the services. The ingestion pipeline is
// not started.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	db, err := repository.InitDB(&cfg.Database, repository.VectorSchema{
		Dimensions:   cfg.Embedding.Dimensions,
		IVFFlatLists: cfg.Vector.IVFFlatLists,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.DB = db
	if a.SQLDB, err = db.DB(); err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	a.closers = append(a.closers, a.SQLDB)
	a.Uploads = repository.NewUploadRepository(db, cfg.Embedding.Dimensions)
	a.Jobs = repository.NewImportJobRepository(db)

	if err := a.initIndex(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if a.Storage, err = storage.NewStorage(&cfg.Storage); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if b, ok := a.Storage.(bucketEnsurer); ok {
		if err := b.EnsureBucket(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure storage bucket: %w", err)
		}
	}

	if a.Cache, err = cache.New(&cfg.Cache); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if c, ok := a.Cache.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	embedder := service.NewOpenAIEmbedder(&cfg.Embedding)
	// Ingest workers and searches each get their own batcher.
	ingestEmbedder := service.NewEmbedBatcher(embedder, cfg.Ingest.BatchWindow, cfg.Ingest.BatchSize, cfg.Ingest.EmbeddingTimeout)
	queryEmbedder := service.NewEmbedBatcher(embedder, cfg.Ingest.BatchWindow, cfg.Ingest.BatchSize, cfg.Ingest.EmbeddingTimeout)

	a.Search = service.NewSearchService(a.Uploads, a.Index, queryEmbedder, a.Cache, &service.SearchConfig{
		DefaultLimit:     cfg.Search.DefaultLimit,
		MaxLimit:         cfg.Search.MaxLimit,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		MaxQueryLength:   cfg.Search.MaxQueryLength,
		SimilarThreshold: cfg.Search.SimilarThreshold,
		BatchConcurrency: cfg.Search.BatchConcurrency,
		MaxBatchQueries:  cfg.Search.MaxBatchQueries,
		CacheTTL:         cfg.Cache.TTL,
	})

	analyzer := service.NewVLMAnalyzer(&cfg.VLM, a.Storage, cfg.Ingest.MaxFileSize)
	logger.With(logger.Fields{
		"vlm_model":       analyzer.GetModel(),
		"embedding_model": embedder.GetModel(),
		"dimensions":      cfg.Embedding.Dimensions,
	}).Info(ctx, "Model providers configured")
	a.Ingest, err = service.NewIngestService(a.Uploads, a.Index, analyzer, ingestEmbedder,
		service.WithWorkers(cfg.Ingest.Workers),
		service.WithQueue(service.NewChannelQueue(cfg.Ingest.QueueSize)),
		service.WithBackoff(service.BackoffPolicy{
			Base:        cfg.Ingest.BackoffBase,
			Max:         cfg.Ingest.BackoffMax,
			MaxAttempts: cfg.Ingest.MaxAttempts,
		}),
		service.WithStageTimeouts(cfg.Ingest.AnalysisTimeout, cfg.Ingest.EmbeddingTimeout),
		service.WithMaxFileSize(cfg.Ingest.MaxFileSize),
		service.WithOnComplete(func(ctx context.Context, rec *domain.UploadRecord) {
			a.Search.InvalidateOwner(ctx, rec.OwnerID)
		}),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create ingest service: %w", err)
	}

	a.Importer = service.NewImporter(a.Ingest, a.Storage, service.WithJobStore(a.Jobs))
	return a, nil
}

func (a *App) initIndex(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Vector.Backend {
	case "qdrant":
		qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
			Host:            cfg.Qdrant.Host,
			Port:            cfg.Qdrant.Port,
			Collection:      cfg.Qdrant.Collection,
			APIKey:          cfg.Qdrant.APIKey,
			UseTLS:          cfg.Qdrant.UseTLS,
			VectorDimension: cfg.Embedding.Dimensions,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize Qdrant repository: %w", err)
		}
		a.closers = append(a.closers, qdrantRepo)
		if err := qdrantRepo.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("failed to ensure Qdrant collection: %w", err)
		}
		a.Index = qdrantRepo
	default:
		a.Index = repository.NewSQLVectorIndex(a.DB)
	}
	logger.With(logger.Fields{"backend": cfg.Vector.Backend}).Info(ctx, "Vector index ready")
	return nil
}

// Sources returns a manifest adapter for every source directory under the configured
// base path, keyed by directory name.
func (a *App) Sources() (map[string]source.Source, error) {
	names, err := manifest.ListSources(a.Config.Sources.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	sources := make(map[string]source.Source, len(names))
	for _, name := range names {
		sources[name] = manifest.NewAdapter(a.Config.Sources.BasePath, name, a.Config.Sources.DefaultOwner)
	}
	return sources, nil
}

// SourceNames returns the names Sources would key by, sorted.
func SourceNames(sources map[string]source.Source) []string {
	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for n := len(a.closers) - 1; n >= 0; n-- {
		if err := a.closers[n].Close(); err != nil {
			logger.Warn("Failed to close resource: %v", err)
		}
	}
	a.closers = nil
}
