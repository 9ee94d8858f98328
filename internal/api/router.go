package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/mediasearch/internal/api/handler"
	"github.com/timmy/mediasearch/internal/api/middleware"
	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/logger"
	"github.com/timmy/mediasearch/internal/source"
)

// Dependencies are the services the router exposes.
type Dependencies struct {
	Ingest   handler.IngestPipeline
	Resumer  handler.Resumer
	Uploads  handler.UploadStore
	Search   handler.Searcher
	Importer handler.SourceImporter
	Jobs     handler.JobLister
	Sources  map[string]source.Source
	DB       handler.Pinger
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Dependencies, cfg *config.ServerConfig) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler(deps.DB)
	uploadHandler := handler.NewUploadHandler(deps.Ingest, deps.Uploads)
	searchHandler := handler.NewSearchHandler(deps.Search)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := r.Group("/api/v1", middleware.RequireOwner())
	{
		// Uploads
		v1.POST("/uploads", uploadHandler.Submit)
		v1.GET("/uploads", uploadHandler.List)
		v1.GET("/uploads/stats", uploadHandler.Stats)
		v1.GET("/uploads/:id", uploadHandler.Get)
		v1.POST("/uploads/:id/retry", uploadHandler.Retry)
		v1.GET("/uploads/:id/similar", searchHandler.Similar)

		// Search
		v1.POST("/search", searchHandler.TextSearch)
		v1.GET("/search", searchHandler.TextSearchGet)
		v1.POST("/search/batch", searchHandler.BatchSearch)
	}

	if deps.Importer != nil && deps.Resumer != nil {
		adminHandler := handler.NewAdminHandler(deps.Importer, deps.Resumer, deps.Jobs, deps.Sources)
		admin := r.Group("/api/v1/admin")
		{
			admin.POST("/import", adminHandler.TriggerImport)
			admin.GET("/import/status", adminHandler.GetImportStatus)
			admin.GET("/import/jobs", adminHandler.ListJobs)
			admin.POST("/resume", adminHandler.Resume)
		}
	}

	return r
}
