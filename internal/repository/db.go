package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/timmy/mediasearch/internal/config"
	"github.com/timmy/mediasearch/internal/domain"
	applog "github.com/timmy/mediasearch/internal/logger"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// VectorSchema describes the embedding column and its ANN index.
type VectorSchema struct {
	Dimensions   int
	IVFFlatLists int // postgres only; more lists = faster, less exact
}

// InitDB initializes the database connection based on configuration and runs migrations.
// Parameters:
//   - cfg: database configuration including driver and connection settings.
//   - schema: embedding dimension and index tuning.
//
// Returns:
//   - *gorm.DB: initialized database handle.
//   - error: non-nil if connection or migration fails.
func InitDB(cfg *config.DatabaseConfig, schema VectorSchema) (*gorm.DB, error) {
	logMode := logger.Warn
	if cfg.LogSQL {
		logMode = logger.Info
	}
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logMode),
	}

	applog.Info("[DB] Initializing database with driver: %q", cfg.Driver)

	var db *gorm.DB
	var err error
	switch cfg.Driver {
	case "postgres":
		db, err = initPostgres(cfg, gormConfig)
	case "sqlite":
		db, err = initSQLite(cfg, gormConfig)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB instance: %w", err)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if cfg.AutoMigrate {
		if err := Migrate(db, schema); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Migrate creates or updates the uploads table and, on postgres, the vector index.
func Migrate(db *gorm.DB, schema VectorSchema) error {
	postgresDialect := isPostgres(db)
	if postgresDialect {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("failed to enable pgvector extension: %w", err)
		}
	}

	if err := db.AutoMigrate(&domain.UploadRecord{}, &domain.ImportJob{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if !postgresDialect {
		return nil
	}

	// AutoMigrate creates an untyped vector column; the IVFFlat index needs a fixed dimension.
	if schema.Dimensions > 0 {
		stmt := fmt.Sprintf("ALTER TABLE uploads ALTER COLUMN embedding TYPE vector(%d)", schema.Dimensions)
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to fix embedding dimension: %w", err)
		}
	}

	lists := schema.IVFFlatLists
	if lists <= 0 {
		lists = 100
	}
	stmt := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS idx_uploads_embedding ON uploads USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
		lists,
	)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}
	return nil
}

func isPostgres(db *gorm.DB) bool {
	return db.Dialector.Name() == "postgres"
}

// initPostgres connects with PreferSimpleProtocol so transaction poolers work.
func initPostgres(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  cfg.DSN(),
		PreferSimpleProtocol: true,
	}), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func initSQLite(cfg *config.DatabaseConfig, gormConfig *gorm.Config) (*gorm.DB, error) {
	if cfg.Path != "" && cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	return db, nil
}
