package repository

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/timmy/mediasearch/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VectorFilter restricts a similarity query. Only completed uploads are ever matched.
type VectorFilter struct {
	OwnerID       string
	FileType      *domain.FileType
	DateFrom      *time.Time
	DateTo        *time.Time
	ExcludeID     string
	MinSimilarity float64 // applied before the limit
}

// VectorMatch is one hit from a similarity query.
type VectorMatch struct {
	UploadID   string
	Similarity float64
	CreatedAt  time.Time
}

// VectorIndex runs cosine similarity queries over completed uploads.
type VectorIndex interface {
	// Upsert makes a completed upload searchable.
	Upsert(ctx context.Context, rec *domain.UploadRecord) error
	// Delete removes an upload from the index.
	Delete(ctx context.Context, id string) error
	// Search returns up to limit matches with similarity >= filter.MinSimilarity,
	// most similar first, ties broken by newest first.
	Search(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorMatch, error)
}

// SQLVectorIndex queries the embedding column of the uploads table directly.
// On postgres it uses pgvector's cosine distance operator (and the IVFFlat index);
// on other dialects it scores completed rows in process.
type SQLVectorIndex struct {
	db *gorm.DB
}

// NewSQLVectorIndex creates a SQLVectorIndex over db.
func NewSQLVectorIndex(db *gorm.DB) *SQLVectorIndex {
	return &SQLVectorIndex{db: db}
}

// Upsert is a no-op: the embedding is written with the upload row itself.
func (i *SQLVectorIndex) Upsert(ctx context.Context, rec *domain.UploadRecord) error {
	return nil
}

// Delete is a no-op: deleting the upload row removes its embedding.
func (i *SQLVectorIndex) Delete(ctx context.Context, id string) error {
	return nil
}

// Search implements VectorIndex.
func (i *SQLVectorIndex) Search(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorMatch, error) {
	if limit <= 0 {
		return []VectorMatch{}, nil
	}
	if isPostgres(i.db) {
		return i.searchPostgres(ctx, vector, filter, limit)
	}
	return i.searchInProcess(ctx, vector, filter, limit)
}

func (i *SQLVectorIndex) scoped(ctx context.Context, filter VectorFilter) *gorm.DB {
	query := i.db.WithContext(ctx).
		Model(&domain.UploadRecord{}).
		Where("status = ? AND embedding IS NOT NULL", domain.UploadStatusCompleted)
	if filter.OwnerID != "" {
		query = query.Where("owner_id = ?", filter.OwnerID)
	}
	if filter.FileType != nil {
		query = query.Where("file_type = ?", *filter.FileType)
	}
	if filter.DateFrom != nil {
		query = query.Where("created_at >= ?", *filter.DateFrom)
	}
	if filter.DateTo != nil {
		query = query.Where("created_at <= ?", *filter.DateTo)
	}
	if filter.ExcludeID != "" {
		query = query.Where("id <> ?", filter.ExcludeID)
	}
	return query
}

type similarityRow struct {
	ID         string
	CreatedAt  time.Time
	Similarity float64
}

func (i *SQLVectorIndex) searchPostgres(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorMatch, error) {
	vec := pgvector.NewVector(vector)

	var rows []similarityRow
	err := i.scoped(ctx, filter).
		Select("id, created_at, 1 - (embedding <=> ?::vector) AS similarity", vec).
		Where("1 - (embedding <=> ?::vector) >= ?", vec, filter.MinSimilarity).
		Clauses(clause.OrderBy{Expression: clause.Expr{
			SQL:                "embedding <=> ?::vector, created_at DESC",
			Vars:               []interface{}{vec},
			WithoutParentheses: true,
		}}).
		Limit(limit).
		Scan(&rows).Error
	if err != nil {
		return nil, domain.Retryable("vector search", err)
	}

	matches := make([]VectorMatch, len(rows))
	for n, row := range rows {
		matches[n] = VectorMatch{UploadID: row.ID, Similarity: row.Similarity, CreatedAt: row.CreatedAt}
	}
	return matches, nil
}

type embeddingRow struct {
	ID        string
	CreatedAt time.Time
	Embedding pgvector.Vector
}

func (i *SQLVectorIndex) searchInProcess(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorMatch, error) {
	var rows []embeddingRow
	if err := i.scoped(ctx, filter).Select("id, created_at, embedding").Find(&rows).Error; err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, domain.Retryable("vector search", err)
	}

	matches := make([]VectorMatch, 0, len(rows))
	for _, row := range rows {
		sim := CosineSimilarity(vector, row.Embedding.Slice())
		if sim >= filter.MinSimilarity {
			matches = append(matches, VectorMatch{UploadID: row.ID, Similarity: sim, CreatedAt: row.CreatedAt})
		}
	}

	SortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SortMatches orders matches by similarity descending, newest first on ties.
func SortMatches(matches []VectorMatch) {
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].Similarity != matches[b].Similarity {
			return matches[a].Similarity > matches[b].Similarity
		}
		return matches[a].CreatedAt.After(matches[b].CreatedAt)
	})
}

// CosineSimilarity returns the cosine of the angle between a and b, in [-1, 1].
// Mismatched lengths or zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for n := range a {
		x, y := float64(a[n]), float64(b[n])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return math.Max(-1, math.Min(1, sim))
}

// compile-time checks
var (
	_ VectorIndex = (*SQLVectorIndex)(nil)
	_ VectorIndex = (*QdrantRepository)(nil)
)

