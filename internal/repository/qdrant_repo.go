package repository

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"github.com/timmy/mediasearch/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Payload keys stored with each point.
const (
	payloadUploadID  = "upload_id"
	payloadOwnerID   = "owner_id"
	payloadFileType  = "file_type"
	payloadCreatedAt = "created_at_ms"
)

// QdrantConnectionConfig holds configuration for Qdrant connection
type QdrantConnectionConfig struct {
	Host            string
	Port            int
	Collection      string
	APIKey          string // Qdrant Cloud API key, enables TLS
	UseTLS          bool
	VectorDimension int
}

func apiKeyInterceptor(apiKey string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, "api-key", apiKey)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// QdrantRepository is a VectorIndex backed by a Qdrant collection. Only completed uploads
// are upserted, so every point is searchable.
type QdrantRepository struct {
	conn            *grpc.ClientConn
	pointsClient    pb.PointsClient
	collectClient   pb.CollectionsClient
	collectionName  string
	vectorDimension int
}

// NewQdrantRepository creates a new QdrantRepository.
// Supports both local Qdrant (insecure) and Qdrant Cloud (TLS + API key).
func NewQdrantRepository(cfg *QdrantConnectionConfig) (*QdrantRepository, error) {
	if cfg.VectorDimension <= 0 {
		return nil, fmt.Errorf("qdrant: vector dimension must be positive")
	}

	var opts []grpc.DialOption
	if cfg.UseTLS || cfg.APIKey != "" {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS13})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		if cfg.APIKey != "" {
			opts = append(opts, grpc.WithUnaryInterceptor(apiKeyInterceptor(cfg.APIKey)))
		}
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	return &QdrantRepository{
		conn:            conn,
		pointsClient:    pb.NewPointsClient(conn),
		collectClient:   pb.NewCollectionsClient(conn),
		collectionName:  cfg.Collection,
		vectorDimension: cfg.VectorDimension,
	}, nil
}

// Close closes the gRPC connection
func (r *QdrantRepository) Close() error {
	return r.conn.Close()
}

// EnsureCollection creates the collection and its payload indexes if missing, and checks
// the vector size of an existing one.
func (r *QdrantRepository) EnsureCollection(ctx context.Context) error {
	info, err := r.collectClient.Get(ctx, &pb.GetCollectionInfoRequest{
		CollectionName: r.collectionName,
	})
	if err == nil {
		if size, ok := collectionVectorSize(info.GetResult()); ok && size != uint64(r.vectorDimension) {
			return fmt.Errorf("collection %s has vector size %d, expected %d: %w",
				r.collectionName, size, r.vectorDimension, domain.ErrDimensionMismatch)
		}
		return nil
	}

	_, err = r.collectClient.Create(ctx, &pb.CreateCollection{
		CollectionName: r.collectionName,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(r.vectorDimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
		HnswConfig: &pb.HnswConfigDiff{
			M:                 optionalUint64(16),
			EfConstruct:       optionalUint64(128),
			FullScanThreshold: optionalUint64(10000),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	indexes := map[string]pb.FieldType{
		payloadOwnerID:   pb.FieldType_FieldTypeKeyword,
		payloadFileType:  pb.FieldType_FieldTypeKeyword,
		payloadCreatedAt: pb.FieldType_FieldTypeInteger,
	}
	for field, fieldType := range indexes {
		ft := fieldType
		if _, err := r.pointsClient.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: r.collectionName,
			FieldName:      field,
			FieldType:      &ft,
		}); err != nil {
			return fmt.Errorf("failed to create payload index %s: %w", field, err)
		}
	}
	return nil
}

func optionalUint64(v uint64) *uint64 {
	return &v
}

func collectionVectorSize(info *pb.CollectionInfo) (uint64, bool) {
	vectors := info.GetConfig().GetParams().GetVectorsConfig()
	if vectors == nil {
		return 0, false
	}
	if single := vectors.GetParams(); single != nil && single.GetSize() > 0 {
		return single.GetSize(), true
	}
	for _, params := range vectors.GetParamsMap().GetMap() {
		if params.GetSize() > 0 {
			return params.GetSize(), true
		}
	}
	return 0, false
}

func pointID(id string) (*pb.PointId, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid point ID: %w", err)
	}
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: uid.String()}}, nil
}

// Upsert inserts or updates the point for a completed upload.
func (r *QdrantRepository) Upsert(ctx context.Context, rec *domain.UploadRecord) error {
	vector := rec.Vector()
	if len(vector) != r.vectorDimension {
		return domain.Fatal("qdrant upsert", fmt.Errorf("%w: got %d, want %d",
			domain.ErrDimensionMismatch, len(vector), r.vectorDimension))
	}
	id, err := pointID(rec.ID)
	if err != nil {
		return domain.Fatal("qdrant upsert", err)
	}

	wait := true
	_, err = r.pointsClient.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: r.collectionName,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: id,
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}},
			},
			Payload: map[string]*pb.Value{
				payloadUploadID:  {Kind: &pb.Value_StringValue{StringValue: rec.ID}},
				payloadOwnerID:   {Kind: &pb.Value_StringValue{StringValue: rec.OwnerID}},
				payloadFileType:  {Kind: &pb.Value_StringValue{StringValue: string(rec.FileType)}},
				payloadCreatedAt: {Kind: &pb.Value_IntegerValue{IntegerValue: rec.CreatedAt.UnixMilli()}},
			},
		}},
	})
	if err != nil {
		return domain.Retryable("qdrant upsert", err)
	}
	return nil
}

// maxTiePages bounds how many extra pages Search reads while the cut-off score is tied.
const maxTiePages = 10

// Search implements VectorIndex. Qdrant orders tied scores arbitrarily; every point tied at
// the cut-off score is read before matches are sorted newest first and truncated.
func (r *QdrantRepository) Search(ctx context.Context, vector []float32, filter VectorFilter, limit int) ([]VectorMatch, error) {
	if limit <= 0 {
		return []VectorMatch{}, nil
	}
	threshold := float32(filter.MinSimilarity)
	// One point past the limit shows whether the cut-off score is shared.
	page := uint64(limit) + 1
	matches := []VectorMatch{}

	for n := 0; n <= maxTiePages; n++ {
		offset := uint64(n) * page
		resp, err := r.pointsClient.Search(ctx, &pb.SearchPoints{
			CollectionName: r.collectionName,
			Vector:         vector,
			Limit:          page,
			Offset:         &offset,
			ScoreThreshold: &threshold,
			Filter:         buildFilter(filter),
			WithPayload: &pb.WithPayloadSelector{
				SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
			},
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, domain.Retryable("qdrant search", err)
		}

		results := resp.GetResult()
		for _, scored := range results {
			matches = append(matches, toMatch(scored))
		}
		if uint64(len(results)) < page {
			break
		}
		boundary := matches[limit-1].Similarity
		if float64(results[len(results)-1].GetScore()) != boundary {
			break
		}
	}

	SortMatches(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func toMatch(scored *pb.ScoredPoint) VectorMatch {
	payload := scored.GetPayload()
	id := payload[payloadUploadID].GetStringValue()
	if id == "" {
		id = scored.GetId().GetUuid()
	}
	return VectorMatch{
		UploadID:   id,
		Similarity: float64(scored.GetScore()),
		CreatedAt:  time.UnixMilli(payload[payloadCreatedAt].GetIntegerValue()),
	}
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func buildFilter(filter VectorFilter) *pb.Filter {
	var must, mustNot []*pb.Condition

	if filter.OwnerID != "" {
		must = append(must, keywordCondition(payloadOwnerID, filter.OwnerID))
	}
	if filter.FileType != nil {
		must = append(must, keywordCondition(payloadFileType, string(*filter.FileType)))
	}
	if filter.DateFrom != nil || filter.DateTo != nil {
		rng := &pb.Range{}
		if filter.DateFrom != nil {
			from := float64(filter.DateFrom.UnixMilli())
			rng.Gte = &from
		}
		if filter.DateTo != nil {
			to := float64(filter.DateTo.UnixMilli())
			rng.Lte = &to
		}
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{Key: payloadCreatedAt, Range: rng},
			},
		})
	}
	if filter.ExcludeID != "" {
		if id, err := pointID(filter.ExcludeID); err == nil {
			mustNot = append(mustNot, &pb.Condition{
				ConditionOneOf: &pb.Condition_HasId{
					HasId: &pb.HasIdCondition{HasId: []*pb.PointId{id}},
				},
			})
		}
	}

	if len(must) == 0 && len(mustNot) == 0 {
		return nil
	}
	return &pb.Filter{Must: must, MustNot: mustNot}
}

// Delete deletes a point by upload ID
func (r *QdrantRepository) Delete(ctx context.Context, id string) error {
	pid, err := pointID(id)
	if err != nil {
		return domain.Fatal("qdrant delete", err)
	}

	_, err = r.pointsClient.Delete(ctx, &pb.DeletePoints{
		CollectionName: r.collectionName,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: []*pb.PointId{pid}},
			},
		},
	})
	if err != nil {
		return domain.Retryable("qdrant delete", err)
	}
	return nil
}
