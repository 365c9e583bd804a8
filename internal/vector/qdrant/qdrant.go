// Package qdrant stores records in a Qdrant collection over gRPC.
//
// Qdrant applies an upsert batch point by point, so a failed Add may leave
// some points written. Callers that need all-or-nothing semantics delete by
// source after a failed Add.
package qdrant

import (
	"context"
	"fmt"
	"sync"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/efebarandurmaz/pdfrag/internal/vector"
)

const backendName = "qdrant"

// Payload keys.
const (
	keyDocument       = "document"
	keySource         = "source"
	keyPage           = "page"
	keyPosition       = "position"
	keyEmbeddingModel = "embedding_model"
)

// Store implements vector.Store on one Qdrant collection.
type Store struct {
	conn           *grpc.ClientConn
	points         pb.PointsClient
	collections    pb.CollectionsClient
	collection     string
	embeddingModel string

	mu     sync.Mutex
	exists bool
}

// New connects to the Qdrant gRPC endpoint at host:port. The connection is
// lazy; the collection is created on the first Add.
func New(ctx context.Context, host string, port int, collection, embeddingModel string) (*Store, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, vector.Errorf(backendName, "connect", err)
	}
	return &Store{
		conn:           conn,
		points:         pb.NewPointsClient(conn),
		collections:    pb.NewCollectionsClient(conn),
		collection:     collection,
		embeddingModel: embeddingModel,
	}, nil
}

// Ping asks the server whether the collection exists, which proves the
// connection works.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.collectionExists(ctx)
	return vector.Errorf(backendName, "ping", err)
}

func (s *Store) collectionExists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	known := s.exists
	s.mu.Unlock()
	if known {
		return true, nil
	}

	resp, err := s.collections.CollectionExists(ctx, &pb.CollectionExistsRequest{CollectionName: s.collection})
	if err != nil {
		return false, err
	}
	exists := resp.GetResult().GetExists()
	if exists {
		s.mu.Lock()
		s.exists = true
		s.mu.Unlock()
	}
	return exists, nil
}

// ensureCollection creates the collection with cosine distance and the
// given dimension unless it already exists.
func (s *Store) ensureCollection(ctx context.Context, dim int) error {
	exists, err := s.collectionExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: pb.NewVectorsConfig(&pb.VectorParams{
			Size:     uint64(dim),
			Distance: pb.Distance_Cosine,
		}),
		Metadata: map[string]*pb.Value{
			keyEmbeddingModel: pb.NewValueString(s.embeddingModel),
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}

	_, err = s.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: s.collection,
		Wait:           pb.PtrOf(true),
		FieldName:      keySource,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("indexing source field: %w", err)
	}

	s.mu.Lock()
	s.exists = true
	s.mu.Unlock()
	return nil
}

// Add implements vector.Store.
func (s *Store) Add(ctx context.Context, records []vector.Record) error {
	dim, err := vector.ValidateBatch(records)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, dim); err != nil {
		return vector.Errorf(backendName, "add", err)
	}

	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		points[i] = &pb.PointStruct{
			Id:      pb.NewIDUUID(r.ID),
			Vectors: pb.NewVectorsDense(r.Vector),
			Payload: map[string]*pb.Value{
				keyDocument: pb.NewValueString(r.Text),
				keySource:   pb.NewValueString(r.Metadata.Source),
				keyPage:     pb.NewValueInt(int64(r.Metadata.Page)),
				keyPosition: pb.NewValueInt(int64(r.Metadata.Position)),
			},
		}
	}

	_, err = s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: s.collection,
		Wait:           pb.PtrOf(true),
		Points:         points,
	})
	return vector.Errorf(backendName, "add", err)
}

// Search implements vector.Store.
func (s *Store) Search(ctx context.Context, query []float32, k int, filter vector.Filter) ([]vector.Result, error) {
	if k <= 0 {
		return []vector.Result{}, nil
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: s.collection,
		Vector:         query,
		Filter:         toFilter(filter),
		Limit:          uint64(k),
		WithPayload:    pb.NewWithPayload(true),
	})
	if status.Code(err) == codes.NotFound {
		return []vector.Result{}, nil
	}
	if err != nil {
		return nil, vector.Errorf(backendName, "search", err)
	}

	results := make([]vector.Result, 0, len(resp.GetResult()))
	for _, pt := range resp.GetResult() {
		payload := pt.GetPayload()
		results = append(results, vector.Result{
			Record: vector.Record{
				ID:   pt.GetId().GetUuid(),
				Text: payload[keyDocument].GetStringValue(),
				Metadata: vector.Metadata{
					Source:   payload[keySource].GetStringValue(),
					Page:     int(payload[keyPage].GetIntegerValue()),
					Position: int(payload[keyPosition].GetIntegerValue()),
				},
			},
			Score: pt.GetScore(),
		})
	}
	return vector.TopK(results, k), nil
}

// Count implements vector.Store. Counts are exact.
func (s *Store) Count(ctx context.Context, filter vector.Filter) (int, error) {
	resp, err := s.points.Count(ctx, &pb.CountPoints{
		CollectionName: s.collection,
		Filter:         toFilter(filter),
		Exact:          pb.PtrOf(true),
	})
	if status.Code(err) == codes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, vector.Errorf(backendName, "count", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Delete implements vector.Store.
func (s *Store) Delete(ctx context.Context, filter vector.Filter) error {
	if filter.IsZero() {
		return vector.ErrZeroFilter
	}
	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: s.collection,
		Wait:           pb.PtrOf(true),
		Points:         pb.NewPointsSelectorFilter(toFilter(filter)),
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	return vector.Errorf(backendName, "delete", err)
}

// Info implements vector.Store.
func (s *Store) Info(ctx context.Context) (vector.CollectionInfo, error) {
	info := vector.CollectionInfo{
		Name:           s.collection,
		EmbeddingModel: s.embeddingModel,
		Backend:        backendName,
	}

	exists, err := s.collectionExists(ctx)
	if err != nil {
		return vector.CollectionInfo{}, vector.Errorf(backendName, "info", err)
	}
	if !exists {
		return info, nil
	}

	resp, err := s.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: s.collection})
	if err != nil {
		return vector.CollectionInfo{}, vector.Errorf(backendName, "info", err)
	}
	if model := resp.GetResult().GetConfig().GetMetadata()[keyEmbeddingModel].GetStringValue(); model != "" {
		info.EmbeddingModel = model
	}

	// points_count is approximate while the optimizer runs.
	count, err := s.Count(ctx, vector.Filter{})
	if err != nil {
		return vector.CollectionInfo{}, err
	}
	info.Count = count
	info.HasDocuments = count > 0
	return info, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func toFilter(f vector.Filter) *pb.Filter {
	if f.IsZero() {
		return nil
	}
	return &pb.Filter{Must: []*pb.Condition{pb.NewMatchKeyword(keySource, f.Source)}}
}

var _ vector.Store = (*Store)(nil)
