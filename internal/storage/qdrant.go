/**
 * Vector index over Qdrant
 *
 * Mirrors the text-bearing content blocks of a document into a Qdrant
 * collection via the native gRPC API. Indexing replaces the document's
 * previous points by payload filter so re-runs never leave stale
 * vectors behind.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/docmill/extraction-worker/internal/domain"
	"github.com/docmill/extraction-worker/internal/logging"
)

// vectorDimension matches the embedding model output size.
const vectorDimension = 1024

// VectorIndex writes content block embeddings to a Qdrant collection.
type VectorIndex struct {
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	conn        *grpc.ClientConn
	collection  string
	logger      *logging.Logger
}

// NewVectorIndex connects to Qdrant and ensures the collection exists.
func NewVectorIndex(address, collection string, logger *logging.Logger) (*VectorIndex, error) {
	if address == "" {
		return nil, fmt.Errorf("qdrant address is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if logger == nil {
		logger = logging.NewLogger("qdrant")
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
	}

	v := &VectorIndex{
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		conn:        conn,
		collection:  collection,
		logger:      logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := v.ensureCollection(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("qdrant connected", "address", address, "collection", collection)
	return v, nil
}

// ensureCollection creates the collection when missing.
func (v *VectorIndex) ensureCollection(ctx context.Context) error {
	list, err := v.collections.List(ctx, &qdrant.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	for _, c := range list.Collections {
		if c.Name == v.collection {
			return nil
		}
	}

	_, err = v.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: v.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_Params{
				Params: &qdrant.VectorParams{
					Size:     vectorDimension,
					Distance: qdrant.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	v.logger.Info("collection created", "collection", v.collection, "dimension", vectorDimension)
	return nil
}

// IndexBlocks replaces the document's points with one point per block.
// blocks and vectors are parallel slices.
func (v *VectorIndex) IndexBlocks(ctx context.Context, documentID string, blocks []domain.ContentBlock, vectors [][]float32) error {
	if len(blocks) != len(vectors) {
		return fmt.Errorf("got %d vectors for %d blocks", len(vectors), len(blocks))
	}

	if err := v.deleteDocumentPoints(ctx, documentID); err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(blocks))
	for i := range blocks {
		b := &blocks[i]
		if len(vectors[i]) != vectorDimension {
			return fmt.Errorf("vector for block %s has dimension %d, expected %d",
				b.ID, len(vectors[i]), vectorDimension)
		}

		points = append(points, &qdrant.PointStruct{
			Id: &qdrant.PointId{
				PointIdOptions: &qdrant.PointId_Uuid{Uuid: b.ID},
			},
			Vectors: &qdrant.Vectors{
				VectorsOptions: &qdrant.Vectors_Vector{
					Vector: &qdrant.Vector{Data: vectors[i]},
				},
			},
			Payload: map[string]*qdrant.Value{
				"document_id": {Kind: &qdrant.Value_StringValue{StringValue: documentID}},
				"block_id":    {Kind: &qdrant.Value_StringValue{StringValue: b.ID}},
				"type":        {Kind: &qdrant.Value_StringValue{StringValue: string(b.Type)}},
				"page":        {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(b.Metadata.Page)}},
				"block_order": {Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(b.Order)}},
			},
		})
	}

	_, err := v.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: v.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}

	v.logger.Debug("blocks indexed", "document_id", documentID, "points", len(points))
	return nil
}

// deleteDocumentPoints removes every point carrying the document id.
func (v *VectorIndex) deleteDocumentPoints(ctx context.Context, documentID string) error {
	_, err := v.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: v.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{
						{
							ConditionOneOf: &qdrant.Condition_Field{
								Field: &qdrant.FieldCondition{
									Key: "document_id",
									Match: &qdrant.Match{
										MatchValue: &qdrant.Match_Keyword{Keyword: documentID},
									},
								},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// Close closes the gRPC connection.
func (v *VectorIndex) Close() error {
	if v.conn != nil {
		return v.conn.Close()
	}
	return nil
}
