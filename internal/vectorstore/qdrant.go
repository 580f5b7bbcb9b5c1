// Package vectorstore mirrors record embeddings into Qdrant so vector
// candidates can be found without scanning every stored vector. Every point
// carries its owner and every query filters on it.
package vectorstore

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	CollectionPrefix string `json:"collection_prefix"`
}

const (
	payloadOwner = "owner_id"
	payloadKind  = "kind"
)

// Client wraps gRPC connections to Qdrant's collections and points services.
type Client struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	health      pb.QdrantClient
	prefix      string
}

// NewClient dials the Qdrant gRPC endpoint and returns a ready Client.
func NewClient(cfg QdrantConfig) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "nuka"
	}
	return &Client{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		health:      pb.NewQdrantClient(conn),
		prefix:      prefix,
	}, nil
}

// Collection names the collection holding vectors of kind.
func (c *Client) Collection(kind model.Kind) string {
	if kind == model.KindEntity {
		return c.prefix + "_entities"
	}
	return c.prefix + "_memories"
}

// Ping runs Qdrant's health check.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.health.HealthCheck(ctx, &pb.HealthCheckRequest{}); err != nil {
		return fmt.Errorf("qdrant health: %w", err)
	}
	return nil
}

// EnsureCollections creates the memory and entity collections if missing.
func (c *Client) EnsureCollections(ctx context.Context, dimension uint64) error {
	for _, kind := range []model.Kind{model.KindMemory, model.KindEntity} {
		if err := c.ensureCollection(ctx, c.Collection(kind), dimension); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) ensureCollection(ctx context.Context, name string, dimension uint64) error {
	_, err := c.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = c.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	// Owner filtering runs on every search; index the payload key.
	_, err = c.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      payloadOwner,
		FieldType:      pb.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("index %s.%s: %w", name, payloadOwner, err)
	}
	return nil
}

// Upsert inserts or replaces the point of one of the owner's records.
func (c *Client) Upsert(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, vector []float32) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	wait := true
	_, err := c.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: c.Collection(kind),
		Wait:           &wait,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: vector}}},
				Payload: map[string]*pb.Value{
					payloadOwner: {Kind: &pb.Value_StringValue{StringValue: t.UserID()}},
					payloadKind:  {Kind: &pb.Value_StringValue{StringValue: string(kind)}},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("upsert %s %s: %w", kind, id, err)
	}
	return nil
}

// Delete removes the point of one of the owner's records. The owner
// condition keeps one tenant from deleting another's point by ID.
func (c *Client) Delete(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	filter := ownerFilter(t)
	filter.Must = append(filter.Must, &pb.Condition{
		ConditionOneOf: &pb.Condition_HasId{HasId: &pb.HasIdCondition{
			HasId: []*pb.PointId{{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}},
		}},
	})
	_, err := c.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: c.Collection(kind),
		Points:         &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: filter}},
	})
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// Missing returns the IDs among ids that have no point of the owner. A point
// under another owner counts as missing.
func (c *Client) Missing(ctx context.Context, t tenant.Tenant, kind model.Kind, ids []string) ([]string, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pointIDs := make([]*pb.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
	}
	resp, err := c.points.Get(ctx, &pb.GetPoints{
		CollectionName: c.Collection(kind),
		Ids:            pointIDs,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("get points %s: %w", c.Collection(kind), err)
	}
	return missingIDs(t, ids, resp.GetResult()), nil
}

func missingIDs(t tenant.Tenant, ids []string, found []*pb.RetrievedPoint) []string {
	present := make(map[string]bool, len(found))
	for _, p := range found {
		if p.GetPayload()[payloadOwner].GetStringValue() == t.UserID() {
			present[p.GetId().GetUuid()] = true
		}
	}
	var out []string
	for _, id := range ids {
		if !present[id] {
			out = append(out, id)
		}
	}
	return out
}

// Search returns the owner's nearest points with cosine similarity of at
// least threshold, best first.
func (c *Client) Search(ctx context.Context, t tenant.Tenant, kind model.Kind, vector []float32, limit int, threshold float64) ([]model.ScoredID, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if limit <= 0 {
		limit = 10
	}
	minScore := float32(threshold)
	resp, err := c.points.Search(ctx, &pb.SearchPoints{
		CollectionName: c.Collection(kind),
		Vector:         vector,
		Filter:         ownerFilter(t),
		Limit:          uint64(limit),
		ScoreThreshold: &minScore,
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.Collection(kind), err)
	}
	results := make([]model.ScoredID, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, model.ScoredID{
			ID:    r.Id.GetUuid(),
			Score: float64(r.Score),
		})
	}
	return results, nil
}

// Close tears down the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func ownerFilter(t tenant.Tenant) *pb.Filter {
	return &pb.Filter{
		Must: []*pb.Condition{
			{
				ConditionOneOf: &pb.Condition_Field{Field: &pb.FieldCondition{
					Key:   payloadOwner,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: t.UserID()}},
				}},
			},
		},
	}
}
