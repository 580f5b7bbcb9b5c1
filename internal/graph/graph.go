// Package graph mirrors entities and relationships into Neo4j and answers
// multi-hop "who is related to whom" questions for one owner at a time.
package graph

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// Config holds Neo4j connection settings.
type Config struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Store handles Neo4j operations for the relationship graph.
type Store struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewStore creates a new Neo4j graph store.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	auth := neo4j.NoAuth()
	if cfg.User != "" {
		auth = neo4j.BasicAuth(cfg.User, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Store{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Store) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureConstraints creates the uniqueness constraint on entity IDs.
func (s *Store) EnsureConstraints(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)
	_, err := session.Run(ctx,
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`, nil)
	if err != nil {
		return fmt.Errorf("create entity constraint: %w", err)
	}
	return nil
}

// UpsertEntity creates or refreshes the node of one of the owner's entities.
func (s *Store) UpsertEntity(ctx context.Context, t tenant.Tenant, e *model.Entity) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (e:Entity {id: $id})
		 ON CREATE SET e.user_id = $userId
		 WITH e WHERE e.user_id = $userId
		 SET e.name = $name, e.entity_type = $type, e.importance = $importance`,
		map[string]interface{}{
			"id":         e.ID,
			"userId":     t.UserID(),
			"name":       e.Name,
			"type":       string(e.Type),
			"importance": e.Importance,
		})
	if err != nil {
		return fmt.Errorf("upsert entity node %s: %w", e.ID, err)
	}
	return nil
}

// Link mirrors a relationship as a RELATED edge weighted by its strength.
// Both endpoints must already be nodes of the owner.
func (s *Store) Link(ctx context.Context, t tenant.Tenant, r *model.Relationship) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (a:Entity {id: $from, user_id: $userId}), (b:Entity {id: $to, user_id: $userId})
		 MERGE (a)-[r:RELATED {id: $id}]->(b)
		 SET r.type = $type, r.weight = $weight, r.user_id = $userId`,
		map[string]interface{}{
			"id":     r.ID,
			"from":   r.FromEntityID,
			"to":     r.ToEntityID,
			"userId": t.UserID(),
			"type":   r.Type,
			"weight": r.Strength,
		})
	if err != nil {
		return fmt.Errorf("link %s -> %s: %w", r.FromEntityID, r.ToEntityID, err)
	}
	return nil
}

// Unlink removes one mirrored relationship.
func (s *Store) Unlink(ctx context.Context, t tenant.Tenant, relationshipID string) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH ()-[r:RELATED {id: $id, user_id: $userId}]->() DELETE r`,
		map[string]interface{}{"id": relationshipID, "userId": t.UserID()})
	if err != nil {
		return fmt.Errorf("unlink %s: %w", relationshipID, err)
	}
	return nil
}

// RemoveEntity deletes the owner's node and every edge touching it.
func (s *Store) RemoveEntity(ctx context.Context, t tenant.Tenant, entityID string) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (e:Entity {id: $id, user_id: $userId}) DETACH DELETE e`,
		map[string]interface{}{"id": entityID, "userId": t.UserID()})
	if err != nil {
		return fmt.Errorf("remove entity node %s: %w", entityID, err)
	}
	return nil
}

// RelatedOpts controls spreading activation over the relationship graph.
type RelatedOpts struct {
	MaxDepth    int     // max hops, default 2, capped at 3
	DecayFactor float64 // per-hop decay, default 0.7
	Threshold   float64 // min activation to report, default 0.1
	MaxNodes    int     // default 25
}

// DefaultRelatedOpts returns sensible defaults.
func DefaultRelatedOpts() RelatedOpts {
	return RelatedOpts{
		MaxDepth:    2,
		DecayFactor: 0.7,
		Threshold:   0.1,
		MaxNodes:    25,
	}
}

func (o RelatedOpts) normalized() RelatedOpts {
	d := DefaultRelatedOpts()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MaxDepth > 3 {
		o.MaxDepth = 3
	}
	if o.DecayFactor <= 0 || o.DecayFactor > 1 {
		o.DecayFactor = d.DecayFactor
	}
	if o.Threshold <= 0 {
		o.Threshold = d.Threshold
	}
	if o.MaxNodes <= 0 {
		o.MaxNodes = d.MaxNodes
	}
	return o
}

// Related is one entity reached from the start node.
type Related struct {
	ID         string  `json:"id"`
	Depth      int     `json:"depth"`
	Activation float64 `json:"activation"`
}

// Related walks up to MaxDepth hops from entityID along the owner's edges in
// either direction. Activation decays per hop and with edge weight; the
// strongest path to each node wins.
func (s *Store) Related(ctx context.Context, t tenant.Tenant, entityID string, opts RelatedOpts) ([]Related, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	start := time.Now()
	opts = opts.normalized()

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	query := `
		MATCH (seed:Entity {id: $id, user_id: $userId})
		MATCH path = (seed)-[:RELATED*1..` + strconv.Itoa(opts.MaxDepth) + `]-(node:Entity)
		WHERE node.user_id = $userId AND node.id <> $id
		  AND all(r IN relationships(path) WHERE r.user_id = $userId)
		WITH node, length(path) AS depth,
		     reduce(w = 1.0, r IN relationships(path) | w * coalesce(r.weight, 0.5)) AS pathWeight
		WITH node, min(depth) AS depth, max($decay ^ toFloat(depth) * pathWeight) AS activation
		WHERE activation >= $threshold
		RETURN node.id AS id, depth, activation
		ORDER BY activation DESC, id
		LIMIT $maxNodes`

	result, err := session.Run(ctx, query, map[string]interface{}{
		"id":        entityID,
		"userId":    t.UserID(),
		"decay":     opts.DecayFactor,
		"threshold": opts.Threshold,
		"maxNodes":  opts.MaxNodes,
	})
	if err != nil {
		return nil, fmt.Errorf("related %s: %w", entityID, err)
	}

	var out []Related
	for result.Next(ctx) {
		rec := result.Record()
		var r Related
		if v, ok := rec.Get("id"); ok && v != nil {
			r.ID = v.(string)
		}
		if v, ok := rec.Get("depth"); ok && v != nil {
			r.Depth = int(v.(int64))
		}
		if v, ok := rec.Get("activation"); ok && v != nil {
			r.Activation = v.(float64)
		}
		out = append(out, r)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("related %s: %w", entityID, err)
	}

	s.logger.Debug("related entities",
		zap.String("user", t.UserID()),
		zap.String("entity", entityID),
		zap.Int("found", len(out)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}
