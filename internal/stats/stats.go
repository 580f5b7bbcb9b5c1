// Package stats reports per-tenant record counts and embedding coverage, and
// the health of the store and its optional collaborators.
package stats

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// Store is what the reporter needs from the record store.
type Store interface {
	Aggregates(ctx context.Context, t tenant.Tenant) (*model.Aggregates, error)
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
}

// Pinger is any optional dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EmbeddingInfo describes the configured embedding provider.
type EmbeddingInfo interface {
	Enabled() bool
	Model() string
	Dimension() int
}

// Stats are one owner's counts. Nothing here is aggregated across owners.
type Stats struct {
	TotalMemories           int                      `json:"total_memories"`
	ArchivedMemories        int                      `json:"archived_memories"`
	MemoriesByCategory      map[model.Category]int   `json:"memories_by_category"`
	MemoriesWithEmbedding   int                      `json:"memories_with_embedding"`
	TotalEntities           int                      `json:"total_entities"`
	EntitiesByType          map[model.EntityType]int `json:"entities_by_type"`
	EntitiesWithEmbedding   int                      `json:"entities_with_embedding"`
	TotalRelationships      int                      `json:"total_relationships"`
	MemoryEmbeddingCoverage float64                  `json:"memory_embedding_coverage"`
	EntityEmbeddingCoverage float64                  `json:"entity_embedding_coverage"`
	EmbeddingCoverage       float64                  `json:"embedding_coverage"`
	GeneratedAt             time.Time                `json:"generated_at"`
}

// Component is the health of one dependency.
type Component struct {
	Name     string `json:"name"`
	Status   string `json:"status"` // "ok", "down" or "disabled"
	Error    string `json:"error,omitempty"`
	Required bool   `json:"required"`
	Latency  string `json:"latency,omitempty"`
}

// Health summarizes every component. Status is "down" when a required
// component is down and "degraded" when only optional ones are.
type Health struct {
	Status        string      `json:"status"`
	SchemaVersion int         `json:"schema_version"`
	Embedding     Embedding   `json:"embedding"`
	Components    []Component `json:"components"`
	CheckedAt     time.Time   `json:"checked_at"`
}

// Embedding is the provider section of Health.
type Embedding struct {
	Enabled   bool   `json:"enabled"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
}

const checkTimeout = 3 * time.Second

// Reporter computes statistics and health.
type Reporter struct {
	store     Store
	embedding EmbeddingInfo
	optional  map[string]Pinger
	logger    *zap.Logger
}

// NewReporter creates a Reporter. optional maps component names (e.g.
// "redis", "qdrant", "neo4j") to their checks; nil entries are reported as
// disabled.
func NewReporter(store Store, embedding EmbeddingInfo, optional map[string]Pinger, logger *zap.Logger) *Reporter {
	return &Reporter{store: store, embedding: embedding, optional: optional, logger: logger}
}

// GetStatistics returns the owner's counts.
func (r *Reporter) GetStatistics(ctx context.Context, t tenant.Tenant) (*Stats, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	agg, err := r.store.Aggregates(ctx, t)
	if err != nil {
		return nil, err
	}
	s := &Stats{
		TotalMemories:         agg.TotalMemories,
		ArchivedMemories:      agg.ArchivedMemories,
		MemoriesByCategory:    agg.MemoriesByCategory,
		MemoriesWithEmbedding: agg.MemoriesWithEmbedding,
		TotalEntities:         agg.TotalEntities,
		EntitiesByType:        agg.EntitiesByType,
		EntitiesWithEmbedding: agg.EntitiesWithEmbedding,
		TotalRelationships:    agg.TotalRelationships,
		GeneratedAt:           model.Now(),
	}
	if s.MemoriesByCategory == nil {
		s.MemoriesByCategory = map[model.Category]int{}
	}
	if s.EntitiesByType == nil {
		s.EntitiesByType = map[model.EntityType]int{}
	}
	s.MemoryEmbeddingCoverage = ratio(s.MemoriesWithEmbedding, s.TotalMemories)
	s.EntityEmbeddingCoverage = ratio(s.EntitiesWithEmbedding, s.TotalEntities)
	s.EmbeddingCoverage = ratio(s.MemoriesWithEmbedding+s.EntitiesWithEmbedding, s.TotalMemories+s.TotalEntities)
	return s, nil
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// Health checks every component concurrently.
func (r *Reporter) Health(ctx context.Context) *Health {
	h := &Health{CheckedAt: model.Now()}
	if r.embedding != nil && r.embedding.Enabled() {
		h.Embedding = Embedding{Enabled: true, Model: r.embedding.Model(), Dimension: r.embedding.Dimension()}
	}

	names := []string{"store"}
	checks := map[string]func(context.Context) error{
		"store": r.store.Ping,
	}
	for name, p := range r.optional {
		names = append(names, name)
		if p != nil {
			checks[name] = p.Ping
		}
	}
	sort.Strings(names[1:])

	h.Components = make([]Component, len(names))
	var g errgroup.Group
	for i, name := range names {
		check, ok := checks[name]
		if !ok {
			h.Components[i] = Component{Name: name, Status: "disabled"}
			continue
		}
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			c := Component{Name: name, Status: "ok", Required: name == "store"}
			if err := check(cctx); err != nil {
				c.Status, c.Error = "down", err.Error()
				r.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			}
			c.Latency = time.Since(start).Round(time.Microsecond).String()
			h.Components[i] = c
			return nil
		})
	}
	_ = g.Wait()

	if v, err := r.store.SchemaVersion(ctx); err == nil {
		h.SchemaVersion = v
	}

	h.Status = "ok"
	for _, c := range h.Components {
		if c.Status != "down" {
			continue
		}
		if c.Required {
			h.Status = "down"
			break
		}
		h.Status = "degraded"
	}
	return h
}
