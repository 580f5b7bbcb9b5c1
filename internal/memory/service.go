// Package memory is the operation surface of the memory store. Every
// operation takes the caller's tenant and delegates to the record store,
// the embedding manager, the search engine and the optional graph mirror.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/graph"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/search"
	"github.com/nidhogg/nuka-memory/internal/stats"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// EmbedMode selects how a write schedules embedding generation.
type EmbedMode string

const (
	EmbedAsync EmbedMode = "async"
	EmbedSync  EmbedMode = "sync"
	EmbedNone  EmbedMode = "none"
)

// ParseEmbedMode accepts "", "async", "sync" and "none". Empty means async.
func ParseEmbedMode(s string) (EmbedMode, error) {
	switch EmbedMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", EmbedAsync:
		return EmbedAsync, nil
	case EmbedSync:
		return EmbedSync, nil
	case EmbedNone:
		return EmbedNone, nil
	}
	return "", model.Invalid("embed", "must be one of async, sync, none")
}

// Records is the record store as seen by the service.
type Records interface {
	CreateUser(ctx context.Context, in model.UserInput) (*model.User, string, error)
	GetUser(ctx context.Context, t tenant.Tenant) (*model.User, error)
	GetUserByAPIKey(ctx context.Context, key string) (*model.User, error)
	DeleteUser(ctx context.Context, t tenant.Tenant) error

	CreateMemory(ctx context.Context, t tenant.Tenant, m *model.Memory) (*model.Memory, error)
	GetMemory(ctx context.Context, t tenant.Tenant, id string) (*model.Memory, error)
	UpdateMemory(ctx context.Context, t tenant.Tenant, id string, patch model.MemoryPatch) (*model.Memory, error)
	DeleteMemory(ctx context.Context, t tenant.Tenant, id string) error
	ListMemories(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.MemoryPage, error)

	CreateEntity(ctx context.Context, t tenant.Tenant, e *model.Entity) (*model.Entity, error)
	GetEntity(ctx context.Context, t tenant.Tenant, id string) (*model.Entity, error)
	UpdateEntity(ctx context.Context, t tenant.Tenant, id string, patch model.EntityPatch) (*model.Entity, error)
	DeleteEntity(ctx context.Context, t tenant.Tenant, id string) error
	ListEntities(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.EntityPage, error)
	EntitiesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Entity, error)
	RecordInteraction(ctx context.Context, t tenant.Tenant, id string, at time.Time) (*model.Entity, error)

	CreateRelationship(ctx context.Context, t tenant.Tenant, r *model.Relationship) (*model.Relationship, error)
	ListRelationships(ctx context.Context, t tenant.Tenant, entityID string) ([]*model.Relationship, error)
	DeleteRelationship(ctx context.Context, t tenant.Tenant, id string) error
}

// Graph mirrors entities and relationships for multi-hop traversal.
type Graph interface {
	UpsertEntity(ctx context.Context, t tenant.Tenant, e *model.Entity) error
	Link(ctx context.Context, t tenant.Tenant, r *model.Relationship) error
	Unlink(ctx context.Context, t tenant.Tenant, relationshipID string) error
	RemoveEntity(ctx context.Context, t tenant.Tenant, entityID string) error
	Related(ctx context.Context, t tenant.Tenant, entityID string, opts graph.RelatedOpts) ([]graph.Related, error)
}

// RelatedEntity is one entity reached from another, with how strongly.
type RelatedEntity struct {
	Entity     *model.Entity `json:"entity"`
	Depth      int           `json:"depth"`
	Activation float64       `json:"activation"`
}

// Service implements every tenant-facing operation.
type Service struct {
	records    Records
	embeddings *embedding.Manager
	search     *search.Engine
	stats      *stats.Reporter
	graph      Graph
	logger     *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithGraph mirrors entities and relationships into g and answers
// RelatedEntities from it.
func WithGraph(g Graph) Option {
	return func(s *Service) { s.graph = g }
}

// NewService wires the service.
func NewService(records Records, embeddings *embedding.Manager, engine *search.Engine, reporter *stats.Reporter, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		records:    records,
		embeddings: embeddings,
		search:     engine,
		stats:      reporter,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUser registers a user and returns the plaintext API key once.
func (s *Service) CreateUser(ctx context.Context, in model.UserInput) (*model.User, string, error) {
	return s.records.CreateUser(ctx, in)
}

// Authenticate resolves an API key to its owner's tenant.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (tenant.Tenant, *model.User, error) {
	u, err := s.records.GetUserByAPIKey(ctx, apiKey)
	if err != nil {
		return tenant.Tenant{}, nil, err
	}
	t, err := tenant.New(u.ID)
	if err != nil {
		return tenant.Tenant{}, nil, err
	}
	return t, u, nil
}

// GetUser returns the caller's own user record.
func (s *Service) GetUser(ctx context.Context, t tenant.Tenant) (*model.User, error) {
	return s.records.GetUser(ctx, t)
}

// DeleteUser removes the user and everything they own.
func (s *Service) DeleteUser(ctx context.Context, t tenant.Tenant) error {
	return s.records.DeleteUser(ctx, t)
}

// StoreMemory validates and persists a new memory, then schedules its
// embedding according to mode.
func (s *Service) StoreMemory(ctx context.Context, t tenant.Tenant, in model.MemoryInput, mode EmbedMode) (*model.Memory, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	m, err := model.NewMemory(t.UserID(), in, model.Now())
	if err != nil {
		return nil, err
	}
	created, err := s.records.CreateMemory(ctx, t, m)
	if err != nil {
		return nil, err
	}
	if s.embed(ctx, t, model.KindMemory, created.ID, mode) {
		return s.records.GetMemory(ctx, t, created.ID)
	}
	return created, nil
}

// RecallMemories searches the caller's memories.
func (s *Service) RecallMemories(ctx context.Context, t tenant.Tenant, query string, opts search.Options) ([]search.MemoryHit, error) {
	return s.search.SearchMemories(ctx, t, query, opts)
}

// GetMemory returns one memory. A memory owned by someone else is
// indistinguishable from a missing one.
func (s *Service) GetMemory(ctx context.Context, t tenant.Tenant, id string) (*model.Memory, error) {
	return s.records.GetMemory(ctx, t, id)
}

// UpdateMemory merges patch into the memory. The embedding is regenerated
// only if the embedded text changed.
func (s *Service) UpdateMemory(ctx context.Context, t tenant.Tenant, id string, patch model.MemoryPatch, mode EmbedMode) (*model.Memory, error) {
	m, err := s.records.UpdateMemory(ctx, t, id, patch)
	if err != nil {
		return nil, err
	}
	if !patch.AffectsEmbedding() {
		return m, nil
	}
	if s.embed(ctx, t, model.KindMemory, m.ID, mode) {
		return s.records.GetMemory(ctx, t, m.ID)
	}
	return m, nil
}

// ArchiveMemory sets or clears the archived flag. Archived memories are
// excluded from recall and listings unless the filter asks for them.
func (s *Service) ArchiveMemory(ctx context.Context, t tenant.Tenant, id string, archived bool) (*model.Memory, error) {
	return s.records.UpdateMemory(ctx, t, id, model.MemoryPatch{Archived: &archived})
}

// DeleteMemory hard-deletes the memory and drops its mirrored vector.
func (s *Service) DeleteMemory(ctx context.Context, t tenant.Tenant, id string) error {
	if err := s.records.DeleteMemory(ctx, t, id); err != nil {
		return err
	}
	s.embeddings.Forget(ctx, t, model.KindMemory, id)
	return nil
}

// ListMemories pages through the caller's memories, newest first.
func (s *Service) ListMemories(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.MemoryPage, error) {
	return s.records.ListMemories(ctx, t, f, limit, cursor)
}

// CreateEntity validates and persists a new entity.
func (s *Service) CreateEntity(ctx context.Context, t tenant.Tenant, in model.EntityInput, mode EmbedMode) (*model.Entity, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	e, err := model.NewEntity(t.UserID(), in, model.Now())
	if err != nil {
		return nil, err
	}
	created, err := s.records.CreateEntity(ctx, t, e)
	if err != nil {
		return nil, err
	}
	s.mirrorEntity(ctx, t, created)
	if s.embed(ctx, t, model.KindEntity, created.ID, mode) {
		return s.records.GetEntity(ctx, t, created.ID)
	}
	return created, nil
}

// GetEntity returns one entity.
func (s *Service) GetEntity(ctx context.Context, t tenant.Tenant, id string) (*model.Entity, error) {
	return s.records.GetEntity(ctx, t, id)
}

// UpdateEntity merges patch into the entity.
func (s *Service) UpdateEntity(ctx context.Context, t tenant.Tenant, id string, patch model.EntityPatch, mode EmbedMode) (*model.Entity, error) {
	e, err := s.records.UpdateEntity(ctx, t, id, patch)
	if err != nil {
		return nil, err
	}
	s.mirrorEntity(ctx, t, e)
	if !patch.AffectsEmbedding() {
		return e, nil
	}
	if s.embed(ctx, t, model.KindEntity, e.ID, mode) {
		return s.records.GetEntity(ctx, t, e.ID)
	}
	return e, nil
}

// DeleteEntity removes the entity with its relationships. Memories that
// referenced it are kept and unlinked.
func (s *Service) DeleteEntity(ctx context.Context, t tenant.Tenant, id string) error {
	if err := s.records.DeleteEntity(ctx, t, id); err != nil {
		return err
	}
	if s.graph != nil {
		if err := s.graph.RemoveEntity(ctx, t, id); err != nil {
			s.logger.Warn("graph remove entity failed", zap.String("user", t.UserID()), zap.String("entity", id), zap.Error(err))
		}
	}
	s.embeddings.Forget(ctx, t, model.KindEntity, id)
	return nil
}

// SearchEntities searches the caller's entities.
func (s *Service) SearchEntities(ctx context.Context, t tenant.Tenant, query string, opts search.Options) ([]search.EntityHit, error) {
	return s.search.SearchEntities(ctx, t, query, opts)
}

// ListEntities pages through the caller's entities, newest first.
func (s *Service) ListEntities(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.EntityPage, error) {
	return s.records.ListEntities(ctx, t, f, limit, cursor)
}

// RecordInteraction bumps the entity's interaction count and last-seen time.
func (s *Service) RecordInteraction(ctx context.Context, t tenant.Tenant, id string) (*model.Entity, error) {
	return s.records.RecordInteraction(ctx, t, id, model.Now())
}

// LinkEntities relates two of the caller's entities.
func (s *Service) LinkEntities(ctx context.Context, t tenant.Tenant, in model.RelationshipInput) (*model.Relationship, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	r, err := model.NewRelationship(t.UserID(), in, model.Now())
	if err != nil {
		return nil, err
	}
	created, err := s.records.CreateRelationship(ctx, t, r)
	if err != nil {
		return nil, err
	}
	if s.graph != nil {
		if err := s.graph.Link(ctx, t, created); err != nil {
			s.logger.Warn("graph link failed", zap.String("user", t.UserID()), zap.String("relationship", created.ID), zap.Error(err))
		}
	}
	return created, nil
}

// UnlinkEntities deletes one relationship.
func (s *Service) UnlinkEntities(ctx context.Context, t tenant.Tenant, relationshipID string) error {
	if err := s.records.DeleteRelationship(ctx, t, relationshipID); err != nil {
		return err
	}
	if s.graph != nil {
		if err := s.graph.Unlink(ctx, t, relationshipID); err != nil {
			s.logger.Warn("graph unlink failed", zap.String("user", t.UserID()), zap.String("relationship", relationshipID), zap.Error(err))
		}
	}
	return nil
}

// ListRelationships returns the relationships touching entityID, or all of
// the caller's relationships when entityID is empty.
func (s *Service) ListRelationships(ctx context.Context, t tenant.Tenant, entityID string) ([]*model.Relationship, error) {
	return s.records.ListRelationships(ctx, t, entityID)
}

// RelatedEntities walks outward from entityID. With a graph mirror it
// spreads activation over several hops; otherwise only direct
// relationships are followed, weighted by their strength.
func (s *Service) RelatedEntities(ctx context.Context, t tenant.Tenant, entityID string, opts graph.RelatedOpts) ([]RelatedEntity, error) {
	if _, err := s.records.GetEntity(ctx, t, entityID); err != nil {
		return nil, err
	}
	var related []graph.Related
	if s.graph != nil {
		var err error
		related, err = s.graph.Related(ctx, t, entityID, opts)
		if err != nil {
			s.logger.Warn("graph traversal failed, using direct relationships",
				zap.String("user", t.UserID()), zap.String("entity", entityID), zap.Error(err))
			related = nil
		}
	}
	if related == nil {
		var err error
		related, err = s.directlyRelated(ctx, t, entityID)
		if err != nil {
			return nil, err
		}
	}
	if len(related) == 0 {
		return []RelatedEntity{}, nil
	}

	ids := make([]string, len(related))
	for i, r := range related {
		ids[i] = r.ID
	}
	// Rehydrate through the store so only the caller's current entities
	// come back, whatever the mirror holds.
	ents, err := s.records.EntitiesByID(ctx, t, ids, model.Filter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Entity, len(ents))
	for _, e := range ents {
		byID[e.ID] = e
	}
	out := make([]RelatedEntity, 0, len(related))
	for _, r := range related {
		if e, ok := byID[r.ID]; ok {
			out = append(out, RelatedEntity{Entity: e, Depth: r.Depth, Activation: r.Activation})
		}
	}
	return out, nil
}

func (s *Service) directlyRelated(ctx context.Context, t tenant.Tenant, entityID string) ([]graph.Related, error) {
	rels, err := s.records.ListRelationships(ctx, t, entityID)
	if err != nil {
		return nil, err
	}
	best := make(map[string]float64)
	for _, r := range rels {
		other := r.ToEntityID
		if other == entityID {
			other = r.FromEntityID
		}
		if other == entityID {
			continue
		}
		if w, ok := best[other]; !ok || r.Strength > w {
			best[other] = r.Strength
		}
	}
	out := make([]graph.Related, 0, len(best))
	for id, w := range best {
		out = append(out, graph.Related{ID: id, Depth: 1, Activation: w})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Activation != out[j].Activation {
			return out[i].Activation > out[j].Activation
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UnifiedSearch searches memories and entities together.
func (s *Service) UnifiedSearch(ctx context.Context, t tenant.Tenant, query string, opts search.Options) ([]search.Hit, error) {
	return s.search.Unified(ctx, t, query, opts)
}

// GetStatistics returns the caller's counts.
func (s *Service) GetStatistics(ctx context.Context, t tenant.Tenant) (*stats.Stats, error) {
	return s.stats.GetStatistics(ctx, t)
}

// Health reports the state of the store and its optional dependencies.
func (s *Service) Health(ctx context.Context) *stats.Health {
	return s.stats.Health(ctx)
}

// BackfillEmbeddings embeds the caller's records that lack a usable
// embedding. Per-record failures are counted, not returned.
func (s *Service) BackfillEmbeddings(ctx context.Context, t tenant.Tenant) (*embedding.BackfillResult, error) {
	return s.embeddings.BackfillMissing(ctx, t)
}

// embed schedules or runs generation for one record and reports whether
// the record was changed synchronously. Failures never fail the write:
// the record is already persisted and backfill picks it up later.
func (s *Service) embed(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, mode EmbedMode) bool {
	if mode == "" {
		mode = EmbedAsync
	}
	if mode == EmbedNone || !s.embeddings.Enabled() {
		return false
	}
	if mode == EmbedAsync {
		if err := s.embeddings.GenerateAsync(ctx, t, kind, id); err != nil {
			s.logger.Warn("embedding not queued", zap.String("user", t.UserID()),
				zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		}
		return false
	}
	outcome, err := s.embeddings.Generate(ctx, t, kind, id)
	if err != nil {
		if !errors.Is(err, embedding.ErrDisabled) {
			s.logger.Warn("embedding generation failed", zap.String("user", t.UserID()),
				zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
		}
		return false
	}
	return outcome == embedding.OutcomeStored || outcome == embedding.OutcomeCleared
}

func (s *Service) mirrorEntity(ctx context.Context, t tenant.Tenant, e *model.Entity) {
	if s.graph == nil {
		return
	}
	if err := s.graph.UpsertEntity(ctx, t, e); err != nil {
		s.logger.Warn("graph upsert failed", zap.String("user", t.UserID()), zap.String("entity", e.ID), zap.Error(err))
	}
}
