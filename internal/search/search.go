// Package search ranks a tenant's memories and entities by blending vector
// similarity with full-text relevance, after applying metadata filters.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// Records is the slice of the record store the engine reads from.
type Records interface {
	TextSearch(ctx context.Context, t tenant.Tenant, kind model.Kind, query string, f model.Filter, limit int) ([]model.ScoredID, error)
	VectorRows(ctx context.Context, t tenant.Tenant, kind model.Kind, f model.Filter) ([]model.VectorRow, error)
	MemoriesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Memory, error)
	EntitiesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Entity, error)
	ListMemories(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.MemoryPage, error)
	ListEntities(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.EntityPage, error)
}

// Embedder turns query text into a vector.
type Embedder interface {
	Enabled() bool
	EmbedQuery(ctx context.Context, t tenant.Tenant, text string) ([]float32, error)
}

// VectorIndex is an optional nearest-neighbour index over stored vectors.
type VectorIndex interface {
	Search(ctx context.Context, t tenant.Tenant, kind model.Kind, vector []float32, limit int, threshold float64) ([]model.ScoredID, error)
}

// MemoryHit is one ranked memory.
type MemoryHit struct {
	Memory      *model.Memory `json:"memory"`
	Score       float64       `json:"score"`
	VectorScore float64       `json:"vector_score,omitempty"`
	TextScore   float64       `json:"text_score,omitempty"`
}

// EntityHit is one ranked entity.
type EntityHit struct {
	Entity      *model.Entity `json:"entity"`
	Score       float64       `json:"score"`
	VectorScore float64       `json:"vector_score,omitempty"`
	TextScore   float64       `json:"text_score,omitempty"`
}

// Hit is one result of a unified search; exactly one of Memory and Entity
// is set.
type Hit struct {
	Kind   model.Kind    `json:"kind"`
	Score  float64       `json:"score"`
	Memory *model.Memory `json:"memory,omitempty"`
	Entity *model.Entity `json:"entity,omitempty"`
}

// Engine runs searches. It holds no per-tenant state.
type Engine struct {
	records  Records
	embedder Embedder
	index    VectorIndex
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIndex serves vector candidates from idx instead of scanning stored
// vectors.
func WithIndex(idx VectorIndex) Option {
	return func(e *Engine) { e.index = idx }
}

// WithMetrics records search latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an Engine. embedder may be nil, which limits every search to
// text matching.
func New(records Records, embedder Embedder, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	cfg.ApplyDefaults()
	e := &Engine{records: records, embedder: embedder, cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SearchMemories ranks the owner's memories against query. An empty query
// returns the memories passing the filter, most recently updated first.
func (e *Engine) SearchMemories(ctx context.Context, t tenant.Tenant, query string, opts Options) ([]MemoryHit, error) {
	r, err := e.begin(t, opts)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return e.recentMemories(ctx, t, r)
	}
	start := time.Now()
	qvec, degraded, err := e.queryVector(ctx, t, query, r)
	if err != nil {
		return nil, err
	}
	hits, err := e.memories(ctx, t, query, qvec, r)
	if err != nil {
		return nil, err
	}
	e.observe(r.strategy, start, degraded, t, len(hits))
	return hits, nil
}

// SearchEntities ranks the owner's entities against query.
func (e *Engine) SearchEntities(ctx context.Context, t tenant.Tenant, query string, opts Options) ([]EntityHit, error) {
	r, err := e.begin(t, opts)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return e.recentEntities(ctx, t, r)
	}
	start := time.Now()
	qvec, degraded, err := e.queryVector(ctx, t, query, r)
	if err != nil {
		return nil, err
	}
	hits, err := e.entities(ctx, t, query, qvec, r)
	if err != nil {
		return nil, err
	}
	e.observe(r.strategy, start, degraded, t, len(hits))
	return hits, nil
}

// Unified searches memories and entities with the same options, embedding
// the query once, and merges both lists by score.
func (e *Engine) Unified(ctx context.Context, t tenant.Tenant, query string, opts Options) ([]Hit, error) {
	r, err := e.begin(t, opts)
	if err != nil {
		return nil, err
	}

	var (
		memories []MemoryHit
		entities []EntityHit
	)
	if strings.TrimSpace(query) == "" {
		if memories, err = e.recentMemories(ctx, t, r); err != nil {
			return nil, err
		}
		if entities, err = e.recentEntities(ctx, t, r); err != nil {
			return nil, err
		}
	} else {
		start := time.Now()
		qvec, degraded, err := e.queryVector(ctx, t, query, r)
		if err != nil {
			return nil, err
		}
		if memories, err = e.memories(ctx, t, query, qvec, r); err != nil {
			return nil, err
		}
		if entities, err = e.entities(ctx, t, query, qvec, r); err != nil {
			return nil, err
		}
		e.observe(r.strategy, start, degraded, t, len(memories)+len(entities))
	}

	hits := make([]Hit, 0, len(memories)+len(entities))
	for _, h := range memories {
		hits = append(hits, Hit{Kind: model.KindMemory, Score: h.Score, Memory: h.Memory})
	}
	for _, h := range entities {
		hits = append(hits, Hit{Kind: model.KindEntity, Score: h.Score, Entity: h.Entity})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		ui, uj := hits[i].updatedAt(), hits[j].updatedAt()
		if !ui.Equal(uj) {
			return ui.After(uj)
		}
		return hits[i].id() < hits[j].id()
	})
	if len(hits) > r.limit {
		hits = hits[:r.limit]
	}
	return hits, nil
}

func (e *Engine) recentMemories(ctx context.Context, t tenant.Tenant, r resolved) ([]MemoryHit, error) {
	page, err := e.records.ListMemories(ctx, t, r.filter, r.limit, "")
	if err != nil {
		return nil, err
	}
	hits := make([]MemoryHit, len(page.Items))
	for i, m := range page.Items {
		hits[i] = MemoryHit{Memory: m}
	}
	return hits, nil
}

func (e *Engine) recentEntities(ctx context.Context, t tenant.Tenant, r resolved) ([]EntityHit, error) {
	page, err := e.records.ListEntities(ctx, t, r.filter, r.limit, "")
	if err != nil {
		return nil, err
	}
	hits := make([]EntityHit, len(page.Items))
	for i, en := range page.Items {
		hits[i] = EntityHit{Entity: en}
	}
	return hits, nil
}

func (e *Engine) memories(ctx context.Context, t tenant.Tenant, query string, qvec []float32, r resolved) ([]MemoryHit, error) {
	cands, err := e.candidates(ctx, t, model.KindMemory, query, qvec, r)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	recs, err := e.records.MemoriesByID(ctx, t, candidateIDs(cands), r.filter)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Memory, len(recs))
	for _, m := range recs {
		byID[m.ID] = m
	}

	ranked := rank(cands, func(id string) (time.Time, bool) {
		m, ok := byID[id]
		if !ok {
			return time.Time{}, false
		}
		return m.UpdatedAt, true
	}, r)
	hits := make([]MemoryHit, len(ranked))
	for i, c := range ranked {
		hits[i] = MemoryHit{Memory: byID[c.id], Score: c.score, VectorScore: c.vector, TextScore: c.text}
	}
	return hits, nil
}

func (e *Engine) entities(ctx context.Context, t tenant.Tenant, query string, qvec []float32, r resolved) ([]EntityHit, error) {
	cands, err := e.candidates(ctx, t, model.KindEntity, query, qvec, r)
	if err != nil || len(cands) == 0 {
		return nil, err
	}
	recs, err := e.records.EntitiesByID(ctx, t, candidateIDs(cands), r.filter)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Entity, len(recs))
	for _, en := range recs {
		byID[en.ID] = en
	}

	ranked := rank(cands, func(id string) (time.Time, bool) {
		en, ok := byID[id]
		if !ok {
			return time.Time{}, false
		}
		return en.UpdatedAt, true
	}, r)
	hits := make([]EntityHit, len(ranked))
	for i, c := range ranked {
		hits[i] = EntityHit{Entity: byID[c.id], Score: c.score, VectorScore: c.vector, TextScore: c.text}
	}
	return hits, nil
}

func (h Hit) updatedAt() time.Time {
	if h.Memory != nil {
		return h.Memory.UpdatedAt
	}
	return h.Entity.UpdatedAt
}

func (h Hit) id() string {
	if h.Memory != nil {
		return h.Memory.ID
	}
	return h.Entity.ID
}

func (e *Engine) begin(t tenant.Tenant, opts Options) (resolved, error) {
	if !t.Valid() {
		return resolved{}, tenant.ErrNoTenant
	}
	return e.cfg.resolve(opts)
}

// queryVector embeds the query when the strategy needs it. Composite
// searches fall back to text when embedding fails; vector searches fail.
func (e *Engine) queryVector(ctx context.Context, t tenant.Tenant, query string, r resolved) ([]float32, bool, error) {
	if r.strategy == StrategyText {
		return nil, false, nil
	}
	var err error
	if e.embedder == nil || !e.embedder.Enabled() {
		err = errors.New("no embedding provider configured")
	} else {
		var vec []float32
		if vec, err = e.embedder.EmbedQuery(ctx, t, query); err == nil {
			return vec, false, nil
		}
	}

	if r.strategy == StrategyVector {
		var pe *model.ProviderError
		if errors.As(err, &pe) {
			return nil, false, err
		}
		return nil, false, &model.ProviderError{Op: "embed query", Err: err}
	}
	e.logger.Warn("query embedding failed, using text search only",
		zap.String("user", t.UserID()),
		zap.Error(err))
	return nil, true, nil
}

// candidates gathers scored IDs from each signal the strategy uses.
func (e *Engine) candidates(ctx context.Context, t tenant.Tenant, kind model.Kind, query string, qvec []float32, r resolved) ([]candidate, error) {
	merged := map[string]*candidate{}
	get := func(id string) *candidate {
		c, ok := merged[id]
		if !ok {
			c = &candidate{id: id}
			merged[id] = c
		}
		return c
	}

	if r.strategy != StrategyVector {
		hits, err := e.records.TextSearch(ctx, t, kind, query, r.filter, r.pool())
		if err != nil {
			return nil, fmt.Errorf("text search: %w", err)
		}
		for _, h := range normalize(hits) {
			get(h.ID).text = h.Score
		}
	}

	if qvec != nil {
		hits, err := e.vectorCandidates(ctx, t, kind, qvec, r)
		if err != nil {
			return nil, fmt.Errorf("vector search: %w", err)
		}
		for _, h := range hits {
			get(h.ID).vector = h.Score
		}
	}

	out := make([]candidate, 0, len(merged))
	for _, c := range merged {
		c.score = combine(*c, r)
		out = append(out, *c)
	}
	return out, nil
}

// vectorCandidates returns IDs with cosine similarity at or above the
// threshold, from the index when one is configured.
func (e *Engine) vectorCandidates(ctx context.Context, t tenant.Tenant, kind model.Kind, qvec []float32, r resolved) ([]model.ScoredID, error) {
	if e.index != nil {
		hits, complete, err := e.indexCandidates(ctx, t, kind, qvec, r)
		if err == nil && complete {
			return hits, nil
		}
		if err != nil {
			e.logger.Warn("vector index search failed, scanning stored vectors",
				zap.String("user", t.UserID()),
				zap.Error(err))
		} else {
			e.logger.Debug("filters thinned the index page, scanning stored vectors",
				zap.String("user", t.UserID()),
				zap.String("kind", string(kind)))
		}
	}

	rows, err := e.records.VectorRows(ctx, t, kind, r.filter)
	if err != nil {
		return nil, err
	}
	var hits []model.ScoredID
	for _, row := range rows {
		if len(row.Embedding) != len(qvec) {
			continue
		}
		if sim := cosine(qvec, row.Embedding); sim >= r.threshold {
			hits = append(hits, model.ScoredID{ID: row.ID, Score: sim})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > r.pool() {
		hits = hits[:r.pool()]
	}
	return hits, nil
}

// indexCandidates asks the index for a pool of nearest points and keeps the
// ones whose records pass the filter. The index ranks before filtering, so the
// result is only complete when the index ran dry or enough hits survived.
func (e *Engine) indexCandidates(ctx context.Context, t tenant.Tenant, kind model.Kind, qvec []float32, r resolved) ([]model.ScoredID, bool, error) {
	pool := r.pool()
	hits, err := e.index.Search(ctx, t, kind, qvec, pool, r.threshold)
	if err != nil {
		return nil, false, err
	}
	// The index may round differently; hold it to the same bar.
	above := make([]model.ScoredID, 0, len(hits))
	for _, h := range hits {
		if h.Score >= r.threshold {
			above = append(above, h)
		}
	}
	keep, err := e.passing(ctx, t, kind, above, r.filter)
	if err != nil {
		return nil, false, err
	}
	out := make([]model.ScoredID, 0, len(above))
	for _, h := range above {
		if keep[h.ID] {
			out = append(out, h)
		}
	}
	complete := len(hits) < pool || len(out) >= pool
	if len(out) > pool {
		out = out[:pool]
	}
	return out, complete, nil
}

// passing returns the ids among hits that belong to t and match f.
func (e *Engine) passing(ctx context.Context, t tenant.Tenant, kind model.Kind, hits []model.ScoredID, f model.Filter) (map[string]bool, error) {
	keep := make(map[string]bool, len(hits))
	if len(hits) == 0 {
		return keep, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	switch kind {
	case model.KindEntity:
		found, err := e.records.EntitiesByID(ctx, t, ids, f)
		if err != nil {
			return nil, err
		}
		for _, en := range found {
			keep[en.ID] = true
		}
	default:
		found, err := e.records.MemoriesByID(ctx, t, ids, f)
		if err != nil {
			return nil, err
		}
		for _, m := range found {
			keep[m.ID] = true
		}
	}
	return keep, nil
}

func (e *Engine) observe(strategy Strategy, start time.Time, degraded bool, t tenant.Tenant, n int) {
	d := time.Since(start)
	e.metrics.Search(string(strategy), d, degraded)
	e.logger.Debug("search complete",
		zap.String("user", t.UserID()),
		zap.String("strategy", string(strategy)),
		zap.Bool("degraded", degraded),
		zap.Int("results", n),
		zap.Duration("duration", d))
}
