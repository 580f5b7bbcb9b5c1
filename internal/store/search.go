package store

import (
	"context"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// TextSearch ranks the owner's records of kind against query with
// ts_rank_cd over the weighted search_vector. Scores are raw ranks; callers
// normalize them. A blank query matches nothing.
func (s *Store) TextSearch(ctx context.Context, t tenant.Tenant, kind model.Kind, query string, f model.Filter, limit int) ([]model.ScoredID, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q, err := newScoped(t, table)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	tsq := "websearch_to_tsquery('english', " + q.arg(query) + ")"
	q.and("search_vector @@ " + tsq)
	q.applyFilter(kind, f)

	sql := "SELECT id, ts_rank_cd(search_vector, " + tsq + ") AS rank FROM " + table + q.whereClause() +
		" ORDER BY rank DESC, updated_at DESC, id LIMIT " + q.arg(model.ClampLimit(limit))
	rows, err := s.db.Query(ctx, sql, q.args...)
	if err != nil {
		return nil, classify("text search", err)
	}
	defer rows.Close()

	var out []model.ScoredID
	for rows.Next() {
		var (
			hit  model.ScoredID
			rank float32
		)
		if err := rows.Scan(&hit.ID, &rank); err != nil {
			return nil, classify("scan text hit", err)
		}
		hit.Score = float64(rank)
		out = append(out, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("text search", err)
	}
	return out, nil
}

// Aggregates computes the owner's counts with scoped aggregate queries only.
func (s *Store) Aggregates(ctx context.Context, t tenant.Tenant) (*model.Aggregates, error) {
	agg := &model.Aggregates{
		MemoriesByCategory: map[model.Category]int{},
		EntitiesByType:     map[model.EntityType]int{},
	}

	mq, err := newScoped(t, "memories")
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(ctx, mq.selectSQL(`count(*),
		count(*) FILTER (WHERE archived),
		count(*) FILTER (WHERE embedding IS NOT NULL AND cardinality(embedding) > 0)`, ""), mq.args...).
		Scan(&agg.TotalMemories, &agg.ArchivedMemories, &agg.MemoriesWithEmbedding)
	if err != nil {
		return nil, classify("count memories", err)
	}

	rows, err := s.db.Query(ctx, mq.selectSQL("category, count(*)", "GROUP BY category"), mq.args...)
	if err != nil {
		return nil, classify("count memories by category", err)
	}
	for rows.Next() {
		var (
			c string
			n int
		)
		if err := rows.Scan(&c, &n); err != nil {
			rows.Close()
			return nil, classify("scan category count", err)
		}
		agg.MemoriesByCategory[model.Category(c)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("count memories by category", err)
	}

	eq, _ := newScoped(t, "entities")
	err = s.db.QueryRow(ctx, eq.selectSQL(`count(*),
		count(*) FILTER (WHERE embedding IS NOT NULL AND cardinality(embedding) > 0)`, ""), eq.args...).
		Scan(&agg.TotalEntities, &agg.EntitiesWithEmbedding)
	if err != nil {
		return nil, classify("count entities", err)
	}

	rows, err = s.db.Query(ctx, eq.selectSQL("entity_type, count(*)", "GROUP BY entity_type"), eq.args...)
	if err != nil {
		return nil, classify("count entities by type", err)
	}
	for rows.Next() {
		var (
			et string
			n  int
		)
		if err := rows.Scan(&et, &n); err != nil {
			rows.Close()
			return nil, classify("scan type count", err)
		}
		agg.EntitiesByType[model.EntityType(et)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify("count entities by type", err)
	}

	rq, _ := newScoped(t, "relationships")
	if err := s.db.QueryRow(ctx, rq.selectSQL("count(*)", ""), rq.args...).Scan(&agg.TotalRelationships); err != nil {
		return nil, classify("count relationships", err)
	}
	return agg, nil
}
