package memstore

import (
	"context"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// Field weights follow the setweight A/B/C ranks of the SQL search vector.
const (
	weightA = 1.0
	weightB = 0.4
	weightC = 0.2
)

type weightedText struct {
	text   string
	weight float64
}

// TextSearch requires every query term to occur in the record, like
// websearch_to_tsquery, and scores by the weight of the fields that matched.
func (s *Store) TextSearch(ctx context.Context, t tenant.Tenant, kind model.Kind, query string, f model.Filter, limit int) ([]model.ScoredID, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	var hits []model.ScoredID
	switch kind {
	case model.KindMemory:
		for id, m := range s.memories {
			if m.UserID != t.UserID() || !f.MatchesMemory(m) {
				continue
			}
			if score := rank(terms, []weightedText{
				{m.Title, weightA},
				{m.Content, weightB},
				{strings.Join(m.Tags, " "), weightC},
			}); score > 0 {
				hits = append(hits, model.ScoredID{ID: id, Score: score})
			}
		}
	case model.KindEntity:
		for id, e := range s.entities {
			if e.UserID != t.UserID() || !f.MatchesEntity(e) {
				continue
			}
			if score := rank(terms, []weightedText{
				{e.Name, weightA},
				{e.Description + " " + e.Company + " " + e.JobTitle, weightB},
				{e.Notes + " " + strings.Join(e.Tags, " "), weightC},
			}); score > 0 {
				hits = append(hits, model.ScoredID{ID: id, Score: score})
			}
		}
	default:
		s.mu.RUnlock()
		return nil, model.Invalid("kind", "unknown record kind "+string(kind))
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if limit = model.ClampLimit(limit); len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// rank returns 0 unless every term matches some field.
func rank(terms []string, fields []weightedText) float64 {
	tokens := make([]map[string]bool, len(fields))
	for i, f := range fields {
		tokens[i] = map[string]bool{}
		for _, w := range tokenize(f.text) {
			tokens[i][w] = true
		}
	}

	var total float64
	for _, term := range terms {
		best := 0.0
		for i, f := range fields {
			if matchesToken(tokens[i], term) && f.weight > best {
				best = f.weight
			}
		}
		if best == 0 {
			return 0
		}
		total += best
	}
	return total / float64(len(terms))
}

// matchesToken accepts exact tokens and simple plural/suffix variants.
func matchesToken(set map[string]bool, term string) bool {
	if set[term] {
		return true
	}
	for w := range set {
		if len(term) >= 4 && (strings.HasPrefix(w, term) || strings.HasPrefix(term, w) && len(w) >= 4) {
			return true
		}
	}
	return false
}

// tokenize splits text into lowercase word tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.ToLower(f)
		if len(w) > 1 {
			result = append(result, w)
		}
	}
	return result
}

func (s *Store) Aggregates(ctx context.Context, t tenant.Tenant) (*model.Aggregates, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	agg := &model.Aggregates{
		MemoriesByCategory: map[model.Category]int{},
		EntitiesByType:     map[model.EntityType]int{},
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memories {
		if m.UserID != t.UserID() {
			continue
		}
		agg.TotalMemories++
		agg.MemoriesByCategory[m.Category]++
		if m.Archived {
			agg.ArchivedMemories++
		}
		if len(m.Embedding) > 0 {
			agg.MemoriesWithEmbedding++
		}
	}
	for _, e := range s.entities {
		if e.UserID != t.UserID() {
			continue
		}
		agg.TotalEntities++
		agg.EntitiesByType[e.Type]++
		if len(e.Embedding) > 0 {
			agg.EntitiesWithEmbedding++
		}
	}
	for _, r := range s.relationships {
		if r.UserID == t.UserID() {
			agg.TotalRelationships++
		}
	}
	return agg, nil
}
