package memstore

import (
	"context"
	"sort"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

func (s *Store) EmbeddingSource(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) (*model.EmbeddingSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case model.KindMemory:
		m, err := owned(t, s.memories, id, memOwner)
		if err != nil {
			return nil, err
		}
		return &model.EmbeddingSource{
			ID: id, Kind: kind, Text: m.EmbeddingText(),
			Hash: m.EmbeddingHash, Dimension: len(m.Embedding), Version: m.UpdatedAt,
		}, nil
	case model.KindEntity:
		e, err := owned(t, s.entities, id, entOwner)
		if err != nil {
			return nil, err
		}
		return &model.EmbeddingSource{
			ID: id, Kind: kind, Text: e.EmbeddingText(),
			Hash: e.EmbeddingHash, Dimension: len(e.Embedding), Version: e.UpdatedAt,
		}, nil
	}
	return nil, model.Invalid("kind", "unknown record kind "+string(kind))
}

func (s *Store) SetEmbedding(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, upd model.EmbeddingUpdate) error {
	if len(upd.Vector) == 0 {
		return model.Invalid("embedding", "must not be empty")
	}
	vec := append([]float32(nil), upd.Vector...)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.KindMemory:
		m, err := owned(t, s.memories, id, memOwner)
		if err != nil {
			return err
		}
		if !m.UpdatedAt.Equal(upd.SourceVersion) {
			return model.ErrStale
		}
		if strings.TrimSpace(m.Content) == "" {
			return model.Invalid("embedding", "requires non-empty content")
		}
		m.Embedding, m.EmbeddingHash, m.EmbeddingModel, m.HasEmbedding = vec, upd.Hash, upd.Model, true
		return nil
	case model.KindEntity:
		e, err := owned(t, s.entities, id, entOwner)
		if err != nil {
			return err
		}
		if !e.UpdatedAt.Equal(upd.SourceVersion) {
			return model.ErrStale
		}
		e.Embedding, e.EmbeddingHash, e.EmbeddingModel, e.HasEmbedding = vec, upd.Hash, upd.Model, true
		return nil
	}
	return model.Invalid("kind", "unknown record kind "+string(kind))
}

func (s *Store) ClearEmbedding(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case model.KindMemory:
		m, err := owned(t, s.memories, id, memOwner)
		if err != nil {
			return err
		}
		m.Embedding, m.EmbeddingHash, m.EmbeddingModel, m.HasEmbedding = nil, "", "", false
		return nil
	case model.KindEntity:
		e, err := owned(t, s.entities, id, entOwner)
		if err != nil {
			return err
		}
		e.Embedding, e.EmbeddingHash, e.EmbeddingModel, e.HasEmbedding = nil, "", "", false
		return nil
	}
	return model.Invalid("kind", "unknown record kind "+string(kind))
}

func (s *Store) PendingEmbeddings(ctx context.Context, t tenant.Tenant, kind model.Kind, dim int, afterID string, limit int) ([]string, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	pending := func(text, hash string, vec []float32) bool {
		return len(vec) == 0 || !model.EmbeddingCurrent(text, hash, len(vec), dim)
	}
	s.mu.RLock()
	var ids []string
	switch kind {
	case model.KindMemory:
		for id, m := range s.memories {
			if m.UserID == t.UserID() && id > afterID && pending(m.EmbeddingText(), m.EmbeddingHash, m.Embedding) {
				ids = append(ids, id)
			}
		}
	case model.KindEntity:
		for id, e := range s.entities {
			if e.UserID == t.UserID() && id > afterID && pending(e.EmbeddingText(), e.EmbeddingHash, e.Embedding) {
				ids = append(ids, id)
			}
		}
	default:
		s.mu.RUnlock()
		return nil, model.Invalid("kind", "unknown record kind "+string(kind))
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	if limit = model.ClampLimit(limit); len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) VectorRows(ctx context.Context, t tenant.Tenant, kind model.Kind, f model.Filter) ([]model.VectorRow, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.VectorRow
	switch kind {
	case model.KindMemory:
		for id, m := range s.memories {
			if m.UserID == t.UserID() && len(m.Embedding) > 0 && f.MatchesMemory(m) {
				out = append(out, model.VectorRow{ID: id, Embedding: append([]float32(nil), m.Embedding...)})
			}
		}
	case model.KindEntity:
		for id, e := range s.entities {
			if e.UserID == t.UserID() && len(e.Embedding) > 0 && f.MatchesEntity(e) {
				out = append(out, model.VectorRow{ID: id, Embedding: append([]float32(nil), e.Embedding...)})
			}
		}
	default:
		return nil, model.Invalid("kind", "unknown record kind "+string(kind))
	}
	return out, nil
}
