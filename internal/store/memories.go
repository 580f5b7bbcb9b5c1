package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

const memoryColumns = `id, user_id, title, content, category, importance, tags, entity_ids, metadata,
	(embedding IS NOT NULL AND cardinality(embedding) > 0), embedding_hash, embedding_model,
	archived, created_at, updated_at`

func scanMemory(row pgx.Row) (*model.Memory, error) {
	var (
		m        model.Memory
		category string
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.Title, &m.Content, &category, &m.Importance,
		&m.Tags, &m.EntityIDs, &m.Metadata,
		&m.HasEmbedding, &m.EmbeddingHash, &m.EmbeddingModel,
		&m.Archived, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Category = model.Category(category)
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return &m, nil
}

func collectMemories(rows pgx.Rows) ([]*model.Memory, error) {
	defer rows.Close()
	var out []*model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateMemory persists a memory built by model.NewMemory. Referenced
// entities must belong to the same owner.
func (s *Store) CreateMemory(ctx context.Context, t tenant.Tenant, m *model.Memory) (*model.Memory, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if m.UserID != t.UserID() {
		return nil, model.Invalid("user_id", "does not match the authenticated owner")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, classify("begin create memory", err)
	}
	defer tx.Rollback(ctx)

	if err := verifyEntities(ctx, tx, t, m.EntityIDs); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO memories (id, user_id, title, content, category, importance, tags, entity_ids, metadata,
		                      archived, text_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING `+memoryColumns,
		m.ID, t.UserID(), m.Title, m.Content, string(m.Category), m.Importance,
		m.Tags, m.EntityIDs, m.Metadata, m.Archived, model.TextHash(m.EmbeddingText()), m.CreatedAt, m.UpdatedAt,
	)
	created, err := scanMemory(row)
	if err != nil {
		return nil, wrapf(err, "create memory %s", m.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit create memory", err)
	}
	s.logger.Debug("Memory created",
		zap.String("user", t.UserID()),
		zap.String("memory_id", created.ID))
	return created, nil
}

// GetMemory returns the owner's memory with id, or model.ErrNotFound.
func (s *Store) GetMemory(ctx context.Context, t tenant.Tenant, id string) (*model.Memory, error) {
	q, err := newScoped(t, "memories")
	if err != nil {
		return nil, err
	}
	q.id(id)
	m, err := scanMemory(s.db.QueryRow(ctx, q.selectSQL(memoryColumns, ""), q.args...))
	if err != nil {
		return nil, wrapf(err, "get memory %s", id)
	}
	return m, nil
}

// UpdateMemory applies patch to the owner's memory inside a transaction.
// Embedding columns are never written here; text_hash is, so a vector built
// from the previous text is picked up by backfill.
func (s *Store) UpdateMemory(ctx context.Context, t tenant.Tenant, id string, patch model.MemoryPatch) (*model.Memory, error) {
	q, err := newScoped(t, "memories")
	if err != nil {
		return nil, err
	}
	q.id(id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, classify("begin update memory", err)
	}
	defer tx.Rollback(ctx)

	m, err := scanMemory(tx.QueryRow(ctx, q.selectSQL(memoryColumns, "FOR UPDATE"), q.args...))
	if err != nil {
		return nil, wrapf(err, "load memory %s", id)
	}
	if err := patch.Apply(m, model.Now()); err != nil {
		return nil, err
	}
	if patch.EntityIDs != nil {
		if err := verifyEntities(ctx, tx, t, m.EntityIDs); err != nil {
			return nil, err
		}
	}

	sql := fmt.Sprintf(`UPDATE memories SET
		title = %s, content = %s, category = %s, importance = %s, tags = %s,
		entity_ids = %s, metadata = %s, archived = %s, text_hash = %s, updated_at = %s
		%s RETURNING %s`,
		q.arg(m.Title), q.arg(m.Content), q.arg(string(m.Category)), q.arg(m.Importance), q.arg(m.Tags),
		q.arg(m.EntityIDs), q.arg(m.Metadata), q.arg(m.Archived), q.arg(model.TextHash(m.EmbeddingText())), q.arg(m.UpdatedAt),
		q.whereClause(), memoryColumns)
	updated, err := scanMemory(tx.QueryRow(ctx, sql, q.args...))
	if err != nil {
		return nil, wrapf(err, "update memory %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit update memory", err)
	}
	return updated, nil
}

// DeleteMemory hard-deletes the owner's memory.
func (s *Store) DeleteMemory(ctx context.Context, t tenant.Tenant, id string) error {
	q, err := newScoped(t, "memories")
	if err != nil {
		return err
	}
	q.id(id)
	tag, err := s.db.Exec(ctx, "DELETE FROM memories"+q.whereClause(), q.args...)
	if err != nil {
		return wrapf(err, "delete memory %s", id)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListMemories pages through the owner's memories, most recently updated first.
func (s *Store) ListMemories(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.MemoryPage, error) {
	q, err := newScoped(t, "memories")
	if err != nil {
		return nil, err
	}
	c, ok, err := model.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	q.applyMemoryFilter(f)
	if ok {
		q.after(c)
	}
	limit = model.ClampLimit(limit)
	tail := "ORDER BY updated_at DESC, id DESC LIMIT " + q.arg(limit+1)

	rows, err := s.db.Query(ctx, q.selectSQL(memoryColumns, tail), q.args...)
	if err != nil {
		return nil, classify("list memories", err)
	}
	items, err := collectMemories(rows)
	if err != nil {
		return nil, classify("list memories", err)
	}

	page := &model.MemoryPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = model.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}.Encode()
	}
	if page.Items == nil {
		page.Items = []*model.Memory{}
	}
	return page, nil
}

// MemoriesByID hydrates ids for the owner with f applied. Unknown, foreign
// and filtered-out IDs are silently dropped; order is not preserved.
func (s *Store) MemoriesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Memory, error) {
	q, err := newScoped(t, "memories")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	q.and("id = ANY(" + q.arg(ids) + ")")
	q.applyMemoryFilter(f)
	rows, err := s.db.Query(ctx, q.selectSQL(memoryColumns, ""), q.args...)
	if err != nil {
		return nil, classify("memories by id", err)
	}
	out, err := collectMemories(rows)
	if err != nil {
		return nil, classify("memories by id", err)
	}
	return out, nil
}

// verifyEntities checks that every id names an entity of t.
func verifyEntities(ctx context.Context, tx pgx.Tx, t tenant.Tenant, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q, err := newScoped(t, "entities")
	if err != nil {
		return err
	}
	q.and("id = ANY(" + q.arg(ids) + ")")
	var n int
	if err := tx.QueryRow(ctx, q.selectSQL("count(*)", ""), q.args...).Scan(&n); err != nil {
		return classify("verify entities", err)
	}
	if n != len(ids) {
		return model.Invalid("entity_ids", "references an unknown entity")
	}
	return nil
}
