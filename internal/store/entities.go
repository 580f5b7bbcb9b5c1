package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

const entityColumns = `id, user_id, name, entity_type, person_type, description, company, job_title,
	contact, importance, tags, notes, metadata, interaction_count, last_interaction_at,
	(embedding IS NOT NULL AND cardinality(embedding) > 0), embedding_hash, embedding_model,
	created_at, updated_at`

func scanEntity(row pgx.Row) (*model.Entity, error) {
	var (
		e                     model.Entity
		entityType, personTyp string
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.Name, &entityType, &personTyp, &e.Description, &e.Company, &e.JobTitle,
		&e.Contact, &e.Importance, &e.Tags, &e.Notes, &e.Metadata, &e.InteractionCount, &e.LastInteractionAt,
		&e.HasEmbedding, &e.EmbeddingHash, &e.EmbeddingModel,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = model.EntityType(entityType)
	e.PersonType = model.PersonType(personTyp)
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	return &e, nil
}

func collectEntities(rows pgx.Rows) ([]*model.Entity, error) {
	defer rows.Close()
	var out []*model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateEntity persists an entity built by model.NewEntity.
func (s *Store) CreateEntity(ctx context.Context, t tenant.Tenant, e *model.Entity) (*model.Entity, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if e.UserID != t.UserID() {
		return nil, model.Invalid("user_id", "does not match the authenticated owner")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO entities (id, user_id, name, entity_type, person_type, description, company, job_title,
		                      contact, importance, tags, notes, metadata, text_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING `+entityColumns,
		e.ID, t.UserID(), e.Name, string(e.Type), string(e.PersonType), e.Description, e.Company, e.JobTitle,
		e.Contact, e.Importance, e.Tags, e.Notes, e.Metadata, model.TextHash(e.EmbeddingText()), e.CreatedAt, e.UpdatedAt,
	)
	created, err := scanEntity(row)
	if err != nil {
		return nil, wrapf(err, "create entity %s", e.ID)
	}
	s.logger.Debug("Entity created",
		zap.String("user", t.UserID()),
		zap.String("entity_id", created.ID))
	return created, nil
}

// GetEntity returns the owner's entity with id, or model.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, t tenant.Tenant, id string) (*model.Entity, error) {
	q, err := newScoped(t, "entities")
	if err != nil {
		return nil, err
	}
	q.id(id)
	e, err := scanEntity(s.db.QueryRow(ctx, q.selectSQL(entityColumns, ""), q.args...))
	if err != nil {
		return nil, wrapf(err, "get entity %s", id)
	}
	return e, nil
}

// UpdateEntity applies patch to the owner's entity inside a transaction.
func (s *Store) UpdateEntity(ctx context.Context, t tenant.Tenant, id string, patch model.EntityPatch) (*model.Entity, error) {
	q, err := newScoped(t, "entities")
	if err != nil {
		return nil, err
	}
	q.id(id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, classify("begin update entity", err)
	}
	defer tx.Rollback(ctx)

	e, err := scanEntity(tx.QueryRow(ctx, q.selectSQL(entityColumns, "FOR UPDATE"), q.args...))
	if err != nil {
		return nil, wrapf(err, "load entity %s", id)
	}
	if err := patch.Apply(e, model.Now()); err != nil {
		return nil, err
	}

	sql := fmt.Sprintf(`UPDATE entities SET
		name = %s, entity_type = %s, person_type = %s, description = %s, company = %s, job_title = %s,
		contact = %s, importance = %s, tags = %s, notes = %s, metadata = %s, text_hash = %s, updated_at = %s
		%s RETURNING %s`,
		q.arg(e.Name), q.arg(string(e.Type)), q.arg(string(e.PersonType)), q.arg(e.Description),
		q.arg(e.Company), q.arg(e.JobTitle), q.arg(e.Contact), q.arg(e.Importance), q.arg(e.Tags),
		q.arg(e.Notes), q.arg(e.Metadata), q.arg(model.TextHash(e.EmbeddingText())), q.arg(e.UpdatedAt),
		q.whereClause(), entityColumns)
	updated, err := scanEntity(tx.QueryRow(ctx, sql, q.args...))
	if err != nil {
		return nil, wrapf(err, "update entity %s", id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit update entity", err)
	}
	return updated, nil
}

// DeleteEntity removes the entity, every relationship touching it and every
// memory reference to it in one transaction. Memories themselves are kept.
func (s *Store) DeleteEntity(ctx context.Context, t tenant.Tenant, id string) error {
	rels, err := newScoped(t, "relationships")
	if err != nil {
		return err
	}
	endpoint := rels.arg(id)
	rels.and("(from_entity_id = " + endpoint + " OR to_entity_id = " + endpoint + ")")

	mems, _ := newScoped(t, "memories")
	ref := mems.arg(id)
	mems.and(ref + " = ANY(entity_ids)")

	ents, _ := newScoped(t, "entities")
	ents.id(id)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return classify("begin delete entity", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM relationships"+rels.whereClause(), rels.args...); err != nil {
		return wrapf(err, "delete relationships of %s", id)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE memories SET entity_ids = array_remove(entity_ids, "+ref+")"+mems.whereClause(),
		mems.args...); err != nil {
		return wrapf(err, "unlink memories from %s", id)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM entities"+ents.whereClause(), ents.args...)
	if err != nil {
		return wrapf(err, "delete entity %s", id)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit delete entity", err)
	}
	return nil
}

// ListEntities pages through the owner's entities, most recently updated first.
func (s *Store) ListEntities(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.EntityPage, error) {
	q, err := newScoped(t, "entities")
	if err != nil {
		return nil, err
	}
	c, ok, err := model.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	q.applyEntityFilter(f)
	if ok {
		q.after(c)
	}
	limit = model.ClampLimit(limit)
	tail := "ORDER BY updated_at DESC, id DESC LIMIT " + q.arg(limit+1)

	rows, err := s.db.Query(ctx, q.selectSQL(entityColumns, tail), q.args...)
	if err != nil {
		return nil, classify("list entities", err)
	}
	items, err := collectEntities(rows)
	if err != nil {
		return nil, classify("list entities", err)
	}

	page := &model.EntityPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = model.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ID}.Encode()
	}
	if page.Items == nil {
		page.Items = []*model.Entity{}
	}
	return page, nil
}

// EntitiesByID hydrates ids for the owner with f applied.
func (s *Store) EntitiesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Entity, error) {
	q, err := newScoped(t, "entities")
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	q.and("id = ANY(" + q.arg(ids) + ")")
	q.applyEntityFilter(f)
	rows, err := s.db.Query(ctx, q.selectSQL(entityColumns, ""), q.args...)
	if err != nil {
		return nil, classify("entities by id", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, classify("entities by id", err)
	}
	return out, nil
}

// RecordInteraction bumps the entity's interaction counter. It does not
// touch updated_at, so a pending embedding stays valid.
func (s *Store) RecordInteraction(ctx context.Context, t tenant.Tenant, id string, at time.Time) (*model.Entity, error) {
	q, err := newScoped(t, "entities")
	if err != nil {
		return nil, err
	}
	q.id(id)
	sql := "UPDATE entities SET interaction_count = interaction_count + 1, last_interaction_at = " +
		q.arg(at.UTC()) + q.whereClause() + " RETURNING " + entityColumns
	e, err := scanEntity(s.db.QueryRow(ctx, sql, q.args...))
	if err != nil {
		return nil, wrapf(err, "record interaction %s", id)
	}
	return e, nil
}
