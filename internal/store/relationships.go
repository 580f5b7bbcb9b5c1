package store

import (
	"context"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

const relationshipColumns = `id, user_id, from_entity_id, to_entity_id, relationship_type, strength, created_at`

// CreateRelationship links two of the owner's entities.
func (s *Store) CreateRelationship(ctx context.Context, t tenant.Tenant, r *model.Relationship) (*model.Relationship, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if r.UserID != t.UserID() {
		return nil, model.Invalid("user_id", "does not match the authenticated owner")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, classify("begin create relationship", err)
	}
	defer tx.Rollback(ctx)

	if err := verifyEntities(ctx, tx, t, []string{r.FromEntityID, r.ToEntityID}); err != nil {
		return nil, err
	}

	var out model.Relationship
	err = tx.QueryRow(ctx, `
		INSERT INTO relationships (id, user_id, from_entity_id, to_entity_id, relationship_type, strength, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+relationshipColumns,
		r.ID, t.UserID(), r.FromEntityID, r.ToEntityID, r.Type, r.Strength, r.CreatedAt,
	).Scan(&out.ID, &out.UserID, &out.FromEntityID, &out.ToEntityID, &out.Type, &out.Strength, &out.CreatedAt)
	if err != nil {
		return nil, wrapf(err, "create relationship %s", r.ID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit create relationship", err)
	}
	return &out, nil
}

// ListRelationships returns every edge of the owner touching entityID, or
// every edge of the owner when entityID is empty.
func (s *Store) ListRelationships(ctx context.Context, t tenant.Tenant, entityID string) ([]*model.Relationship, error) {
	q, err := newScoped(t, "relationships")
	if err != nil {
		return nil, err
	}
	if entityID != "" {
		p := q.arg(entityID)
		q.and("(from_entity_id = " + p + " OR to_entity_id = " + p + ")")
	}
	rows, err := s.db.Query(ctx, q.selectSQL(relationshipColumns, "ORDER BY created_at, id"), q.args...)
	if err != nil {
		return nil, classify("list relationships", err)
	}
	defer rows.Close()

	out := []*model.Relationship{}
	for rows.Next() {
		var r model.Relationship
		if err := rows.Scan(&r.ID, &r.UserID, &r.FromEntityID, &r.ToEntityID, &r.Type, &r.Strength, &r.CreatedAt); err != nil {
			return nil, classify("scan relationship", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list relationships", err)
	}
	return out, nil
}

// DeleteRelationship removes one of the owner's edges.
func (s *Store) DeleteRelationship(ctx context.Context, t tenant.Tenant, id string) error {
	q, err := newScoped(t, "relationships")
	if err != nil {
		return err
	}
	q.id(id)
	tag, err := s.db.Exec(ctx, "DELETE FROM relationships"+q.whereClause(), q.args...)
	if err != nil {
		return wrapf(err, "delete relationship %s", id)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}
