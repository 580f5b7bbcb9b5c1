package store

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// EmbeddingSource reads the text to embed for one of the owner's records
// together with the state of its stored embedding.
func (s *Store) EmbeddingSource(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) (*model.EmbeddingSource, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q, err := newScoped(t, table)
	if err != nil {
		return nil, err
	}
	q.id(id)

	src := &model.EmbeddingSource{ID: id, Kind: kind}
	const state = `embedding_hash, COALESCE(cardinality(embedding), 0), updated_at`
	switch kind {
	case model.KindMemory:
		var m model.Memory
		err = s.db.QueryRow(ctx, q.selectSQL(`title, content, `+state, ""), q.args...).
			Scan(&m.Title, &m.Content, &src.Hash, &src.Dimension, &src.Version)
		src.Text = m.EmbeddingText()
	case model.KindEntity:
		var (
			e          model.Entity
			entityType string
		)
		err = s.db.QueryRow(ctx, q.selectSQL(`name, entity_type, description, company, job_title, notes, `+state, ""), q.args...).
			Scan(&e.Name, &entityType, &e.Description, &e.Company, &e.JobTitle, &e.Notes, &src.Hash, &src.Dimension, &src.Version)
		e.Type = model.EntityType(entityType)
		src.Text = e.EmbeddingText()
	}
	if err != nil {
		return nil, wrapf(err, "embedding source %s %s", kind, id)
	}
	return src, nil
}

// SetEmbedding stores a vector computed from the text read at
// upd.SourceVersion. It returns model.ErrStale if the record has been updated since
// and model.ErrNotFound if it no longer exists. updated_at is left alone.
func (s *Store) SetEmbedding(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, upd model.EmbeddingUpdate) error {
	if len(upd.Vector) == 0 {
		return model.Invalid("embedding", "must not be empty")
	}
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	q, err := newScoped(t, table)
	if err != nil {
		return err
	}
	q.id(id)
	version := q.arg(upd.SourceVersion)
	sql := "UPDATE " + table + " SET embedding = " + q.arg(upd.Vector) +
		", embedding_hash = " + q.arg(upd.Hash) +
		", embedding_model = " + q.arg(upd.Model) +
		q.whereClause() + " AND updated_at = " + version
	tag, err := s.db.Exec(ctx, sql, q.args...)
	if err != nil {
		return wrapf(err, "set embedding %s %s", kind, id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.EmbeddingSource(ctx, t, kind, id); err != nil {
		return err
	}
	return model.ErrStale
}

// ClearEmbedding removes the stored vector of one of the owner's records.
func (s *Store) ClearEmbedding(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	q, err := newScoped(t, table)
	if err != nil {
		return err
	}
	q.id(id)
	tag, err := s.db.Exec(ctx,
		"UPDATE "+table+" SET embedding = NULL, embedding_hash = '', embedding_model = ''"+q.whereClause(),
		q.args...)
	if err != nil {
		return wrapf(err, "clear embedding %s %s", kind, id)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// PendingEmbeddings returns up to limit IDs of the owner's records of kind
// whose embedding is absent, empty, built from text other than the current
// one or of a dimension other than dim, in ID order after afterID. dim <= 0
// disables the dimension check.
func (s *Store) PendingEmbeddings(ctx context.Context, t tenant.Tenant, kind model.Kind, dim int, afterID string, limit int) ([]string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q, err := newScoped(t, table)
	if err != nil {
		return nil, err
	}
	cond := "embedding IS NULL OR cardinality(embedding) = 0 OR (text_hash <> '' AND embedding_hash <> text_hash)"
	if dim > 0 {
		cond += " OR cardinality(embedding) <> " + q.arg(dim)
	}
	q.and("(" + cond + ")")
	if afterID != "" {
		q.and("id > " + q.arg(afterID))
	}
	rows, err := s.db.Query(ctx, q.selectSQL("id", "ORDER BY id LIMIT "+q.arg(model.ClampLimit(limit))), q.args...)
	if err != nil {
		return nil, classify("pending embeddings", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("pending embeddings", err)
	}
	return ids, nil
}

// VectorRows returns every stored embedding of the owner's records of kind
// that pass f. It backs brute-force similarity when no vector index is
// configured.
func (s *Store) VectorRows(ctx context.Context, t tenant.Tenant, kind model.Kind, f model.Filter) ([]model.VectorRow, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q, err := newScoped(t, table)
	if err != nil {
		return nil, err
	}
	q.and("embedding IS NOT NULL AND cardinality(embedding) > 0")
	q.applyFilter(kind, f)

	rows, err := s.db.Query(ctx, q.selectSQL("id, embedding", ""), q.args...)
	if err != nil {
		return nil, classify("vector rows", err)
	}
	defer rows.Close()

	var out []model.VectorRow
	for rows.Next() {
		var r model.VectorRow
		if err := rows.Scan(&r.ID, &r.Embedding); err != nil {
			return nil, classify("scan vector row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("vector rows", err)
	}
	return out, nil
}
