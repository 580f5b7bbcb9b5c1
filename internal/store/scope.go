package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// scoped accumulates the WHERE clause and positional arguments of one query.
// It can only be created from a valid tenant and its first predicate is
// always the owner equality, so no query built from it can span tenants.
type scoped struct {
	table string
	where []string
	args  []any
}

func newScoped(t tenant.Tenant, table string) (*scoped, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	return &scoped{
		table: table,
		where: []string{"user_id = $1"},
		args:  []any{t.UserID()},
	}, nil
}

// arg binds v and returns its placeholder.
func (q *scoped) arg(v any) string {
	q.args = append(q.args, v)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *scoped) and(cond string) {
	q.where = append(q.where, cond)
}

// id adds the record-ID predicate.
func (q *scoped) id(id string) {
	q.and("id = " + q.arg(id))
}

func (q *scoped) whereClause() string {
	return " WHERE " + strings.Join(q.where, " AND ")
}

func (q *scoped) applyMemoryFilter(f model.Filter) {
	if !f.IncludeArchived {
		q.and("NOT archived")
	}
	if len(f.Categories) > 0 {
		cats := make([]string, len(f.Categories))
		for i, c := range f.Categories {
			cats[i] = string(c)
		}
		q.and("category = ANY(" + q.arg(cats) + ")")
	}
	q.applyCommonFilter(f)
}

func (q *scoped) applyEntityFilter(f model.Filter) {
	if len(f.EntityTypes) > 0 {
		types := make([]string, len(f.EntityTypes))
		for i, t := range f.EntityTypes {
			types[i] = string(t)
		}
		q.and("entity_type = ANY(" + q.arg(types) + ")")
	}
	q.applyCommonFilter(f)
}

func (q *scoped) applyFilter(kind model.Kind, f model.Filter) {
	if kind == model.KindEntity {
		q.applyEntityFilter(f)
		return
	}
	q.applyMemoryFilter(f)
}

func (q *scoped) applyCommonFilter(f model.Filter) {
	if f.MinImportance != nil {
		q.and("importance >= " + q.arg(*f.MinImportance))
	}
	if f.MaxImportance != nil {
		q.and("importance <= " + q.arg(*f.MaxImportance))
	}
	if len(f.Tags) > 0 {
		op := " && "
		if f.MatchAllTags {
			op = " @> "
		}
		q.and("tags" + op + q.arg(f.Tags) + "::text[]")
	}
	if f.CreatedAfter != nil {
		q.and("created_at >= " + q.arg(*f.CreatedAfter))
	}
	if f.CreatedBefore != nil {
		q.and("created_at <= " + q.arg(*f.CreatedBefore))
	}
	if f.UpdatedAfter != nil {
		q.and("updated_at >= " + q.arg(*f.UpdatedAfter))
	}
	if f.UpdatedBefore != nil {
		q.and("updated_at <= " + q.arg(*f.UpdatedBefore))
	}
}

// after adds the keyset predicate for a (updated_at DESC, id DESC) listing.
func (q *scoped) after(c model.Cursor) {
	q.and("(updated_at, id) < (" + q.arg(c.UpdatedAt) + ", " + q.arg(c.ID) + ")")
}

func tableFor(kind model.Kind) (string, error) {
	switch kind {
	case model.KindMemory:
		return "memories", nil
	case model.KindEntity:
		return "entities", nil
	}
	return "", model.Invalid("kind", "unknown record kind "+string(kind))
}

// selectSQL renders a SELECT for cols over q's table with q's predicates.
func (q *scoped) selectSQL(cols, tail string) string {
	return fmt.Sprintf("SELECT %s FROM %s%s %s", cols, q.table, q.whereClause(), tail)
}
