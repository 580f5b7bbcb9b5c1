package model

import (
	"time"
)

// Filter narrows listings and searches before any ranking happens.
// Category filters apply to memories; entity type filters to entities.
type Filter struct {
	Categories      []Category   `json:"categories,omitempty"`
	EntityTypes     []EntityType `json:"entity_types,omitempty"`
	MinImportance   *float64     `json:"min_importance,omitempty"`
	MaxImportance   *float64     `json:"max_importance,omitempty"`
	Tags            []string     `json:"tags,omitempty"`
	MatchAllTags    bool         `json:"match_all_tags,omitempty"`
	CreatedAfter    *time.Time   `json:"created_after,omitempty"`
	CreatedBefore   *time.Time   `json:"created_before,omitempty"`
	UpdatedAfter    *time.Time   `json:"updated_after,omitempty"`
	UpdatedBefore   *time.Time   `json:"updated_before,omitempty"`
	IncludeArchived bool         `json:"include_archived,omitempty"`
}

// Validate rejects unknown enum values and inverted ranges.
func (f *Filter) Validate() error {
	ve := &ValidationError{}
	for _, c := range f.Categories {
		if !c.Valid() {
			ve.Add("categories", "unknown category "+quote(string(c)))
		}
	}
	for _, t := range f.EntityTypes {
		if !t.Valid() {
			ve.Add("entity_types", "unknown entity type "+quote(string(t)))
		}
	}
	if f.MinImportance != nil && ValidateImportance(*f.MinImportance) != nil {
		ve.Add("min_importance", "must be between 0.0 and 1.0")
	}
	if f.MaxImportance != nil && ValidateImportance(*f.MaxImportance) != nil {
		ve.Add("max_importance", "must be between 0.0 and 1.0")
	}
	if f.MinImportance != nil && f.MaxImportance != nil && *f.MinImportance > *f.MaxImportance {
		ve.Add("min_importance", "must not exceed max_importance")
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		ve.Add("created_after", "must not be after created_before")
	}
	if f.UpdatedAfter != nil && f.UpdatedBefore != nil && f.UpdatedAfter.After(*f.UpdatedBefore) {
		ve.Add("updated_after", "must not be after updated_before")
	}
	f.Tags = NormalizeTags(f.Tags)
	return ve.OrNil()
}

// MatchesMemory applies f to m in memory. It mirrors the SQL predicates the
// store generates so that index-backed and in-process results agree.
func (f Filter) MatchesMemory(m *Memory) bool {
	if m.Archived && !f.IncludeArchived {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, m.Category) {
		return false
	}
	return f.matchCommon(m.Importance, m.Tags, m.CreatedAt, m.UpdatedAt)
}

// MatchesEntity applies f to e in memory. Entities are never archived.
func (f Filter) MatchesEntity(e *Entity) bool {
	if len(f.EntityTypes) > 0 {
		ok := false
		for _, t := range f.EntityTypes {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return f.matchCommon(e.Importance, e.Tags, e.CreatedAt, e.UpdatedAt)
}

func (f Filter) matchCommon(importance float64, tags []string, created, updated time.Time) bool {
	if f.MinImportance != nil && importance < *f.MinImportance {
		return false
	}
	if f.MaxImportance != nil && importance > *f.MaxImportance {
		return false
	}
	if len(f.Tags) > 0 && !matchTags(f.Tags, tags, f.MatchAllTags) {
		return false
	}
	if f.CreatedAfter != nil && created.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && created.After(*f.CreatedBefore) {
		return false
	}
	if f.UpdatedAfter != nil && updated.Before(*f.UpdatedAfter) {
		return false
	}
	if f.UpdatedBefore != nil && updated.After(*f.UpdatedBefore) {
		return false
	}
	return true
}

func matchTags(want, have []string, all bool) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if set[t] && !all {
			return true
		}
		if !set[t] && all {
			return false
		}
	}
	return all
}

func containsCategory(cs []Category, c Category) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}
