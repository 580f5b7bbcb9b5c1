// Package model defines the records persisted by the memory store and the
// validation rules they obey before reaching storage.
package model

import (
	"math"
	"strings"
	"time"
)

// Kind distinguishes the two embeddable record families.
type Kind string

const (
	KindMemory Kind = "memory"
	KindEntity Kind = "entity"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return k == KindMemory || k == KindEntity }

// Category is the closed set of memory categories.
type Category string

const (
	CategorySemantic   Category = "semantic"
	CategoryEpisodic   Category = "episodic"
	CategoryProcedural Category = "procedural"
	CategorySystem     Category = "system"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategorySemantic, CategoryEpisodic, CategoryProcedural, CategorySystem}

// legacyCategories maps the upper-case memory types used by older clients.
var legacyCategories = map[string]Category{
	"MEMORY":  CategoryEpisodic,
	"LEARNED": CategoryProcedural,
	"SYSTEM":  CategorySystem,
}

// ParseCategory accepts canonical names (any case) and legacy upper-case types.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	if c, ok := legacyCategories[s]; ok {
		return c, nil
	}
	c := Category(strings.ToLower(s))
	if !c.Valid() {
		return "", Invalid("category", "unknown category "+quote(s))
	}
	return c, nil
}

// Valid reports whether c is in the closed set.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// EntityType is the closed set of entity types.
type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityProject      EntityType = "project"
	EntityConcept      EntityType = "concept"
	EntityLocation     EntityType = "location"
	EntityEvent        EntityType = "event"
)

// EntityTypes lists every valid entity type.
var EntityTypes = []EntityType{EntityPerson, EntityOrganization, EntityProject, EntityConcept, EntityLocation, EntityEvent}

// ParseEntityType accepts any letter case.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", Invalid("entity_type", "unknown entity type "+quote(s))
	}
	return t, nil
}

// Valid reports whether t is in the closed set.
func (t EntityType) Valid() bool {
	for _, k := range EntityTypes {
		if t == k {
			return true
		}
	}
	return false
}

// PersonType refines entities of type person.
type PersonType string

const (
	PersonMe        PersonType = "me"
	PersonFamily    PersonType = "family"
	PersonFriend    PersonType = "friend"
	PersonColleague PersonType = "colleague"
	PersonClient    PersonType = "client"
	PersonContact   PersonType = "contact"
)

// Valid reports whether p is a known person sub-type. The empty value is valid.
func (p PersonType) Valid() bool {
	switch p {
	case "", PersonMe, PersonFamily, PersonFriend, PersonColleague, PersonClient, PersonContact:
		return true
	}
	return false
}

// Importance bounds and the legacy four-level scale.
const (
	MinImportance     = 0.0
	MaxImportance     = 1.0
	DefaultImportance = 0.5

	ImportanceLow      = 1
	ImportanceMedium   = 2
	ImportanceHigh     = 3
	ImportanceCritical = 4
)

// ValidateImportance checks that v is a finite value in [0, 1].
func ValidateImportance(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < MinImportance || v > MaxImportance {
		return Invalid("importance", "must be between 0.0 and 1.0")
	}
	return nil
}

// ImportanceFromLevel maps the legacy 1..4 scale onto [0, 1] as level/4.
func ImportanceFromLevel(level int) (float64, error) {
	if level < ImportanceLow || level > ImportanceCritical {
		return 0, Invalid("importance", "level must be between 1 and 4")
	}
	return float64(level) / 4, nil
}

// ImportanceLevel maps v back onto the legacy scale: ceil(v*4) clamped to 1..4.
// It is the inverse of ImportanceFromLevel for the four exact level values.
func ImportanceLevel(v float64) int {
	level := int(math.Ceil(v*4 - 1e-9))
	if level < ImportanceLow {
		return ImportanceLow
	}
	if level > ImportanceCritical {
		return ImportanceCritical
	}
	return level
}

// User is the tenant root.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Organization string    `json:"organization,omitempty"`
	IsActive     bool      `json:"is_active"`
	APIKeyHash   string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserInput carries the fields accepted when registering a user.
type UserInput struct {
	Email        string `json:"email"`
	Name         string `json:"name,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Validate normalizes the email and checks required fields.
func (in *UserInput) Validate() error {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.Organization = strings.TrimSpace(in.Organization)
	if in.Email == "" {
		return Invalid("email", "is required")
	}
	at := strings.IndexByte(in.Email, '@')
	if at <= 0 || at == len(in.Email)-1 || strings.ContainsAny(in.Email, " \t") {
		return Invalid("email", "is not a valid address")
	}
	return nil
}

// NormalizeTags trims, drops empties and removes duplicates while keeping order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Now returns the current time at the precision the store persists.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func quote(s string) string { return "\"" + s + "\"" }
