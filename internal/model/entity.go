package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity is a person, organization or other named thing a user keeps notes on.
type Entity struct {
	ID                string         `json:"id"`
	UserID            string         `json:"user_id"`
	Name              string         `json:"name"`
	Type              EntityType     `json:"entity_type"`
	PersonType        PersonType     `json:"person_type,omitempty"`
	Description       string         `json:"description,omitempty"`
	Company           string         `json:"company,omitempty"`
	JobTitle          string         `json:"job_title,omitempty"`
	Contact           ContactInfo    `json:"contact"`
	Importance        float64        `json:"importance"`
	Tags              []string       `json:"tags"`
	Notes             string         `json:"notes,omitempty"`
	Metadata          map[string]any `json:"metadata"`
	InteractionCount  int            `json:"interaction_count"`
	LastInteractionAt *time.Time     `json:"last_interaction_at,omitempty"`
	Embedding         []float32      `json:"-"`
	HasEmbedding      bool           `json:"has_embedding"`
	EmbeddingHash     string         `json:"-"`
	EmbeddingModel    string         `json:"embedding_model,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// EmbeddingText joins the descriptive fields of e, one per line.
func (e *Entity) EmbeddingText() string {
	return joinNonEmpty("\n",
		e.Name,
		string(e.Type),
		e.Description,
		e.Company,
		e.JobTitle,
		e.Notes,
	)
}

// EntityInput carries the caller-supplied fields of a new entity.
type EntityInput struct {
	Name        string         `json:"name"`
	Type        EntityType     `json:"entity_type"`
	PersonType  PersonType     `json:"person_type,omitempty"`
	Description string         `json:"description,omitempty"`
	Company     string         `json:"company,omitempty"`
	JobTitle    string         `json:"job_title,omitempty"`
	Contact     ContactInfo    `json:"contact"`
	Importance  *float64       `json:"importance,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewEntity validates in and builds an Entity for owner with a fresh ID.
func NewEntity(owner string, in EntityInput, now time.Time) (*Entity, error) {
	e := &Entity{
		ID:          uuid.New().String(),
		UserID:      owner,
		Name:        strings.TrimSpace(in.Name),
		Type:        in.Type,
		PersonType:  in.PersonType,
		Description: strings.TrimSpace(in.Description),
		Company:     strings.TrimSpace(in.Company),
		JobTitle:    strings.TrimSpace(in.JobTitle),
		Contact:     in.Contact,
		Importance:  DefaultImportance,
		Tags:        NormalizeTags(in.Tags),
		Notes:       in.Notes,
		Metadata:    in.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if in.Importance != nil {
		e.Importance = *in.Importance
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks every invariant a persisted entity must satisfy.
func (e *Entity) Validate() error {
	ve := &ValidationError{}
	if e.ID == "" {
		ve.Add("id", "is required")
	}
	if e.UserID == "" {
		ve.Add("user_id", "is required")
	}
	if e.Name == "" {
		ve.Add("name", "must not be empty")
	}
	if !e.Type.Valid() {
		ve.Add("entity_type", "unknown entity type "+quote(string(e.Type)))
	}
	if !e.PersonType.Valid() {
		ve.Add("person_type", "unknown person type "+quote(string(e.PersonType)))
	} else if e.PersonType != "" && e.Type != EntityPerson {
		ve.Add("person_type", "only allowed for persons")
	}
	if err := ValidateImportance(e.Importance); err != nil {
		ve.Add("importance", "must be between 0.0 and 1.0")
	}
	if e.InteractionCount < 0 {
		ve.Add("interaction_count", "must not be negative")
	}
	return ve.OrNil()
}

// EntityPatch is a partial update of an entity. Nil fields are left unchanged.
type EntityPatch struct {
	Name        *string         `json:"name,omitempty"`
	Type        *EntityType     `json:"entity_type,omitempty"`
	PersonType  *PersonType     `json:"person_type,omitempty"`
	Description *string         `json:"description,omitempty"`
	Company     *string         `json:"company,omitempty"`
	JobTitle    *string         `json:"job_title,omitempty"`
	Contact     *ContactInfo    `json:"contact,omitempty"`
	Importance  *float64        `json:"importance,omitempty"`
	Tags        *[]string       `json:"tags,omitempty"`
	Notes       *string         `json:"notes,omitempty"`
	Metadata    *map[string]any `json:"metadata,omitempty"`
}

// IsEmpty reports whether p changes nothing.
func (p EntityPatch) IsEmpty() bool {
	return p.Name == nil && p.Type == nil && p.PersonType == nil && p.Description == nil &&
		p.Company == nil && p.JobTitle == nil && p.Contact == nil && p.Importance == nil &&
		p.Tags == nil && p.Notes == nil && p.Metadata == nil
}

// AffectsEmbedding reports whether applying p changes the embedded text.
func (p EntityPatch) AffectsEmbedding() bool {
	return p.Name != nil || p.Type != nil || p.Description != nil ||
		p.Company != nil || p.JobTitle != nil || p.Notes != nil
}

// Apply merges p into e field by field and re-validates the result.
func (p EntityPatch) Apply(e *Entity, now time.Time) error {
	if p.IsEmpty() {
		return Invalid("patch", "no fields to update")
	}
	if p.Name != nil {
		e.Name = strings.TrimSpace(*p.Name)
	}
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.PersonType != nil {
		e.PersonType = *p.PersonType
	}
	if p.Description != nil {
		e.Description = strings.TrimSpace(*p.Description)
	}
	if p.Company != nil {
		e.Company = strings.TrimSpace(*p.Company)
	}
	if p.JobTitle != nil {
		e.JobTitle = strings.TrimSpace(*p.JobTitle)
	}
	if p.Contact != nil {
		e.Contact = *p.Contact
	}
	if p.Importance != nil {
		e.Importance = *p.Importance
	}
	if p.Tags != nil {
		e.Tags = NormalizeTags(*p.Tags)
	}
	if p.Notes != nil {
		e.Notes = *p.Notes
	}
	if p.Metadata != nil {
		e.Metadata = *p.Metadata
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
	}
	e.UpdatedAt = now
	return e.Validate()
}

// EntityPage is one page of a keyset-paginated listing.
type EntityPage struct {
	Items      []*Entity `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// Relationship is a directed, typed edge between two entities of one owner.
type Relationship struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	FromEntityID string    `json:"from_entity_id"`
	ToEntityID   string    `json:"to_entity_id"`
	Type         string    `json:"relationship_type"`
	Strength     float64   `json:"strength"`
	CreatedAt    time.Time `json:"created_at"`
}

// RelationshipInput carries the fields of a new relationship.
type RelationshipInput struct {
	FromEntityID string   `json:"from_entity_id"`
	ToEntityID   string   `json:"to_entity_id"`
	Type         string   `json:"relationship_type"`
	Strength     *float64 `json:"strength,omitempty"`
}

// NewRelationship validates in and builds a Relationship for owner.
func NewRelationship(owner string, in RelationshipInput, now time.Time) (*Relationship, error) {
	r := &Relationship{
		ID:           uuid.New().String(),
		UserID:       owner,
		FromEntityID: strings.TrimSpace(in.FromEntityID),
		ToEntityID:   strings.TrimSpace(in.ToEntityID),
		Type:         strings.ToLower(strings.TrimSpace(in.Type)),
		Strength:     DefaultImportance,
		CreatedAt:    now,
	}
	if in.Strength != nil {
		r.Strength = *in.Strength
	}
	ve := &ValidationError{}
	if r.FromEntityID == "" {
		ve.Add("from_entity_id", "is required")
	}
	if r.ToEntityID == "" {
		ve.Add("to_entity_id", "is required")
	}
	if r.FromEntityID != "" && r.FromEntityID == r.ToEntityID {
		ve.Add("to_entity_id", "must differ from from_entity_id")
	}
	if r.Type == "" {
		ve.Add("relationship_type", "is required")
	}
	if ValidateImportance(r.Strength) != nil {
		ve.Add("strength", "must be between 0.0 and 1.0")
	}
	if err := ve.OrNil(); err != nil {
		return nil, err
	}
	return r, nil
}
