package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Memory is a retrievable text record owned by exactly one user.
//
// Embedding is only populated by embedding-aware reads; HasEmbedding is
// always accurate.
type Memory struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Title          string         `json:"title"`
	Content        string         `json:"content"`
	Category       Category       `json:"category"`
	Importance     float64        `json:"importance"`
	Tags           []string       `json:"tags"`
	EntityIDs      []string       `json:"entity_ids"`
	Metadata       map[string]any `json:"metadata"`
	Embedding      []float32      `json:"-"`
	HasEmbedding   bool           `json:"has_embedding"`
	EmbeddingHash  string         `json:"-"`
	EmbeddingModel string         `json:"embedding_model,omitempty"`
	Archived       bool           `json:"archived"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EmbeddingText is the text an embedding for m is computed from.
func (m *Memory) EmbeddingText() string {
	return joinNonEmpty("\n\n", m.Title, m.Content)
}

// MemoryInput carries the caller-supplied fields of a new memory.
type MemoryInput struct {
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Category   Category       `json:"category"`
	Importance *float64       `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	EntityIDs  []string       `json:"entity_ids,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMemory validates in and builds a Memory for owner with a fresh ID.
// The ID is generated here and never by the backing store.
func NewMemory(owner string, in MemoryInput, now time.Time) (*Memory, error) {
	m := &Memory{
		ID:         uuid.New().String(),
		UserID:     owner,
		Title:      strings.TrimSpace(in.Title),
		Content:    in.Content,
		Category:   in.Category,
		Importance: DefaultImportance,
		Tags:       NormalizeTags(in.Tags),
		EntityIDs:  NormalizeTags(in.EntityIDs),
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if m.Category == "" {
		m.Category = CategorySemantic
	}
	if in.Importance != nil {
		m.Importance = *in.Importance
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks every invariant a persisted memory must satisfy.
func (m *Memory) Validate() error {
	ve := &ValidationError{}
	if m.ID == "" {
		ve.Add("id", "is required")
	}
	if m.UserID == "" {
		ve.Add("user_id", "is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		ve.Add("content", "must not be empty")
	}
	if !m.Category.Valid() {
		ve.Add("category", "unknown category "+quote(string(m.Category)))
	}
	if err := ValidateImportance(m.Importance); err != nil {
		ve.Add("importance", "must be between 0.0 and 1.0")
	}
	return ve.OrNil()
}

// MemoryPatch is a partial update. Nil fields are left unchanged.
// The embedding is deliberately not patchable.
type MemoryPatch struct {
	Title      *string         `json:"title,omitempty"`
	Content    *string         `json:"content,omitempty"`
	Category   *Category       `json:"category,omitempty"`
	Importance *float64        `json:"importance,omitempty"`
	Tags       *[]string       `json:"tags,omitempty"`
	EntityIDs  *[]string       `json:"entity_ids,omitempty"`
	Metadata   *map[string]any `json:"metadata,omitempty"`
	Archived   *bool           `json:"archived,omitempty"`
}

// IsEmpty reports whether p changes nothing.
func (p MemoryPatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.Category == nil && p.Importance == nil &&
		p.Tags == nil && p.EntityIDs == nil && p.Metadata == nil && p.Archived == nil
}

// AffectsEmbedding reports whether applying p changes the embedded text.
func (p MemoryPatch) AffectsEmbedding() bool {
	return p.Title != nil || p.Content != nil
}

// Apply merges p into m field by field and re-validates the result.
func (p MemoryPatch) Apply(m *Memory, now time.Time) error {
	if p.IsEmpty() {
		return Invalid("patch", "no fields to update")
	}
	if p.Title != nil {
		m.Title = strings.TrimSpace(*p.Title)
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.Category != nil {
		m.Category = *p.Category
	}
	if p.Importance != nil {
		m.Importance = *p.Importance
	}
	if p.Tags != nil {
		m.Tags = NormalizeTags(*p.Tags)
	}
	if p.EntityIDs != nil {
		m.EntityIDs = NormalizeTags(*p.EntityIDs)
	}
	if p.Metadata != nil {
		m.Metadata = *p.Metadata
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
	}
	if p.Archived != nil {
		m.Archived = *p.Archived
	}
	m.UpdatedAt = now
	return m.Validate()
}

// MemoryPage is one page of a keyset-paginated listing.
type MemoryPage struct {
	Items      []*Memory `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
