// Package memstore is an in-process implementation of the record store used
// when no PostgreSQL DSN is configured and by unit tests. It enforces the
// same owner scoping and validation rules as the SQL store.
package memstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// SchemaVersion is reported by SchemaVersion; there is nothing to migrate.
const SchemaVersion = 0

// Store keeps every record in maps guarded by one RWMutex.
type Store struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	memories      map[string]*model.Memory
	entities      map[string]*model.Entity
	relationships map[string]*model.Relationship
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:         map[string]*model.User{},
		memories:      map[string]*model.Memory{},
		entities:      map[string]*model.Entity{},
		relationships: map[string]*model.Relationship{},
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) SchemaVersion(ctx context.Context) (int, error) { return SchemaVersion, nil }

func (s *Store) Close() {}

// --- users ---

func hashKey(key string) string { return model.ContentHash(strings.TrimSpace(key)) }

func (s *Store) CreateUser(ctx context.Context, in model.UserInput) (*model.User, string, error) {
	if err := in.Validate(); err != nil {
		return nil, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, "", err
	}
	key := "nkm_" + hex.EncodeToString(buf)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == in.Email {
			return nil, "", model.Invalid("email", "already exists")
		}
	}
	now := model.Now()
	u := &model.User{
		ID:           uuid.New().String(),
		Email:        in.Email,
		Name:         in.Name,
		Organization: in.Organization,
		IsActive:     true,
		APIKeyHash:   hashKey(key),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, key, nil
}

func (s *Store) GetUser(ctx context.Context, t tenant.Tenant) (*model.User, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[t.UserID()]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) GetUserByAPIKey(ctx context.Context, key string) (*model.User, error) {
	if strings.TrimSpace(key) == "" {
		return nil, model.ErrNotFound
	}
	h := hashKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.IsActive && u.APIKeyHash == h {
			cp := *u
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (s *Store) ListActiveUsers(ctx context.Context) ([]*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.User
	for _, u := range s.users {
		if u.IsActive {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteUser cascades to every record the user owns.
func (s *Store) DeleteUser(ctx context.Context, t tenant.Tenant) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[t.UserID()]; !ok {
		return model.ErrNotFound
	}
	delete(s.users, t.UserID())
	for id, m := range s.memories {
		if m.UserID == t.UserID() {
			delete(s.memories, id)
		}
	}
	for id, e := range s.entities {
		if e.UserID == t.UserID() {
			delete(s.entities, id)
		}
	}
	for id, r := range s.relationships {
		if r.UserID == t.UserID() {
			delete(s.relationships, id)
		}
	}
	return nil
}

// --- helpers ---

func owned[T any](t tenant.Tenant, m map[string]T, id string, owner func(T) string) (T, error) {
	var zero T
	if !t.Valid() {
		return zero, tenant.ErrNoTenant
	}
	v, ok := m[id]
	if !ok || owner(v) != t.UserID() {
		return zero, model.ErrNotFound
	}
	return v, nil
}

func memOwner(m *model.Memory) string       { return m.UserID }
func entOwner(e *model.Entity) string       { return e.UserID }
func relOwner(r *model.Relationship) string { return r.UserID }

func cloneMemory(m *model.Memory, withVector bool) *model.Memory {
	cp := *m
	cp.Tags = append([]string{}, m.Tags...)
	cp.EntityIDs = append([]string{}, m.EntityIDs...)
	cp.Metadata = cloneMap(m.Metadata)
	cp.Embedding = nil
	if withVector {
		cp.Embedding = append([]float32(nil), m.Embedding...)
	}
	cp.HasEmbedding = len(m.Embedding) > 0
	return &cp
}

func cloneEntity(e *model.Entity, withVector bool) *model.Entity {
	cp := *e
	cp.Tags = append([]string{}, e.Tags...)
	cp.Metadata = cloneMap(e.Metadata)
	if e.Contact.Social != nil {
		cp.Contact.Social = make(map[string]string, len(e.Contact.Social))
		for k, v := range e.Contact.Social {
			cp.Contact.Social[k] = v
		}
	}
	if e.LastInteractionAt != nil {
		at := *e.LastInteractionAt
		cp.LastInteractionAt = &at
	}
	cp.Embedding = nil
	if withVector {
		cp.Embedding = append([]float32(nil), e.Embedding...)
	}
	cp.HasEmbedding = len(e.Embedding) > 0
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// checkEntities must be called with s.mu held.
func (s *Store) checkEntities(t tenant.Tenant, ids []string) error {
	for _, id := range ids {
		if _, err := owned(t, s.entities, id, entOwner); err != nil {
			return model.Invalid("entity_ids", "references an unknown entity")
		}
	}
	return nil
}

// --- memories ---

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
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[t.UserID()]; !ok {
		return nil, model.Invalid("user_id", "references an unknown record")
	}
	if _, exists := s.memories[m.ID]; exists {
		return nil, model.Invalid("id", "already exists")
	}
	if err := s.checkEntities(t, m.EntityIDs); err != nil {
		return nil, err
	}
	stored := cloneMemory(m, false)
	stored.HasEmbedding = false
	stored.EmbeddingHash = ""
	stored.EmbeddingModel = ""
	s.memories[stored.ID] = stored
	return cloneMemory(stored, false), nil
}

func (s *Store) GetMemory(ctx context.Context, t tenant.Tenant, id string) (*model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := owned(t, s.memories, id, memOwner)
	if err != nil {
		return nil, err
	}
	return cloneMemory(m, false), nil
}

func (s *Store) UpdateMemory(ctx context.Context, t tenant.Tenant, id string, patch model.MemoryPatch) (*model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := owned(t, s.memories, id, memOwner)
	if err != nil {
		return nil, err
	}
	next := cloneMemory(cur, true)
	if err := patch.Apply(next, bump(cur.UpdatedAt)); err != nil {
		return nil, err
	}
	if patch.EntityIDs != nil {
		if err := s.checkEntities(t, next.EntityIDs); err != nil {
			return nil, err
		}
	}
	next.HasEmbedding = len(next.Embedding) > 0
	s.memories[id] = next
	return cloneMemory(next, false), nil
}

func (s *Store) DeleteMemory(ctx context.Context, t tenant.Tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := owned(t, s.memories, id, memOwner); err != nil {
		return err
	}
	delete(s.memories, id)
	return nil
}

func (s *Store) ListMemories(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.MemoryPage, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	c, hasCursor, err := model.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = model.ClampLimit(limit)

	s.mu.RLock()
	var items []*model.Memory
	for _, m := range s.memories {
		if m.UserID != t.UserID() || !f.MatchesMemory(m) {
			continue
		}
		if hasCursor && !c.Before(m.UpdatedAt, m.ID) {
			continue
		}
		items = append(items, cloneMemory(m, false))
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return newerFirst(items[i].UpdatedAt, items[i].ID, items[j].UpdatedAt, items[j].ID) })
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

func (s *Store) MemoriesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Memory, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Memory
	for _, id := range ids {
		m, err := owned(t, s.memories, id, memOwner)
		if err != nil || !f.MatchesMemory(m) {
			continue
		}
		out = append(out, cloneMemory(m, false))
	}
	return out, nil
}

// --- entities ---

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
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[t.UserID()]; !ok {
		return nil, model.Invalid("user_id", "references an unknown record")
	}
	if _, exists := s.entities[e.ID]; exists {
		return nil, model.Invalid("id", "already exists")
	}
	stored := cloneEntity(e, false)
	stored.EmbeddingHash = ""
	stored.EmbeddingModel = ""
	s.entities[stored.ID] = stored
	return cloneEntity(stored, false), nil
}

func (s *Store) GetEntity(ctx context.Context, t tenant.Tenant, id string) (*model.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, err := owned(t, s.entities, id, entOwner)
	if err != nil {
		return nil, err
	}
	return cloneEntity(e, false), nil
}

func (s *Store) UpdateEntity(ctx context.Context, t tenant.Tenant, id string, patch model.EntityPatch) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := owned(t, s.entities, id, entOwner)
	if err != nil {
		return nil, err
	}
	next := cloneEntity(cur, true)
	if err := patch.Apply(next, bump(cur.UpdatedAt)); err != nil {
		return nil, err
	}
	s.entities[id] = next
	return cloneEntity(next, false), nil
}

// DeleteEntity drops the entity's relationships and memory references
// before the entity itself.
func (s *Store) DeleteEntity(ctx context.Context, t tenant.Tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := owned(t, s.entities, id, entOwner); err != nil {
		return err
	}
	for rid, r := range s.relationships {
		if r.UserID == t.UserID() && (r.FromEntityID == id || r.ToEntityID == id) {
			delete(s.relationships, rid)
		}
	}
	for _, m := range s.memories {
		if m.UserID != t.UserID() {
			continue
		}
		kept := m.EntityIDs[:0]
		for _, ref := range m.EntityIDs {
			if ref != id {
				kept = append(kept, ref)
			}
		}
		m.EntityIDs = kept
	}
	delete(s.entities, id)
	return nil
}

func (s *Store) ListEntities(ctx context.Context, t tenant.Tenant, f model.Filter, limit int, cursor string) (*model.EntityPage, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	c, hasCursor, err := model.DecodeCursor(cursor)
	if err != nil {
		return nil, err
	}
	limit = model.ClampLimit(limit)

	s.mu.RLock()
	var items []*model.Entity
	for _, e := range s.entities {
		if e.UserID != t.UserID() || !f.MatchesEntity(e) {
			continue
		}
		if hasCursor && !c.Before(e.UpdatedAt, e.ID) {
			continue
		}
		items = append(items, cloneEntity(e, false))
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return newerFirst(items[i].UpdatedAt, items[i].ID, items[j].UpdatedAt, items[j].ID) })
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

func (s *Store) EntitiesByID(ctx context.Context, t tenant.Tenant, ids []string, f model.Filter) ([]*model.Entity, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Entity
	for _, id := range ids {
		e, err := owned(t, s.entities, id, entOwner)
		if err != nil || !f.MatchesEntity(e) {
			continue
		}
		out = append(out, cloneEntity(e, false))
	}
	return out, nil
}

func (s *Store) RecordInteraction(ctx context.Context, t tenant.Tenant, id string, at time.Time) (*model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := owned(t, s.entities, id, entOwner)
	if err != nil {
		return nil, err
	}
	at = at.UTC().Truncate(time.Microsecond)
	e.InteractionCount++
	e.LastInteractionAt = &at
	return cloneEntity(e, false), nil
}

// --- relationships ---

func (s *Store) CreateRelationship(ctx context.Context, t tenant.Tenant, r *model.Relationship) (*model.Relationship, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if r.UserID != t.UserID() {
		return nil, model.Invalid("user_id", "does not match the authenticated owner")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkEntities(t, []string{r.FromEntityID, r.ToEntityID}); err != nil {
		return nil, err
	}
	for _, x := range s.relationships {
		if x.FromEntityID == r.FromEntityID && x.ToEntityID == r.ToEntityID && x.Type == r.Type {
			return nil, model.Invalid("relationship_type", "already exists")
		}
	}
	cp := *r
	s.relationships[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) ListRelationships(ctx context.Context, t tenant.Tenant, entityID string) ([]*model.Relationship, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*model.Relationship{}
	for _, r := range s.relationships {
		if r.UserID != t.UserID() {
			continue
		}
		if entityID != "" && r.FromEntityID != entityID && r.ToEntityID != entityID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteRelationship(ctx context.Context, t tenant.Tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := owned(t, s.relationships, id, relOwner); err != nil {
		return err
	}
	delete(s.relationships, id)
	return nil
}

// bump returns a timestamp strictly after prev so that version guards on
// UpdatedAt notice every write, even within one clock tick.
func bump(prev time.Time) time.Time {
	now := model.Now()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

func newerFirst(a time.Time, aID string, b time.Time, bID string) bool {
	if a.Equal(b) {
		return aID > bID
	}
	return a.After(b)
}
