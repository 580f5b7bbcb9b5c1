package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

func newUser(t *testing.T, s *Store, email string) tenant.Tenant {
	t.Helper()
	u, key, err := s.CreateUser(context.Background(), model.UserInput{Email: email})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if key == "" {
		t.Fatal("expected an api key")
	}
	tn, _ := tenant.New(u.ID)
	return tn
}

func addMemory(t *testing.T, s *Store, tn tenant.Tenant, in model.MemoryInput) *model.Memory {
	t.Helper()
	m, err := model.NewMemory(tn.UserID(), in, model.Now())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	out, err := s.CreateMemory(context.Background(), tn, m)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return out
}

func TestOwnerScoping(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newUser(t, s, "a@example.com")
	b := newUser(t, s, "b@example.com")

	ma := addMemory(t, s, a, model.MemoryInput{Content: "apple orchard notes"})
	mb := addMemory(t, s, b, model.MemoryInput{Content: "apple orchard notes"})

	hits, err := s.TextSearch(ctx, a, model.KindMemory, "apple", model.Filter{}, 10)
	if err != nil {
		t.Fatalf("TextSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != ma.ID {
		t.Fatalf("hits = %+v, want only %s", hits, ma.ID)
	}
	if _, err := s.GetMemory(ctx, a, mb.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign read: %v", err)
	}
	if err := s.DeleteMemory(ctx, a, mb.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign delete: %v", err)
	}
	if _, err := s.GetMemory(ctx, tenant.Tenant{}, ma.ID); !errors.Is(err, tenant.ErrNoTenant) {
		t.Errorf("zero tenant: %v", err)
	}
	agg, _ := s.Aggregates(ctx, a)
	if agg.TotalMemories != 1 {
		t.Errorf("aggregates leaked: %+v", agg)
	}
}

func TestReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newUser(t, s, "copy@example.com")
	m := addMemory(t, s, a, model.MemoryInput{Content: "x", Tags: []string{"one"}})
	m.Tags[0] = "mutated"
	got, _ := s.GetMemory(ctx, a, m.ID)
	if got.Tags[0] != "one" {
		t.Errorf("store state mutated through returned value: %v", got.Tags)
	}
}

func TestDeleteEntityUnlinks(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newUser(t, s, "ent@example.com")

	e1, _ := model.NewEntity(a.UserID(), model.EntityInput{Name: "Ada", Type: model.EntityPerson}, model.Now())
	e2, _ := model.NewEntity(a.UserID(), model.EntityInput{Name: "Acme", Type: model.EntityOrganization}, model.Now())
	s.CreateEntity(ctx, a, e1)
	s.CreateEntity(ctx, a, e2)
	r, _ := model.NewRelationship(a.UserID(), model.RelationshipInput{FromEntityID: e1.ID, ToEntityID: e2.ID, Type: "works_at"}, model.Now())
	if _, err := s.CreateRelationship(ctx, a, r); err != nil {
		t.Fatalf("CreateRelationship: %v", err)
	}
	m := addMemory(t, s, a, model.MemoryInput{Content: "Ada joined Acme", EntityIDs: []string{e1.ID, e2.ID}})

	if err := s.DeleteEntity(ctx, a, e2.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	rels, _ := s.ListRelationships(ctx, a, "")
	if len(rels) != 0 {
		t.Errorf("relationships left: %d", len(rels))
	}
	got, err := s.GetMemory(ctx, a, m.ID)
	if err != nil {
		t.Fatalf("memory should survive: %v", err)
	}
	if len(got.EntityIDs) != 1 || got.EntityIDs[0] != e1.ID {
		t.Errorf("entity_ids = %v", got.EntityIDs)
	}
}

func TestSetEmbeddingVersionGuard(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newUser(t, s, "emb@example.com")
	m := addMemory(t, s, a, model.MemoryInput{Content: "first"})

	src, err := s.EmbeddingSource(ctx, a, model.KindMemory, m.ID)
	if err != nil {
		t.Fatalf("EmbeddingSource: %v", err)
	}
	content := "second"
	if _, err := s.UpdateMemory(ctx, a, m.ID, model.MemoryPatch{Content: &content}); err != nil {
		t.Fatal(err)
	}
	err = s.SetEmbedding(ctx, a, model.KindMemory, m.ID, model.EmbeddingUpdate{
		Vector: []float32{1, 0}, Hash: model.ContentHash(src.Text), SourceVersion: src.Version,
	})
	if !errors.Is(err, model.ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	ids, _ := s.PendingEmbeddings(ctx, a, model.KindMemory, 2, "", 10)
	if len(ids) != 1 {
		t.Fatalf("pending = %v", ids)
	}
	src, _ = s.EmbeddingSource(ctx, a, model.KindMemory, m.ID)
	if err := s.SetEmbedding(ctx, a, model.KindMemory, m.ID, model.EmbeddingUpdate{
		Vector: []float32{1, 0}, Hash: model.ContentHash(src.Text), SourceVersion: src.Version,
	}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}
	if ids, _ := s.PendingEmbeddings(ctx, a, model.KindMemory, 2, "", 10); len(ids) != 0 {
		t.Errorf("pending after set = %v", ids)
	}
	if ids, _ := s.PendingEmbeddings(ctx, a, model.KindMemory, 3, "", 10); len(ids) != 1 {
		t.Errorf("wrong dimension should be pending, got %v", ids)
	}
}

func TestListMemoriesPagination(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newUser(t, s, "page@example.com")
	for i := 0; i < 5; i++ {
		addMemory(t, s, a, model.MemoryInput{Content: "note", Tags: []string{"p"}})
	}
	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 10; i++ {
		page, err := s.ListMemories(ctx, a, model.Filter{Tags: []string{"p"}}, 2, cursor)
		if err != nil {
			t.Fatalf("ListMemories: %v", err)
		}
		for _, m := range page.Items {
			if seen[m.ID] {
				t.Fatalf("duplicate %s", m.ID)
			}
			seen[m.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Errorf("saw %d memories, want 5", len(seen))
	}
}

func TestTextSearchRequiresAllTerms(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newUser(t, s, "terms@example.com")
	hit := addMemory(t, s, a, model.MemoryInput{Title: "Orchard", Content: "apple harvest"})
	addMemory(t, s, a, model.MemoryInput{Content: "apple pie recipe"})

	hits, _ := s.TextSearch(ctx, a, model.KindMemory, "apple orchard", model.Filter{}, 10)
	if len(hits) != 1 || hits[0].ID != hit.ID {
		t.Errorf("hits = %+v", hits)
	}
}
