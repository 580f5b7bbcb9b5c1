//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_memory_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "pg connection string: %v\n", err)
		os.Exit(1)
	}

	testStore, err = New(dsn, zap.NewNop())
	if err != nil {
		testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	if err := testStore.Migrate(ctx); err != nil {
		testcontainers.TerminateContainer(container)
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func newTenant(t *testing.T, email string) tenant.Tenant {
	t.Helper()
	u, _, err := testStore.CreateUser(context.Background(), model.UserInput{Email: email})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	tn, err := tenant.New(u.ID)
	if err != nil {
		t.Fatalf("tenant.New: %v", err)
	}
	return tn
}

func storeMemory(t *testing.T, tn tenant.Tenant, content string, tags ...string) *model.Memory {
	t.Helper()
	m, err := model.NewMemory(tn.UserID(), model.MemoryInput{Content: content, Tags: tags}, model.Now())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	created, err := testStore.CreateMemory(context.Background(), tn, m)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return created
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	before, err := testStore.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if err := testStore.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	after, _ := testStore.SchemaVersion(ctx)
	if before != after || after == 0 {
		t.Errorf("schema version %d -> %d", before, after)
	}
}

func TestCrossTenantIsolation(t *testing.T) {
	ctx := context.Background()
	u1 := newTenant(t, "iso-a@example.com")
	u2 := newTenant(t, "iso-b@example.com")

	m1 := storeMemory(t, u1, "apple orchard notes")
	m2 := storeMemory(t, u2, "apple orchard notes")

	hits, err := testStore.TextSearch(ctx, u1, model.KindMemory, "apple", model.Filter{}, 10)
	if err != nil {
		t.Fatalf("TextSearch: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != m1.ID {
		t.Fatalf("u1 search returned %+v, want only %s", hits, m1.ID)
	}

	if _, err := testStore.GetMemory(ctx, u1, m2.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign get: expected ErrNotFound, got %v", err)
	}
	content := "hijacked"
	if _, err := testStore.UpdateMemory(ctx, u1, m2.ID, model.MemoryPatch{Content: &content}); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign update: expected ErrNotFound, got %v", err)
	}
	if err := testStore.DeleteMemory(ctx, u1, m2.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign delete: expected ErrNotFound, got %v", err)
	}
	err = testStore.SetEmbedding(ctx, u1, model.KindMemory, m2.ID, model.EmbeddingUpdate{
		Vector: []float32{1}, Hash: "h", SourceVersion: m2.UpdatedAt,
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign set embedding: expected ErrNotFound, got %v", err)
	}

	got, err := testStore.GetMemory(ctx, u2, m2.ID)
	if err != nil || got.Content != "apple orchard notes" || got.HasEmbedding {
		t.Errorf("u2 memory altered: %+v, %v", got, err)
	}
}

func TestAggregatesScenario(t *testing.T) {
	ctx := context.Background()
	u1 := newTenant(t, "stats-a@example.com")
	u2 := newTenant(t, "stats-b@example.com")

	for i := 0; i < 3; i++ {
		storeMemory(t, u1, fmt.Sprintf("u1 note %d", i))
	}
	for i := 0; i < 5; i++ {
		storeMemory(t, u2, fmt.Sprintf("u2 note %d", i))
	}
	e, _ := model.NewEntity(u1.UserID(), model.EntityInput{Name: "Acme", Type: model.EntityOrganization}, model.Now())
	if _, err := testStore.CreateEntity(ctx, u1, e); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}

	agg, err := testStore.Aggregates(ctx, u1)
	if err != nil {
		t.Fatalf("Aggregates: %v", err)
	}
	if agg.TotalMemories != 3 || agg.TotalEntities != 1 {
		t.Errorf("got memories=%d entities=%d, want 3 and 1", agg.TotalMemories, agg.TotalEntities)
	}
	if agg.MemoriesByCategory[model.CategorySemantic] != 3 {
		t.Errorf("category breakdown = %v", agg.MemoriesByCategory)
	}
}

func TestDeleteEntityUnlinks(t *testing.T) {
	ctx := context.Background()
	u := newTenant(t, "cascade@example.com")

	a, _ := model.NewEntity(u.UserID(), model.EntityInput{Name: "Ada", Type: model.EntityPerson}, model.Now())
	b, _ := model.NewEntity(u.UserID(), model.EntityInput{Name: "Bob", Type: model.EntityPerson}, model.Now())
	if _, err := testStore.CreateEntity(ctx, u, a); err != nil {
		t.Fatal(err)
	}
	if _, err := testStore.CreateEntity(ctx, u, b); err != nil {
		t.Fatal(err)
	}
	r, _ := model.NewRelationship(u.UserID(), model.RelationshipInput{FromEntityID: b.ID, ToEntityID: a.ID, Type: "reports_to"}, model.Now())
	if _, err := testStore.CreateRelationship(ctx, u, r); err != nil {
		t.Fatalf("CreateRelationship: %v", err)
	}
	m, _ := model.NewMemory(u.UserID(), model.MemoryInput{Content: "met Ada", EntityIDs: []string{a.ID, b.ID}}, model.Now())
	if _, err := testStore.CreateMemory(ctx, u, m); err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}

	if err := testStore.DeleteEntity(ctx, u, a.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	rels, _ := testStore.ListRelationships(ctx, u, b.ID)
	if len(rels) != 0 {
		t.Errorf("dangling relationships: %+v", rels)
	}
	got, err := testStore.GetMemory(ctx, u, m.ID)
	if err != nil {
		t.Fatalf("memory must survive entity delete: %v", err)
	}
	if len(got.EntityIDs) != 1 || got.EntityIDs[0] != b.ID {
		t.Errorf("entity_ids = %v, want [%s]", got.EntityIDs, b.ID)
	}
}

func TestMemoryRejectsForeignEntityRef(t *testing.T) {
	ctx := context.Background()
	u1 := newTenant(t, "ref-a@example.com")
	u2 := newTenant(t, "ref-b@example.com")
	e, _ := model.NewEntity(u2.UserID(), model.EntityInput{Name: "Secret", Type: model.EntityProject}, model.Now())
	if _, err := testStore.CreateEntity(ctx, u2, e); err != nil {
		t.Fatal(err)
	}
	m, _ := model.NewMemory(u1.UserID(), model.MemoryInput{Content: "x", EntityIDs: []string{e.ID}}, model.Now())
	if _, err := testStore.CreateMemory(ctx, u1, m); !model.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestPendingEmbeddingsScoped(t *testing.T) {
	ctx := context.Background()
	u1 := newTenant(t, "pending-a@example.com")
	u2 := newTenant(t, "pending-b@example.com")
	m1 := storeMemory(t, u1, "first")
	m2 := storeMemory(t, u1, "second")
	storeMemory(t, u2, "other tenant")

	if err := testStore.SetEmbedding(ctx, u1, model.KindMemory, m1.ID, model.EmbeddingUpdate{
		Vector: []float32{0.1, 0.2}, Hash: model.ContentHash("first"), Model: "m", SourceVersion: m1.UpdatedAt,
	}); err != nil {
		t.Fatalf("SetEmbedding: %v", err)
	}

	ids, err := testStore.PendingEmbeddings(ctx, u1, model.KindMemory, 2, "", 100)
	if err != nil {
		t.Fatalf("PendingEmbeddings: %v", err)
	}
	if len(ids) != 1 || ids[0] != m2.ID {
		t.Errorf("pending = %v, want [%s]", ids, m2.ID)
	}
	ids, _ = testStore.PendingEmbeddings(ctx, u1, model.KindMemory, 3, "", 100)
	if len(ids) != 2 {
		t.Errorf("wrong-dimension vectors must count as pending, got %v", ids)
	}

	// A write after the source was read makes the vector stale.
	imp := 0.9
	if _, err := testStore.UpdateMemory(ctx, u1, m2.ID, model.MemoryPatch{Importance: &imp}); err != nil {
		t.Fatal(err)
	}
	err = testStore.SetEmbedding(ctx, u1, model.KindMemory, m2.ID, model.EmbeddingUpdate{
		Vector: []float32{1, 1}, Hash: "h", SourceVersion: m2.UpdatedAt,
	})
	if !errors.Is(err, model.ErrStale) {
		t.Errorf("expected ErrStale, got %v", err)
	}
}

func TestListMemoriesCursor(t *testing.T) {
	ctx := context.Background()
	u := newTenant(t, "paging@example.com")
	for i := 0; i < 5; i++ {
		storeMemory(t, u, fmt.Sprintf("page note %d", i), "paged")
	}
	seen := map[string]bool{}
	cursor := ""
	for {
		page, err := testStore.ListMemories(ctx, u, model.Filter{Tags: []string{"paged"}}, 2, cursor)
		if err != nil {
			t.Fatalf("ListMemories: %v", err)
		}
		for _, m := range page.Items {
			if seen[m.ID] {
				t.Fatalf("duplicate %s across pages", m.ID)
			}
			seen[m.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 5 {
		t.Errorf("paged through %d memories, want 5", len(seen))
	}
}
