package memory

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/graph"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/search"
	"github.com/nidhogg/nuka-memory/internal/stats"
	"github.com/nidhogg/nuka-memory/internal/store/memstore"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

const testDim = 16

// wordsProvider embeds text as a bag of hashed words, so texts sharing
// words are similar and unrelated texts are not.
type wordsProvider struct {
	calls atomic.Int64
}

func (p *wordsProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.calls.Add(1)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, testDim)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			h.Write([]byte(w))
			vec[h.Sum32()%testDim]++
		}
		out[i] = vec
	}
	return out, nil
}

func (p *wordsProvider) Dimension() int { return testDim }

type fakeGraph struct {
	upserts, links, removes atomic.Int64
	related                 []graph.Related
	err                     error
}

func (g *fakeGraph) UpsertEntity(ctx context.Context, t tenant.Tenant, e *model.Entity) error {
	g.upserts.Add(1)
	return nil
}

func (g *fakeGraph) Link(ctx context.Context, t tenant.Tenant, r *model.Relationship) error {
	g.links.Add(1)
	return nil
}

func (g *fakeGraph) Unlink(ctx context.Context, t tenant.Tenant, relationshipID string) error {
	return nil
}

func (g *fakeGraph) RemoveEntity(ctx context.Context, t tenant.Tenant, entityID string) error {
	g.removes.Add(1)
	return nil
}

func (g *fakeGraph) Related(ctx context.Context, t tenant.Tenant, entityID string, opts graph.RelatedOpts) ([]graph.Related, error) {
	return g.related, g.err
}

type harness struct {
	svc      *Service
	store    *memstore.Store
	provider *wordsProvider
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	st := memstore.New()
	p := &wordsProvider{}
	logger := zap.NewNop()
	mgr, err := embedding.NewManager(st, p, embedding.Config{Dimension: testDim, Workers: 2}, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	engine := search.New(st, mgr, search.Config{}, logger)
	reporter := stats.NewReporter(st, mgr, nil, logger)
	return &harness{
		svc:      NewService(st, mgr, engine, reporter, logger, opts...),
		store:    st,
		provider: p,
	}
}

func (h *harness) user(t *testing.T, email string) tenant.Tenant {
	t.Helper()
	u, key, err := h.svc.CreateUser(context.Background(), model.UserInput{Email: email})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tn, got, err := h.svc.Authenticate(context.Background(), key)
	if err != nil || got.ID != u.ID {
		t.Fatalf("Authenticate: %v", err)
	}
	return tn
}

func (h *harness) memory(t *testing.T, tn tenant.Tenant, content string, mode EmbedMode, tags ...string) *model.Memory {
	t.Helper()
	m, err := h.svc.StoreMemory(context.Background(), tn, model.MemoryInput{Content: content, Tags: tags}, mode)
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}
	return m
}

func TestOperationsAreScopedToOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u1 := h.user(t, "u1@example.com")
	u2 := h.user(t, "u2@example.com")

	mine := h.memory(t, u1, "apple orchard harvest", EmbedSync)
	theirs := h.memory(t, u2, "apple orchard harvest", EmbedSync)

	for _, strategy := range []search.Strategy{search.StrategyVector, search.StrategyText, search.StrategyComposite} {
		hits, err := h.svc.RecallMemories(ctx, u1, "apple", search.Options{Strategy: strategy})
		if err != nil {
			t.Fatalf("%s recall: %v", strategy, err)
		}
		if len(hits) != 1 || hits[0].Memory.ID != mine.ID {
			t.Errorf("%s recall = %d hits, want only %s", strategy, len(hits), mine.ID)
		}
	}

	if _, err := h.svc.GetMemory(ctx, u1, theirs.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign get: %v", err)
	}
	content := "overwritten"
	if _, err := h.svc.UpdateMemory(ctx, u1, theirs.ID, model.MemoryPatch{Content: &content}, EmbedSync); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign update: %v", err)
	}
	if err := h.svc.DeleteMemory(ctx, u1, theirs.ID); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("foreign delete: %v", err)
	}
	got, err := h.svc.GetMemory(ctx, u2, theirs.ID)
	if err != nil || got.Content != "apple orchard harvest" {
		t.Errorf("owner's memory changed: %+v, %v", got, err)
	}
}

func TestStatisticsAndBackfillPerOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u1 := h.user(t, "u1@example.com")
	u2 := h.user(t, "u2@example.com")

	for _, c := range []string{"first note", "second note", "third note"} {
		h.memory(t, u1, c, EmbedNone)
	}
	if _, err := h.svc.CreateEntity(ctx, u1, model.EntityInput{Name: "Ada Lovelace", Type: model.EntityPerson}, EmbedNone); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	for i := 0; i < 5; i++ {
		h.memory(t, u2, "someone else's note", EmbedNone)
	}

	st, err := h.svc.GetStatistics(ctx, u1)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if st.TotalMemories != 3 || st.TotalEntities != 1 || st.EmbeddingCoverage != 0 {
		t.Fatalf("before backfill: %+v", st)
	}

	res, err := h.svc.BackfillEmbeddings(ctx, u1)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if res.Updated != 4 || res.Failed != 0 {
		t.Fatalf("first backfill = %+v, want 4 updated", res)
	}
	calls := h.provider.calls.Load()

	res, err = h.svc.BackfillEmbeddings(ctx, u1)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if res.Updated != 0 || h.provider.calls.Load() != calls {
		t.Errorf("second backfill = %+v with %d new calls, want none", res, h.provider.calls.Load()-calls)
	}

	st, _ = h.svc.GetStatistics(ctx, u1)
	if st.EmbeddingCoverage != 1 {
		t.Errorf("u1 coverage = %v, want 1", st.EmbeddingCoverage)
	}
	st2, _ := h.svc.GetStatistics(ctx, u2)
	if st2.TotalMemories != 5 || st2.MemoriesWithEmbedding != 0 {
		t.Errorf("u2 stats = %+v, backfill must not touch them", st2)
	}
}

func TestStoreMemorySyncEmbeds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "u@example.com")

	m := h.memory(t, u, "kubernetes rollout checklist", EmbedSync)
	if !m.HasEmbedding {
		t.Fatal("sync store returned a memory without an embedding")
	}
	calls := h.provider.calls.Load()

	importance := 0.9
	if _, err := h.svc.UpdateMemory(ctx, u, m.ID, model.MemoryPatch{Importance: &importance}, EmbedSync); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if h.provider.calls.Load() != calls {
		t.Error("metadata-only update called the provider")
	}

	content := "kubernetes canary checklist"
	if _, err := h.svc.UpdateMemory(ctx, u, m.ID, model.MemoryPatch{Content: &content}, EmbedSync); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	if h.provider.calls.Load() != calls+1 {
		t.Errorf("content update made %d calls, want 1", h.provider.calls.Load()-calls)
	}
}

func TestBackfillRefreshesContentEditedWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "u@example.com")

	m := h.memory(t, u, "apple orchard harvest", EmbedSync)
	content := "zebra migration survey"
	if _, err := h.svc.UpdateMemory(ctx, u, m.ID, model.MemoryPatch{Content: &content}, EmbedNone); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}

	res, err := h.svc.BackfillEmbeddings(ctx, u)
	if err != nil {
		t.Fatalf("BackfillEmbeddings: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("backfill = %+v, want 1 updated", res)
	}
	hits, err := h.svc.RecallMemories(ctx, u, "zebra migration", search.Options{Strategy: search.StrategyVector})
	if err != nil {
		t.Fatalf("RecallMemories: %v", err)
	}
	if len(hits) != 1 || hits[0].Memory.ID != m.ID {
		t.Errorf("vector recall after backfill = %d hits, want %s", len(hits), m.ID)
	}

	res, err = h.svc.BackfillEmbeddings(ctx, u)
	if err != nil {
		t.Fatalf("second BackfillEmbeddings: %v", err)
	}
	if res.Updated != 0 {
		t.Errorf("second backfill updated %d, want 0", res.Updated)
	}
}

func TestRecallEmptyQueryFiltersByTag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "u@example.com")
	tagged := h.memory(t, u, "quarterly planning", EmbedNone, "work")
	h.memory(t, u, "grocery list", EmbedNone, "home")

	hits, err := h.svc.RecallMemories(ctx, u, "", search.Options{Filter: model.Filter{Tags: []string{"work"}}})
	if err != nil {
		t.Fatalf("RecallMemories: %v", err)
	}
	if len(hits) != 1 || hits[0].Memory.ID != tagged.ID {
		t.Fatalf("hits = %+v, want only the work memory", hits)
	}
}

func TestArchiveMemoryHidesFromRecall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "u@example.com")
	m := h.memory(t, u, "old travel plans", EmbedNone)

	if _, err := h.svc.ArchiveMemory(ctx, u, m.ID, true); err != nil {
		t.Fatalf("ArchiveMemory: %v", err)
	}
	hits, err := h.svc.RecallMemories(ctx, u, "travel", search.Options{Strategy: search.StrategyText})
	if err != nil {
		t.Fatalf("RecallMemories: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("archived memory recalled: %+v", hits)
	}
}

func TestDeleteEntityKeepsMemories(t *testing.T) {
	ctx := context.Background()
	g := &fakeGraph{}
	h := newHarness(t, WithGraph(g))
	u := h.user(t, "u@example.com")

	e, err := h.svc.CreateEntity(ctx, u, model.EntityInput{Name: "Acme", Type: model.EntityOrganization}, EmbedNone)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	m, err := h.svc.StoreMemory(ctx, u, model.MemoryInput{Content: "contract renewal with acme", EntityIDs: []string{e.ID}}, EmbedNone)
	if err != nil {
		t.Fatalf("StoreMemory: %v", err)
	}

	if err := h.svc.DeleteEntity(ctx, u, e.ID); err != nil {
		t.Fatalf("DeleteEntity: %v", err)
	}
	got, err := h.svc.GetMemory(ctx, u, m.ID)
	if err != nil {
		t.Fatalf("memory deleted with its entity: %v", err)
	}
	if len(got.EntityIDs) != 0 {
		t.Errorf("memory still references deleted entity: %v", got.EntityIDs)
	}
	if g.upserts.Load() != 1 || g.removes.Load() != 1 {
		t.Errorf("graph mirror saw %d upserts, %d removes", g.upserts.Load(), g.removes.Load())
	}
}

func TestRelatedEntities(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, h *harness) (tenant.Tenant, []*model.Entity) {
		u := h.user(t, "u@example.com")
		var ents []*model.Entity
		for _, name := range []string{"Ada", "Charles", "Analytical Engine"} {
			e, err := h.svc.CreateEntity(ctx, u, model.EntityInput{Name: name, Type: model.EntityPerson}, EmbedNone)
			if err != nil {
				t.Fatalf("CreateEntity: %v", err)
			}
			ents = append(ents, e)
		}
		strong, weak := 0.9, 0.4
		for _, in := range []model.RelationshipInput{
			{FromEntityID: ents[0].ID, ToEntityID: ents[1].ID, Type: "knows", Strength: &weak},
			{FromEntityID: ents[2].ID, ToEntityID: ents[0].ID, Type: "designed_by", Strength: &strong},
		} {
			if _, err := h.svc.LinkEntities(ctx, u, in); err != nil {
				t.Fatalf("LinkEntities: %v", err)
			}
		}
		return u, ents
	}

	t.Run("direct relationships without a graph", func(t *testing.T) {
		h := newHarness(t)
		u, ents := setup(t, h)
		got, err := h.svc.RelatedEntities(ctx, u, ents[0].ID, graph.DefaultRelatedOpts())
		if err != nil {
			t.Fatalf("RelatedEntities: %v", err)
		}
		if len(got) != 2 || got[0].Entity.ID != ents[2].ID || got[1].Entity.ID != ents[1].ID {
			t.Fatalf("related = %+v, want engine then charles", got)
		}
		if got[0].Depth != 1 || got[0].Activation != 0.9 {
			t.Errorf("first = depth %d activation %v", got[0].Depth, got[0].Activation)
		}
	})

	t.Run("graph results are rehydrated", func(t *testing.T) {
		g := &fakeGraph{}
		h := newHarness(t, WithGraph(g))
		u, ents := setup(t, h)
		g.related = []graph.Related{
			{ID: ents[1].ID, Depth: 1, Activation: 0.28},
			{ID: "not-owned-or-gone", Depth: 2, Activation: 0.2},
		}
		got, err := h.svc.RelatedEntities(ctx, u, ents[0].ID, graph.RelatedOpts{})
		if err != nil {
			t.Fatalf("RelatedEntities: %v", err)
		}
		if len(got) != 1 || got[0].Entity.ID != ents[1].ID {
			t.Fatalf("related = %+v", got)
		}
		if g.links.Load() != 2 {
			t.Errorf("graph links = %d, want 2", g.links.Load())
		}
	})

	t.Run("graph failure falls back", func(t *testing.T) {
		g := &fakeGraph{err: errors.New("neo4j unavailable")}
		h := newHarness(t, WithGraph(g))
		u, ents := setup(t, h)
		got, err := h.svc.RelatedEntities(ctx, u, ents[0].ID, graph.RelatedOpts{})
		if err != nil {
			t.Fatalf("RelatedEntities: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("related = %+v, want both direct neighbours", got)
		}
	})

	t.Run("foreign entity", func(t *testing.T) {
		h := newHarness(t)
		_, ents := setup(t, h)
		other := h.user(t, "other@example.com")
		if _, err := h.svc.RelatedEntities(ctx, other, ents[0].ID, graph.RelatedOpts{}); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})
}

func TestRecordInteraction(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.user(t, "u@example.com")
	e, err := h.svc.CreateEntity(ctx, u, model.EntityInput{Name: "Grace", Type: model.EntityPerson}, EmbedNone)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	got, err := h.svc.RecordInteraction(ctx, u, e.ID)
	if err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}
	if got.InteractionCount != 1 || got.LastInteractionAt == nil {
		t.Errorf("entity = %+v", got)
	}
}

func TestParseEmbedMode(t *testing.T) {
	tests := map[string]EmbedMode{"": EmbedAsync, "ASYNC": EmbedAsync, "sync": EmbedSync, " none ": EmbedNone}
	for in, want := range tests {
		got, err := ParseEmbedMode(in)
		if err != nil || got != want {
			t.Errorf("ParseEmbedMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseEmbedMode("later"); !model.IsValidation(err) {
		t.Errorf("ParseEmbedMode(later) err = %v, want validation error", err)
	}
}
