package stats

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store/memstore"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

func newUser(t *testing.T, s *memstore.Store, email string) tenant.Tenant {
	t.Helper()
	u, _, err := s.CreateUser(context.Background(), model.UserInput{Email: email})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tn, _ := tenant.New(u.ID)
	return tn
}

func addMemory(t *testing.T, s *memstore.Store, tn tenant.Tenant, content string, cat model.Category, embed bool) *model.Memory {
	t.Helper()
	ctx := context.Background()
	m, err := model.NewMemory(tn.UserID(), model.MemoryInput{Content: content, Category: cat}, model.Now())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	out, err := s.CreateMemory(ctx, tn, m)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	if embed {
		err := s.SetEmbedding(ctx, tn, model.KindMemory, out.ID, model.EmbeddingUpdate{
			Vector: []float32{1, 0}, Hash: model.ContentHash(out.EmbeddingText()), SourceVersion: out.UpdatedAt,
		})
		if err != nil {
			t.Fatalf("SetEmbedding: %v", err)
		}
	}
	return out
}

func TestGetStatisticsIsPerOwner(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "u1@example.com")
	u2 := newUser(t, s, "u2@example.com")

	addMemory(t, s, u1, "standup notes", model.CategoryEpisodic, true)
	addMemory(t, s, u1, "deploy runbook", model.CategoryProcedural, true)
	addMemory(t, s, u1, "go prefers small interfaces", model.CategorySemantic, false)
	e, err := model.NewEntity(u1.UserID(), model.EntityInput{Name: "Ada", Type: model.EntityPerson}, model.Now())
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	if _, err := s.CreateEntity(ctx, u1, e); err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	for i := 0; i < 5; i++ {
		addMemory(t, s, u2, "other owner note", model.CategoryEpisodic, true)
	}

	r := NewReporter(s, nil, nil, zap.NewNop())
	st, err := r.GetStatistics(ctx, u1)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if st.TotalMemories != 3 || st.TotalEntities != 1 {
		t.Fatalf("totals = %d memories, %d entities; want 3, 1", st.TotalMemories, st.TotalEntities)
	}
	if st.MemoriesWithEmbedding != 2 || st.EntitiesWithEmbedding != 0 {
		t.Errorf("with embedding = %d/%d, want 2/0", st.MemoriesWithEmbedding, st.EntitiesWithEmbedding)
	}
	if st.EmbeddingCoverage != 0.5 {
		t.Errorf("coverage = %v, want 0.5", st.EmbeddingCoverage)
	}
	if st.MemoriesByCategory[model.CategoryEpisodic] != 1 || st.EntitiesByType[model.EntityPerson] != 1 {
		t.Errorf("breakdown = %v %v", st.MemoriesByCategory, st.EntitiesByType)
	}

	st2, err := r.GetStatistics(ctx, u2)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if st2.TotalMemories != 5 || st2.TotalEntities != 0 || st2.EmbeddingCoverage != 1 {
		t.Errorf("u2 stats = %+v", st2)
	}
}

func TestGetStatisticsEmptyOwner(t *testing.T) {
	s := memstore.New()
	u := newUser(t, s, "empty@example.com")
	st, err := NewReporter(s, nil, nil, zap.NewNop()).GetStatistics(context.Background(), u)
	if err != nil {
		t.Fatalf("GetStatistics: %v", err)
	}
	if st.EmbeddingCoverage != 0 || st.MemoriesByCategory == nil || st.EntitiesByType == nil {
		t.Errorf("stats = %+v", st)
	}
}

func TestGetStatisticsRequiresTenant(t *testing.T) {
	_, err := NewReporter(memstore.New(), nil, nil, zap.NewNop()).GetStatistics(context.Background(), tenant.Tenant{})
	if !errors.Is(err, tenant.ErrNoTenant) {
		t.Fatalf("err = %v, want ErrNoTenant", err)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type embeddingInfo struct{}

func (embeddingInfo) Enabled() bool  { return true }
func (embeddingInfo) Model() string  { return "test-model" }
func (embeddingInfo) Dimension() int { return 8 }

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name     string
		optional map[string]Pinger
		want     string
	}{
		{"all ok", map[string]Pinger{"redis": ok, "qdrant": ok}, "ok"},
		{"optional down", map[string]Pinger{"redis": ok, "qdrant": down}, "degraded"},
		{"disabled is not down", map[string]Pinger{"neo4j": nil}, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewReporter(memstore.New(), embeddingInfo{}, tt.optional, zap.NewNop()).Health(context.Background())
			if h.Status != tt.want {
				t.Fatalf("status = %q, want %q (%+v)", h.Status, tt.want, h.Components)
			}
			if len(h.Components) != len(tt.optional)+1 || h.Components[0].Name != "store" {
				t.Errorf("components = %+v", h.Components)
			}
			if !h.Embedding.Enabled || h.Embedding.Dimension != 8 {
				t.Errorf("embedding = %+v", h.Embedding)
			}
		})
	}
}

func TestHealthStoreDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// memstore reports the context error from Ping.
	h := NewReporter(memstore.New(), nil, nil, zap.NewNop()).Health(ctx)
	if h.Status != "down" {
		t.Fatalf("status = %q, want down", h.Status)
	}
}
