package embedding

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/queue"
	"github.com/nidhogg/nuka-memory/internal/store/memstore"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// fakeProvider returns a deterministic vector per text. The first failFirst
// calls fail.
type fakeProvider struct {
	dim       int
	failFirst int64
	calls     atomic.Int64
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		sum := sha256.Sum256([]byte(text))
		vec := make([]float32, f.dim)
		for j := range vec {
			vec[j] = float32(sum[j%len(sum)])/255 + 0.01
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeProvider) Dimension() int { return f.dim }

type recordingMirror struct {
	upserts atomic.Int64
	deletes atomic.Int64

	mu     sync.Mutex
	points map[string]bool
}

func (r *recordingMirror) Upsert(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, vector []float32) error {
	r.upserts.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.points == nil {
		r.points = map[string]bool{}
	}
	r.points[t.UserID()+"/"+id] = true
	return nil
}

func (r *recordingMirror) Delete(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error {
	r.deletes.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.points, t.UserID()+"/"+id)
	return nil
}

func (r *recordingMirror) Missing(ctx context.Context, t tenant.Tenant, kind model.Kind, ids []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range ids {
		if !r.points[t.UserID()+"/"+id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T, records Records, p Provider, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(records, p, Config{Dimension: 8, MaxAttempts: 3, Workers: 2}, zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.retryInterval = time.Millisecond
	t.Cleanup(func() { m.Close() })
	return m
}

func newUser(t *testing.T, s *memstore.Store, email string) tenant.Tenant {
	t.Helper()
	u, _, err := s.CreateUser(context.Background(), model.UserInput{Email: email, Name: email})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	tn, err := tenant.New(u.ID)
	if err != nil {
		t.Fatalf("tenant.New: %v", err)
	}
	return tn
}

func addMemory(t *testing.T, s *memstore.Store, tn tenant.Tenant, content string) *model.Memory {
	t.Helper()
	m, err := model.NewMemory(tn.UserID(), model.MemoryInput{Content: content}, model.Now())
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	stored, err := s.CreateMemory(context.Background(), tn, m)
	if err != nil {
		t.Fatalf("CreateMemory: %v", err)
	}
	return stored
}

func addEntity(t *testing.T, s *memstore.Store, tn tenant.Tenant, name string) *model.Entity {
	t.Helper()
	e, err := model.NewEntity(tn.UserID(), model.EntityInput{Name: name, Type: model.EntityProject}, model.Now())
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}
	stored, err := s.CreateEntity(context.Background(), tn, e)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	return stored
}

func TestGenerateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "apple orchard notes")
	p := &fakeProvider{dim: 8}
	mirror := &recordingMirror{}
	m := newTestManager(t, s, p, WithMirror(mirror))

	outcome, err := m.Generate(ctx, u1, model.KindMemory, mem.ID)
	if err != nil || outcome != OutcomeStored {
		t.Fatalf("first Generate = %s, %v", outcome, err)
	}
	outcome, err = m.Generate(ctx, u1, model.KindMemory, mem.ID)
	if err != nil || outcome != OutcomeUnchanged {
		t.Fatalf("second Generate = %s, %v", outcome, err)
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	if n := mirror.upserts.Load(); n != 1 {
		t.Errorf("mirror upserts = %d, want 1", n)
	}

	got, _ := s.GetMemory(ctx, u1, mem.ID)
	if !got.HasEmbedding || got.EmbeddingModel != m.Model() {
		t.Errorf("stored memory = %+v", got)
	}
}

func TestGenerateAfterContentChange(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "first draft")
	p := &fakeProvider{dim: 8}
	m := newTestManager(t, s, p)

	m.Generate(ctx, u1, model.KindMemory, mem.ID)
	content := "second draft"
	if _, err := s.UpdateMemory(ctx, u1, mem.ID, model.MemoryPatch{Content: &content}); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}
	outcome, err := m.Generate(ctx, u1, model.KindMemory, mem.ID)
	if err != nil || outcome != OutcomeStored {
		t.Fatalf("Generate after edit = %s, %v", outcome, err)
	}
	if n := p.calls.Load(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestGenerateRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "flaky provider")
	p := &fakeProvider{dim: 8, failFirst: 1}
	m := newTestManager(t, s, p)

	outcome, err := m.Generate(ctx, u1, model.KindMemory, mem.ID)
	if err != nil || outcome != OutcomeStored {
		t.Fatalf("Generate = %s, %v", outcome, err)
	}
	if n := p.calls.Load(); n != 2 {
		t.Errorf("provider called %d times, want 2", n)
	}
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "dead provider")
	p := &fakeProvider{dim: 8, failFirst: 100}
	m := newTestManager(t, s, p)

	_, err := m.Generate(ctx, u1, model.KindMemory, mem.ID)
	var pe *model.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want ProviderError", err)
	}
	if pe.Attempts != 3 || p.calls.Load() != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", pe.Attempts, p.calls.Load())
	}
	got, _ := s.GetMemory(ctx, u1, mem.ID)
	if got.HasEmbedding {
		t.Error("failed generation left an embedding behind")
	}
}

func TestGenerateRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "short vectors")
	p := &fakeProvider{dim: 4}
	m := newTestManager(t, s, p)

	_, err := m.Generate(ctx, u1, model.KindMemory, mem.ID)
	if !model.IsProvider(err) {
		t.Fatalf("got %v, want ProviderError", err)
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("dimension mismatch retried: %d calls", n)
	}
}

func TestGenerateDisabled(t *testing.T) {
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	m := newTestManager(t, s, nil)
	if m.Enabled() {
		t.Error("manager without provider reports enabled")
	}
	if _, err := m.Generate(context.Background(), u1, model.KindMemory, "x"); !errors.Is(err, ErrDisabled) {
		t.Errorf("got %v, want ErrDisabled", err)
	}
}

func TestGenerateRequiresTenant(t *testing.T) {
	m := newTestManager(t, memstore.New(), &fakeProvider{dim: 8})
	if _, err := m.Generate(context.Background(), tenant.Tenant{}, model.KindMemory, "x"); !errors.Is(err, tenant.ErrNoTenant) {
		t.Errorf("got %v, want ErrNoTenant", err)
	}
	if _, err := m.BackfillMissing(context.Background(), tenant.Tenant{}); !errors.Is(err, tenant.ErrNoTenant) {
		t.Errorf("backfill: got %v, want ErrNoTenant", err)
	}
}

func TestBackfillIsScopedToOwner(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "one@example.com")
	u2 := newUser(t, s, "two@example.com")
	for i := 0; i < 3; i++ {
		addMemory(t, s, u1, fmt.Sprintf("u1 memory %d", i))
	}
	addEntity(t, s, u1, "Orchard project")
	for i := 0; i < 5; i++ {
		addMemory(t, s, u2, fmt.Sprintf("u2 memory %d", i))
	}
	p := &fakeProvider{dim: 8}
	m := newTestManager(t, s, p)

	res, err := m.BackfillMissing(ctx, u1)
	if err != nil {
		t.Fatalf("BackfillMissing: %v", err)
	}
	if res.Updated != 4 || res.Failed != 0 || res.Scanned != 4 {
		t.Errorf("result = %+v, want 4 updated", res)
	}
	if n := p.calls.Load(); n != 4 {
		t.Errorf("provider called %d times, want 4", n)
	}

	pending, _ := s.PendingEmbeddings(ctx, u2, model.KindMemory, 8, "", 100)
	if len(pending) != 5 {
		t.Errorf("u2 pending = %d, want all 5 untouched", len(pending))
	}

	res, err = m.BackfillMissing(ctx, u1)
	if err != nil {
		t.Fatalf("second BackfillMissing: %v", err)
	}
	if res.Updated != 0 || res.Scanned != 0 {
		t.Errorf("second run = %+v, want nothing to do", res)
	}
	if n := p.calls.Load(); n != 4 {
		t.Errorf("second run called the provider: %d calls", n)
	}
}

func TestBackfillRepopulatesClearedEmbedding(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "apple orchard notes")
	p := &fakeProvider{dim: 8}
	m := newTestManager(t, s, p)

	m.Generate(ctx, u1, model.KindMemory, mem.ID)
	if err := s.ClearEmbedding(ctx, u1, model.KindMemory, mem.ID); err != nil {
		t.Fatalf("ClearEmbedding: %v", err)
	}

	res, _ := m.BackfillMissing(ctx, u1)
	if res.Updated != 1 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}
	got, _ := s.GetMemory(ctx, u1, mem.ID)
	if !got.HasEmbedding {
		t.Error("embedding not repopulated")
	}

	before := p.calls.Load()
	m.BackfillMissing(ctx, u1)
	if p.calls.Load() != before {
		t.Error("second backfill called the provider")
	}
}

func TestBackfillCountsFailuresWithoutAborting(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	for i := 0; i < 3; i++ {
		addMemory(t, s, u1, fmt.Sprintf("memory %d", i))
	}
	m := newTestManager(t, s, &fakeProvider{dim: 8, failFirst: 1000})

	res, err := m.BackfillMissing(ctx, u1)
	if err != nil {
		t.Fatalf("BackfillMissing: %v", err)
	}
	if res.Failed != 3 || res.Updated != 0 {
		t.Errorf("result = %+v, want 3 failed", res)
	}

	// Failed records stay reachable through other paths.
	hits, _ := s.TextSearch(ctx, u1, model.KindMemory, "memory", model.Filter{}, 10)
	if len(hits) != 3 {
		t.Errorf("text search found %d, want 3", len(hits))
	}
}

func TestEmbedQueryCachesPerTenant(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "one@example.com")
	u2 := newUser(t, s, "two@example.com")
	p := &fakeProvider{dim: 8}
	m := newTestManager(t, s, p)

	if _, err := m.EmbedQuery(ctx, u1, "apple"); err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	m.cache.Wait()
	m.EmbedQuery(ctx, u1, "apple")
	if n := p.calls.Load(); n != 1 {
		t.Errorf("provider called %d times, want 1", n)
	}
	m.EmbedQuery(ctx, u2, "apple")
	if n := p.calls.Load(); n != 2 {
		t.Errorf("cache shared across tenants: %d calls", n)
	}
}

func TestHandleJobIgnoresDeletedRecord(t *testing.T) {
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	m := newTestManager(t, s, &fakeProvider{dim: 8})
	err := m.HandleJob(context.Background(), queue.Job{Kind: model.KindMemory, RecordID: "gone", UserID: u1.UserID()})
	if err != nil {
		t.Errorf("HandleJob = %v, want nil", err)
	}
}

func TestGenerateAsync(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "later please")
	m := newTestManager(t, s, &fakeProvider{dim: 8})
	m.Start(ctx)

	if err := m.GenerateAsync(ctx, u1, model.KindMemory, mem.ID); err != nil {
		t.Fatalf("GenerateAsync: %v", err)
	}
	m.Close() // drains the queue

	got, _ := s.GetMemory(ctx, u1, mem.ID)
	if !got.HasEmbedding {
		t.Error("async job did not store an embedding")
	}
}

func TestBackfillRepairsEmbeddingOfChangedText(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	mem := addMemory(t, s, u1, "apple orchard notes")
	p := &fakeProvider{dim: 8}
	m := newTestManager(t, s, p)

	if _, err := m.Generate(ctx, u1, model.KindMemory, mem.ID); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	content := "pear harvest schedule"
	if _, err := s.UpdateMemory(ctx, u1, mem.ID, model.MemoryPatch{Content: &content}); err != nil {
		t.Fatalf("UpdateMemory: %v", err)
	}

	res, err := m.BackfillMissing(ctx, u1)
	if err != nil {
		t.Fatalf("BackfillMissing: %v", err)
	}
	if res.Updated != 1 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}
	got, _ := s.GetMemory(ctx, u1, mem.ID)
	if got.EmbeddingHash != model.ContentHash(got.EmbeddingText()) {
		t.Error("stored embedding still built from the old text")
	}

	before := p.calls.Load()
	if res, _ := m.BackfillMissing(ctx, u1); res.Scanned != 0 || p.calls.Load() != before {
		t.Errorf("second run = %+v, calls %d -> %d", res, before, p.calls.Load())
	}
}

func TestBackfillCopiesVectorsTheMirrorLacks(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	u1 := newUser(t, s, "a@example.com")
	a := addMemory(t, s, u1, "stored before the mirror existed")
	b := addMemory(t, s, u1, "also stored before")
	p := &fakeProvider{dim: 8}

	plain := newTestManager(t, s, p)
	plain.Generate(ctx, u1, model.KindMemory, a.ID)
	plain.Generate(ctx, u1, model.KindMemory, b.ID)

	mirror := &recordingMirror{}
	m := newTestManager(t, s, p, WithMirror(mirror))
	before := p.calls.Load()
	res, err := m.BackfillMissing(ctx, u1)
	if err != nil {
		t.Fatalf("BackfillMissing: %v", err)
	}
	if res.Mirrored != 2 || res.Updated != 0 {
		t.Errorf("result = %+v, want 2 mirrored and nothing regenerated", res)
	}
	if p.calls.Load() != before {
		t.Error("mirror sync called the provider")
	}
	if res, _ := m.BackfillMissing(ctx, u1); res.Mirrored != 0 {
		t.Errorf("second run mirrored %d again", res.Mirrored)
	}
}

func TestDimensionLearnedFromProvider(t *testing.T) {
	s := memstore.New()
	p := &fakeProvider{dim: 6}
	m, err := NewManager(s, p, Config{MaxAttempts: 1, Workers: 1}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	// fakeProvider always reports its dimension; hide it as an unknown one.
	m.provider = unknownDim{p}

	if d := m.Dimension(); d != 0 {
		t.Fatalf("dimension before any call = %d, want 0", d)
	}
	d, err := m.ResolveDimension(context.Background())
	if err != nil || d != 6 {
		t.Fatalf("ResolveDimension = %d, %v; want 6", d, err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", p.calls.Load())
	}
	if d, _ := m.ResolveDimension(context.Background()); d != 6 || p.calls.Load() != 1 {
		t.Error("dimension resolved twice")
	}
}

type unknownDim struct{ Provider }

func (unknownDim) Dimension() int { return 0 }
