package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dgraph-io/ristretto"
	"github.com/openai/openai-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-memory/internal/metrics"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/queue"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// ErrDisabled is returned when no embedding provider is configured.
var ErrDisabled = errors.New("embedding: no provider configured")

// Records is the slice of the record store the manager needs. Every method
// is scoped to one tenant.
type Records interface {
	EmbeddingSource(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) (*model.EmbeddingSource, error)
	SetEmbedding(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, upd model.EmbeddingUpdate) error
	ClearEmbedding(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error
	PendingEmbeddings(ctx context.Context, t tenant.Tenant, kind model.Kind, dim int, afterID string, limit int) ([]string, error)
	VectorRows(ctx context.Context, t tenant.Tenant, kind model.Kind, f model.Filter) ([]model.VectorRow, error)
}

// Mirror receives a copy of every stored vector, e.g. a Qdrant collection.
type Mirror interface {
	Upsert(ctx context.Context, t tenant.Tenant, kind model.Kind, id string, vector []float32) error
	Delete(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error
	// Missing returns the IDs among ids that have no point of the owner.
	Missing(ctx context.Context, t tenant.Tenant, kind model.Kind, ids []string) ([]string, error)
}

// Outcome describes what Generate did to a record.
type Outcome string

const (
	OutcomeStored    Outcome = "stored"
	OutcomeCleared   Outcome = "cleared"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
	OutcomeFailed    Outcome = "failed"
)

// BackfillResult counts what one BackfillMissing run did. Mirrored counts
// stored vectors copied into the mirror because it did not have them.
type BackfillResult struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Failed    int `json:"failed"`
	Unchanged int `json:"unchanged"`
	Mirrored  int `json:"mirrored"`
}

const (
	backfillPage = 100
	staleRetries = 2
)

// Manager owns every write to stored embeddings.
type Manager struct {
	records  Records
	provider Provider
	cfg      Config
	model    string
	queue    queue.Queue
	mirror   Mirror
	cache    *ristretto.Cache
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// observed is the length of the first vector returned when no dimension
	// is configured.
	observed      atomic.Int64
	retryInterval time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithQueue sets the queue used by GenerateAsync. Without it an in-process
// queue sized from Config is used.
func WithQueue(q queue.Queue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithMirror mirrors stored vectors into an external index.
func WithMirror(mr Mirror) Option {
	return func(m *Manager) { m.mirror = mr }
}

// WithMetrics records provider and backfill metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager. provider may be nil, in which case every
// generation returns ErrDisabled.
func NewManager(records Records, provider Provider, cfg Config, logger *zap.Logger, opts ...Option) (*Manager, error) {
	cfg.ApplyDefaults()
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(cfg.CacheSize) * 10,
		MaxCost:     int64(cfg.CacheSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: query cache: %w", err)
	}
	m := &Manager{
		records:       records,
		provider:      provider,
		cfg:           cfg,
		model:         cfg.Model,
		cache:         cache,
		logger:        logger,
		retryInterval: 500 * time.Millisecond,
	}
	if named, ok := provider.(interface{ Model() string }); ok && named.Model() != "" {
		m.model = named.Model()
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.queue == nil {
		m.queue = queue.NewLocal(cfg.QueueSize, cfg.Workers, logger)
	}
	return m, nil
}

// Enabled reports whether a provider is configured.
func (m *Manager) Enabled() bool { return m.provider != nil }

// Model names the model stored next to every vector.
func (m *Manager) Model() string { return m.model }

// Dimension is the expected vector length: the configured one, else what the
// provider has returned so far, else 0 when still unknown.
func (m *Manager) Dimension() int {
	if m.cfg.Dimension > 0 {
		return m.cfg.Dimension
	}
	if d := int(m.observed.Load()); d > 0 {
		return d
	}
	if m.provider != nil {
		return m.provider.Dimension()
	}
	return 0
}

// dimensionSample is embedded once to learn the vector length when none is
// configured.
const dimensionSample = "dimension check"

// ResolveDimension returns Dimension, asking the provider for one vector
// first when the length is still unknown.
func (m *Manager) ResolveDimension(ctx context.Context) (int, error) {
	if d := m.Dimension(); d > 0 || m.provider == nil {
		return d, nil
	}
	if _, err := m.embed(ctx, dimensionSample); err != nil {
		return 0, fmt.Errorf("resolve embedding dimension: %w", err)
	}
	return m.Dimension(), nil
}

// Start begins consuming async jobs. It returns immediately. When no
// dimension is configured the provider is asked for one first, so that
// wrong-length vectors are recognised from the first backfill on.
func (m *Manager) Start(ctx context.Context) {
	if _, err := m.ResolveDimension(ctx); err != nil {
		m.logger.Warn("embedding dimension unknown until the provider answers", zap.Error(err))
	}
	m.queue.Start(ctx, m.HandleJob)
}

// Close drains the job queue and releases the query cache.
func (m *Manager) Close() error {
	err := m.queue.Close()
	m.cache.Close()
	return err
}

// Generate brings the stored embedding of one record in line with its
// current text. It is a no-op when the stored vector was built from the same
// text and has the expected dimension, and it clears the vector when the
// text is empty.
func (m *Manager) Generate(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) (Outcome, error) {
	if !t.Valid() {
		return "", tenant.ErrNoTenant
	}
	if m.provider == nil {
		return "", ErrDisabled
	}

	for attempt := 0; ; attempt++ {
		outcome, err := m.generateOnce(ctx, t, kind, id)
		if outcome == OutcomeStale && attempt < staleRetries {
			// The record changed while we were embedding; start over from
			// the new text.
			continue
		}
		m.metrics.Embedding(string(kind), string(outcome))
		return outcome, err
	}
}

func (m *Manager) generateOnce(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) (Outcome, error) {
	src, err := m.records.EmbeddingSource(ctx, t, kind, id)
	if err != nil {
		return OutcomeFailed, err
	}

	if strings.TrimSpace(src.Text) == "" {
		if src.Dimension == 0 {
			return OutcomeUnchanged, nil
		}
		if err := m.records.ClearEmbedding(ctx, t, kind, id); err != nil {
			return OutcomeFailed, err
		}
		m.forgetMirror(ctx, t, kind, id)
		return OutcomeCleared, nil
	}

	if model.EmbeddingCurrent(src.Text, src.Hash, src.Dimension, m.Dimension()) {
		return OutcomeUnchanged, nil
	}
	hash := model.ContentHash(src.Text)

	vec, err := m.embed(ctx, src.Text)
	if err != nil {
		return OutcomeFailed, err
	}

	err = m.records.SetEmbedding(ctx, t, kind, id, model.EmbeddingUpdate{
		Vector:        vec,
		Hash:          hash,
		Model:         m.model,
		SourceVersion: src.Version,
	})
	if errors.Is(err, model.ErrStale) {
		return OutcomeStale, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	if m.mirror != nil {
		if err := m.mirror.Upsert(ctx, t, kind, id, vec); err != nil {
			m.logger.Warn("vector mirror upsert failed",
				zap.String("user", t.UserID()),
				zap.String("kind", string(kind)),
				zap.String("record", id),
				zap.Error(err))
		}
	}
	return OutcomeStored, nil
}

// embed calls the provider with a per-call timeout and bounded exponential
// backoff. Client errors and dimension mismatches are not retried.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	var (
		vec      []float32
		attempts int
	)
	op := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout())
		defer cancel()

		start := time.Now()
		out, err := m.provider.Embed(callCtx, []string{text})
		m.metrics.ProviderCall(time.Since(start), err)
		if err != nil {
			if ctx.Err() != nil || isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if len(out) != 1 || len(out[0]) == 0 {
			return backoff.Permanent(errors.New("embedding: provider returned no vector"))
		}
		if dim := m.cfg.Dimension; dim > 0 && len(out[0]) != dim {
			return backoff.Permanent(fmt.Errorf("embedding: got dimension %d, want %d", len(out[0]), dim))
		}
		vec = out[0]
		if m.cfg.Dimension <= 0 {
			m.observed.CompareAndSwap(0, int64(len(vec)))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, &model.ProviderError{Op: "embed", Attempts: attempts, Err: err}
	}
	return vec, nil
}

func isPermanent(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Permanent()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return permanentStatus(apiErr.StatusCode)
	}
	return false
}

// GenerateAsync queues generation for one record and returns at once.
func (m *Manager) GenerateAsync(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) error {
	if !t.Valid() {
		return tenant.ErrNoTenant
	}
	if m.provider == nil {
		return ErrDisabled
	}
	err := m.queue.Enqueue(ctx, queue.Job{
		Kind:       kind,
		RecordID:   id,
		UserID:     t.UserID(),
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		m.metrics.QueueReject()
		return fmt.Errorf("enqueue embedding %s %s: %w", kind, id, err)
	}
	return nil
}

// HandleJob runs one queued generation under the job's own tenant.
func (m *Manager) HandleJob(ctx context.Context, job queue.Job) error {
	t, err := tenant.New(job.UserID)
	if err != nil {
		return err
	}
	_, err = m.Generate(ctx, t, job.Kind, job.RecordID)
	if errors.Is(err, model.ErrNotFound) {
		// Deleted before the job ran.
		return nil
	}
	return err
}

// BackfillMissing generates embeddings for the owner's records whose vector
// is absent, empty, built from older text or of the wrong dimension, then
// copies stored vectors the mirror lacks into it. Only this owner's records
// are listed. A failing record is counted and skipped; only a failure to
// list records ends the run early, with the counts so far.
func (m *Manager) BackfillMissing(ctx context.Context, t tenant.Tenant) (*BackfillResult, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if m.provider == nil {
		return nil, ErrDisabled
	}
	dim, err := m.ResolveDimension(ctx)
	if err != nil {
		return &BackfillResult{}, err
	}

	start := time.Now()
	var scanned, updated, failed, unchanged, mirrored atomic.Int64
	result := func() *BackfillResult {
		return &BackfillResult{
			Scanned:   int(scanned.Load()),
			Updated:   int(updated.Load()),
			Failed:    int(failed.Load()),
			Unchanged: int(unchanged.Load()),
			Mirrored:  int(mirrored.Load()),
		}
	}

	for _, kind := range []model.Kind{model.KindMemory, model.KindEntity} {
		after := ""
		for {
			ids, err := m.records.PendingEmbeddings(ctx, t, kind, dim, after, backfillPage)
			if err != nil {
				return result(), fmt.Errorf("backfill %s: %w", kind, err)
			}
			if len(ids) == 0 {
				break
			}

			var g errgroup.Group
			g.SetLimit(m.cfg.Workers)
			for _, id := range ids {
				g.Go(func() error {
					scanned.Add(1)
					outcome, err := m.Generate(ctx, t, kind, id)
					switch {
					case err != nil:
						failed.Add(1)
						m.logger.Warn("backfill record failed",
							zap.String("user", t.UserID()),
							zap.String("kind", string(kind)),
							zap.String("record", id),
							zap.Error(err))
					case outcome == OutcomeStored || outcome == OutcomeCleared:
						updated.Add(1)
					default:
						unchanged.Add(1)
					}
					return nil
				})
			}
			_ = g.Wait()

			if err := ctx.Err(); err != nil {
				return result(), err
			}
			if len(ids) < backfillPage {
				break
			}
			after = ids[len(ids)-1]
		}

		n, err := m.syncMirror(ctx, t, kind)
		mirrored.Add(int64(n))
		if err != nil {
			return result(), fmt.Errorf("backfill %s: %w", kind, err)
		}
	}

	res := result()
	m.metrics.Backfill(res.Updated, res.Failed, res.Unchanged)
	m.logger.Info("backfill finished",
		zap.String("user", t.UserID()),
		zap.Int("scanned", res.Scanned),
		zap.Int("updated", res.Updated),
		zap.Int("failed", res.Failed),
		zap.Int("mirrored", res.Mirrored),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// syncMirror upserts the owner's stored vectors that the mirror has no point
// for: vectors stored before the mirror was configured, or whose upsert
// failed. An unreachable mirror is logged and skipped; only a failure to
// read stored vectors is returned.
func (m *Manager) syncMirror(ctx context.Context, t tenant.Tenant, kind model.Kind) (int, error) {
	if m.mirror == nil {
		return 0, nil
	}
	rows, err := m.records.VectorRows(ctx, t, kind, model.Filter{IncludeArchived: true})
	if err != nil {
		return 0, err
	}
	synced := 0
	for start := 0; start < len(rows); start += backfillPage {
		chunk := rows[start:min(start+backfillPage, len(rows))]
		ids := make([]string, len(chunk))
		vectors := make(map[string][]float32, len(chunk))
		for i, row := range chunk {
			ids[i] = row.ID
			vectors[row.ID] = row.Embedding
		}
		missing, err := m.mirror.Missing(ctx, t, kind, ids)
		if err != nil {
			m.logger.Warn("vector mirror unavailable, skipping sync",
				zap.String("user", t.UserID()),
				zap.String("kind", string(kind)),
				zap.Error(err))
			return synced, nil
		}
		for _, id := range missing {
			if err := m.mirror.Upsert(ctx, t, kind, id, vectors[id]); err != nil {
				m.logger.Warn("vector mirror upsert failed",
					zap.String("user", t.UserID()),
					zap.String("kind", string(kind)),
					zap.String("record", id),
					zap.Error(err))
				continue
			}
			synced++
		}
	}
	return synced, nil
}

// Forget drops the mirrored vector of a deleted record.
func (m *Manager) Forget(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) {
	m.forgetMirror(ctx, t, kind, id)
}

func (m *Manager) forgetMirror(ctx context.Context, t tenant.Tenant, kind model.Kind, id string) {
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Delete(ctx, t, kind, id); err != nil {
		m.logger.Warn("vector mirror delete failed",
			zap.String("user", t.UserID()),
			zap.String("kind", string(kind)),
			zap.String("record", id),
			zap.Error(err))
	}
}

// EmbedQuery embeds search text, caching the vector per tenant and text.
func (m *Manager) EmbedQuery(ctx context.Context, t tenant.Tenant, text string) ([]float32, error) {
	if !t.Valid() {
		return nil, tenant.ErrNoTenant
	}
	if m.provider == nil {
		return nil, ErrDisabled
	}
	key := t.UserID() + "\x00" + text
	if v, ok := m.cache.Get(key); ok {
		m.metrics.QueryCache(true)
		return v.([]float32), nil
	}
	m.metrics.QueryCache(false)

	vec, err := m.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, vec, 1)
	return vec, nil
}
