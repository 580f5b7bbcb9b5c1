// Package maintenance runs periodic background work over every tenant,
// one tenant at a time.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/tenant"
)

// Users lists the tenants to sweep.
type Users interface {
	ListActiveUsers(ctx context.Context) ([]*model.User, error)
}

// Backfiller embeds one tenant's records that lack a usable embedding.
type Backfiller interface {
	BackfillMissing(ctx context.Context, t tenant.Tenant) (*embedding.BackfillResult, error)
}

// Report summarizes one sweep.
type Report struct {
	Tenants  int           `json:"tenants"`
	Updated  int           `json:"updated"`
	Failed   int           `json:"failed"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Sweeper backfills embeddings for every active user on a cron schedule.
// Each backfill is scoped to exactly one tenant.
type Sweeper struct {
	users    Users
	backfill Backfiller
	schedule string
	logger   *zap.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper creates a Sweeper. schedule accepts standard five-field cron
// expressions and descriptors such as "@every 6h".
func NewSweeper(users Users, backfill Backfiller, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	return &Sweeper{users: users, backfill: backfill, schedule: schedule, logger: logger}, nil
}

// Start schedules the sweep. Overlapping runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(s.ctx); err != nil {
			s.logger.Warn("maintenance sweep failed", zap.Error(err))
		}
	}); err != nil {
		s.cancel()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	s.logger.Info("maintenance sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop cancels a running sweep and waits for it to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	s.cancel()
	<-c.Stop().Done()
}

// RunOnce backfills every active user now. A failing tenant is counted and
// the sweep moves on; only failing to list users ends it.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()
	users, err := s.users.ListActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	rep := &Report{}
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		t, err := tenant.New(u.ID)
		if err != nil {
			rep.Errors++
			continue
		}
		rep.Tenants++
		res, err := s.backfill.BackfillMissing(ctx, t)
		if res != nil {
			rep.Updated += res.Updated
			rep.Failed += res.Failed
		}
		if err != nil {
			rep.Errors++
			s.logger.Warn("tenant backfill failed", zap.String("user", u.ID), zap.Error(err))
		}
	}
	rep.Duration = time.Since(start)
	s.logger.Info("maintenance sweep finished",
		zap.Int("tenants", rep.Tenants),
		zap.Int("updated", rep.Updated),
		zap.Int("failed", rep.Failed),
		zap.Int("errors", rep.Errors),
		zap.Duration("duration", rep.Duration))
	return rep, ctx.Err()
}
