// Package scheduler drives due messages through dispatch on a polling loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"channelcast/internal/dispatch"
	"channelcast/internal/model"
	logx "channelcast/pkg/logx"
)

type Config struct {
	Enabled bool
	// Interval between due checks. Default 30s; the exact value trades
	// delivery latency against store load, never correctness.
	Interval time.Duration
	// ClaimGrace fails messages stuck in sending longer than this
	// (crash recovery). 0 disables re-claim.
	ClaimGrace time.Duration
}

// Store is the slice of the message store the scheduler needs.
type Store interface {
	DueMessages(ctx context.Context, now time.Time) ([]*model.Message, error)
	Claim(ctx context.Context, id string) (bool, error)
	Finish(ctx context.Context, id string, status model.Status, outcomes []model.DeliveryOutcome) error
	ReclaimStale(ctx context.Context, olderThan time.Time) (int64, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, msg *model.Message) ([]model.DeliveryOutcome, error)
}

// Service is the single active polling loop. Ticks never overlap: the cron
// entry is wrapped in SkipIfStillRunning, so at most one CheckDue is in
// flight even when a tick outlives the interval.
type Service struct {
	cfg   Config
	store Store
	disp  Dispatcher
	log   logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc

	// extraJobs are registered before Start (e.g. discovery refresh).
	extraJobs []extraJob
}

type extraJob struct {
	name  string
	every time.Duration
	run   func(ctx context.Context)
}

func New(cfg Config, store Store, disp Dispatcher, log logx.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, disp: disp, log: log}
}

// AddJob registers a recurring side job on the same cron runner.
// Must be called before Start.
func (s *Service) AddJob(name string, every time.Duration, run func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extraJobs = append(s.extraJobs, extraJob{name: name, every: every, run: run})
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	if s.c != nil {
		return nil
	}

	s.runCtx, s.cancel = context.WithCancel(ctx)

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))

	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := c.AddFunc(spec, func() { s.CheckDue(s.runCtx) }); err != nil {
		s.cancel()
		return err
	}
	for _, j := range s.extraJobs {
		j := j
		if j.every <= 0 {
			continue
		}
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.every), func() { j.run(s.runCtx) }); err != nil {
			s.cancel()
			return err
		}
	}

	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.Duration("interval", s.cfg.Interval))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	s.cancel()
	// Wait for a running tick to finish before returning.
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("scheduler stopped")
}

// Apply reconfigures the loop, restarting the cron runner when anything
// changed. Safe to call while running.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	s.mu.Lock()
	same := cfg == s.cfg
	s.mu.Unlock()
	if same {
		return nil
	}
	s.Stop()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

// CheckDue runs one poll: reclaim abandoned messages, then claim and
// dispatch everything due. A failure on one message never stops the rest of
// the batch; that mirrors the per-platform isolation inside dispatch, one
// level up.
func (s *Service) CheckDue(ctx context.Context) {
	now := time.Now().UTC()

	if s.cfg.ClaimGrace > 0 {
		n, err := s.store.ReclaimStale(ctx, now.Add(-s.cfg.ClaimGrace))
		if err != nil {
			s.log.Error("stale reclaim failed", logx.Err(err))
		} else if n > 0 {
			s.log.Warn("failed abandoned messages", logx.Int64("count", n),
				logx.Duration("grace", s.cfg.ClaimGrace))
		}
	}

	due, err := s.store.DueMessages(ctx, now)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.Info("processing due messages", logx.Int("count", len(due)))
	if s.log.Enabled(logx.LevelDebug) {
		ids := make([]string, 0, len(due))
		for _, m := range due {
			ids = append(ids, m.ID)
		}
		s.log.Debug("due batch", logx.Any("ids", ids))
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			return
		}
		s.processOne(ctx, msg)
	}
}

func (s *Service) processOne(ctx context.Context, msg *model.Message) {
	log := s.log.With(logx.String("message", msg.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing message", logx.Any("panic", r))
			// Fails the message if this tick had claimed it; a no-op
			// error otherwise.
			if ferr := s.store.Finish(ctx, msg.ID, model.StatusFailed, nil); ferr != nil {
				log.Debug("post-panic finish skipped", logx.Err(ferr))
			}
		}
	}()

	claimed, err := s.store.Claim(ctx, msg.ID)
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return
	}
	if !claimed {
		// The immediate path (or an operator) got there first.
		log.Debug("message already claimed; skipping")
		return
	}

	outcomes, err := s.disp.Dispatch(ctx, msg)
	if err != nil {
		if !errors.Is(err, dispatch.ErrNoValidChannels) {
			log.Error("dispatch failed", logx.Err(err))
		}
		if ferr := s.store.Finish(ctx, msg.ID, model.StatusFailed, nil); ferr != nil {
			log.Error("failed-state write failed", logx.Err(ferr))
		}
		return
	}

	if err := s.store.Finish(ctx, msg.ID, model.StatusCompleted, outcomes); err != nil {
		log.Error("result write failed", logx.Err(err))
		return
	}
	log.Info("scheduled message dispatched", logx.Int("outcomes", len(outcomes)))
}

// cronLogger adapts logx to cron's logging interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
