package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/oversight-labs/riskwatch/internal/store"
)

const schedulerLockKey = "riskwatch:scheduler:lock"

// RunHistory answers when a run kind last completed.
type RunHistory interface {
	LastFinishedRun(ctx context.Context, kind string) (*time.Time, error)
}

// Scheduler fires a pipeline pass whenever the cron schedule is due relative
// to the last finished run. An optional Redis lock keeps concurrent replicas
// from running the same pass twice.
type Scheduler struct {
	history  RunHistory
	run      func(ctx context.Context) error
	expr     *cronexpr.Expression
	tick     time.Duration
	logger   *log.Logger
	redis    *redis.Client
	identity string
}

func NewScheduler(history RunHistory, run func(ctx context.Context) error, schedule string, tick time.Duration, rdb *redis.Client, logger *log.Logger) (*Scheduler, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		history:  history,
		run:      run,
		expr:     expr,
		tick:     tick,
		logger:   logger,
		redis:    rdb,
		identity: uuid.NewString(),
	}, nil
}

// Start loops until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// First check happens immediately so a due schedule does not wait a
	// whole tick after process start.
	s.fireIfDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.fireIfDue(ctx)
		}
	}
}

func (s *Scheduler) fireIfDue(ctx context.Context) {
	last, err := s.history.LastFinishedRun(ctx, store.RunKindPipeline)
	if err != nil {
		s.logf("scheduler: last run lookup: %v", err)
		return
	}
	if !s.due(last, time.Now()) {
		return
	}
	if !s.acquireLock(ctx) {
		s.logf("scheduler: another replica holds the lock")
		return
	}
	defer s.releaseLock(ctx)

	s.logf("scheduler: firing pipeline pass")
	if err := s.run(ctx); err != nil {
		s.logf("scheduler: pipeline pass: %v", err)
	}
}

// due reports whether the schedule has a fire time at or before now, counted
// from the last finished run. A store with no finished run is always due.
func (s *Scheduler) due(last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	next := s.expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}

func (s *Scheduler) acquireLock(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, schedulerLockKey, s.identity, 30*time.Minute).Result()
	if err != nil {
		s.logf("scheduler: redis lock: %v", err)
		return false
	}
	return ok
}

func (s *Scheduler) releaseLock(ctx context.Context) {
	if s.redis == nil {
		return
	}
	// Only the holder releases; a stale identity means the TTL already
	// handed the lock to someone else.
	val, err := s.redis.Get(ctx, schedulerLockKey).Result()
	if err == nil && val == s.identity {
		s.redis.Del(ctx, schedulerLockKey)
	}
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
