package server

import (
	"context"
	"testing"
	"time"
)

type fakeHistory struct {
	last *time.Time
}

func (f *fakeHistory) LastFinishedRun(context.Context, string) (*time.Time, error) {
	return f.last, nil
}

func TestSchedulerDue(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }
	s, err := NewScheduler(&fakeHistory{}, noop, "@daily", time.Minute, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if !s.due(nil, now) {
		t.Fatalf("no prior run must be due")
	}
	recent := now.Add(-time.Hour)
	if s.due(&recent, now) {
		t.Fatalf("run within the same day must not be due")
	}
	stale := now.Add(-36 * time.Hour)
	if !s.due(&stale, now) {
		t.Fatalf("run 36h ago must be due on a daily schedule")
	}
}

func TestSchedulerRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	if _, err := NewScheduler(&fakeHistory{}, func(context.Context) error { return nil }, "not a cron", time.Minute, nil, nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
