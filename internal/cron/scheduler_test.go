package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextRunTime_Descriptors(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextRunTime("@every 1m", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if !next.Equal(base.Add(time.Minute)) {
		t.Fatalf("expected %v, got %v", base.Add(time.Minute), next)
	}
	next, err = NextRunTime("30 3 * * *", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2026, 1, 2, 3, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
}

func TestNewScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewScheduler(Config{Jobs: []Job{{Name: "bad", Spec: "every minute", Run: func(context.Context) (int, error) { return 0, nil }}}})
	if err == nil {
		t.Fatal("expected invalid spec error")
	}
}

func TestScheduler_RunNowRunsAllJobs(t *testing.T) {
	var purged, failed atomic.Int32
	s, err := NewScheduler(Config{Jobs: []Job{
		{Name: "purge", Spec: "@every 1h", Run: func(context.Context) (int, error) {
			purged.Add(1)
			return 3, nil
		}},
		{Name: "broken", Spec: "@every 1h", Run: func(context.Context) (int, error) {
			failed.Add(1)
			return 0, errors.New("boom")
		}},
	}})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.RunNow(context.Background())
	if purged.Load() != 1 || failed.Load() != 1 {
		t.Fatalf("expected each job once, got purge=%d broken=%d", purged.Load(), failed.Load())
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	fired := make(chan struct{}, 4)
	s, err := NewScheduler(Config{Jobs: []Job{
		{Name: "tick", Spec: "@every 1s", Run: func(context.Context) (int, error) {
			select {
			case fired <- struct{}{}:
			default:
			}
			return 0, nil
		}},
	}})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not fire")
	}
}

func TestScheduler_StopCancelsJobContext(t *testing.T) {
	s, err := NewScheduler(Config{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	ctx := s.jobContext()
	s.Stop()
	if ctx.Err() == nil {
		t.Fatal("expected job context cancelled after Stop")
	}
}
