package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, within time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInvalidTimezoneIsConstructionError(t *testing.T) {
	t.Parallel()
	if _, err := New(nopFactory, WithTimezone("Not/AZone")); err == nil {
		t.Fatal("expected error for invalid timezone")
	}
	if _, err := New(nopFactory, WithTimezone("Europe/Berlin")); err != nil {
		t.Fatalf("valid timezone rejected: %v", err)
	}
}

func TestScheduleNothingToArm(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	plan, err := s.Schedule(stubConfig{id: "a"}, nil)
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if plan != nil {
		t.Fatal("Schedule armed a plan for a config without a schedule")
	}
	if got := s.Plans(""); len(got) != 0 {
		t.Fatalf("registry has %d plans, want 0", len(got))
	}
}

func TestScheduleAtFiresAction(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, err := New(func(cfg JobConfig) Action {
		return func() error { calls.Add(1); return nil }
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plan, err := s.ScheduleAt(stubConfig{id: "a"}, time.Time{})
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}
	if !plan.Wait(5 * time.Second) {
		t.Fatal("plan did not complete")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("action called %d times, want 1", got)
	}
	waitFor(t, 2*time.Second, "registry cleanup", func() bool {
		return len(s.Plans("a")) == 0
	})
}

func TestOneTimeScheduleRunsOnce(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, err := New(func(cfg JobConfig) Action {
		return func() error { calls.Add(1); return nil }
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now().Add(20 * time.Millisecond)
	cfg := stubConfig{id: "once", sched: &Schedule{Active: true, Start: tp(start)}}
	plan, err := s.Schedule(cfg, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if plan == nil {
		t.Fatal("Schedule returned no plan")
	}
	if !plan.Wait(5 * time.Second) {
		t.Fatal("plan did not complete")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("action called %d times, want 1", got)
	}

	// One-time plans must not re-arm.
	waitFor(t, 2*time.Second, "registry cleanup", func() bool {
		return len(s.Plans("once")) == 0
	})
}

func TestRepeatingScheduleReArms(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, err := New(func(cfg JobConfig) Action {
		return func() error { calls.Add(1); return nil }
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	cfg := stubConfig{id: "tick", sched: &Schedule{
		Active: true,
		Start:  tp(start),
		Repeat: &Repeat{Unit: UnitSecond, Interval: 1},
	}}

	plan, err := s.Schedule(cfg, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if plan == nil {
		t.Fatal("Schedule returned no plan")
	}

	// The first plan is past-due and fires immediately; its success hook must
	// arm exactly one successor for the same job.
	waitFor(t, 3*time.Second, "first firing", func() bool { return calls.Load() >= 1 })
	waitFor(t, 3*time.Second, "successor plan", func() bool {
		plans := s.Plans("tick")
		return len(plans) == 1 && plans[0].PlanID != plan.ID()
	})

	s.ClearJobs("tick", true, 5*time.Second)
}

func TestFailingActionStopsRecurring(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	s, err := New(func(cfg JobConfig) Action {
		return func() error { calls.Add(1); return errors.New("processor unreachable") }
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	cfg := stubConfig{id: "broken", sched: &Schedule{
		Active: true,
		Start:  tp(start),
		Repeat: &Repeat{Unit: UnitSecond, Interval: 1},
	}}
	plan, err := s.Schedule(cfg, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !plan.Wait(5 * time.Second) {
		t.Fatal("plan did not complete")
	}

	// The fired branch failed inside the action, so no successor is armed.
	waitFor(t, 2*time.Second, "registry cleanup", func() bool {
		return len(s.Plans("broken")) == 0
	})
	time.Sleep(50 * time.Millisecond)
	if got := len(s.Plans("broken")); got != 0 {
		t.Fatalf("failed job re-armed %d plans, want 0", got)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("action called %d times, want 1", got)
	}
}

func TestClearJobs(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	far := time.Now().Add(1000 * time.Second)
	cfg := stubConfig{id: "idle", sched: &Schedule{Active: true, Start: tp(far)}}
	plan, err := s.Schedule(cfg, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	other, err := s.ScheduleAt(stubConfig{id: "other"}, far)
	if err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}

	s.ClearJobs("idle", true, 5*time.Second)

	if got := s.Plans("idle"); len(got) != 0 {
		t.Fatalf("Plans(idle) = %d entries after ClearJobs, want 0", len(got))
	}
	if plan.IsRunning() {
		t.Fatal("cleared plan still running")
	}
	// Unrelated jobs are untouched.
	if got := s.Plans("other"); len(got) != 1 {
		t.Fatalf("Plans(other) = %d entries, want 1", len(got))
	}
	s.ClearPlan(other.ID(), true, 5*time.Second)
}

func TestClearPlanUnknownIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)
	s.ClearPlan("no-such-plan", true, time.Second)
}

func TestClearAll(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	far := time.Now().Add(1000 * time.Second)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.ScheduleAt(stubConfig{id: id}, far); err != nil {
			t.Fatalf("ScheduleAt(%s): %v", id, err)
		}
	}
	if got := len(s.Plans("")); got != 3 {
		t.Fatalf("Plans() = %d entries, want 3", got)
	}

	s.Clear(true, 5*time.Second)
	if got := len(s.Plans("")); got != 0 {
		t.Fatalf("Plans() = %d entries after Clear, want 0", got)
	}
}

func TestPlansReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t)

	far := time.Now().Add(1000 * time.Second)
	if _, err := s.ScheduleAt(stubConfig{id: "snap"}, far); err != nil {
		t.Fatalf("ScheduleAt: %v", err)
	}

	first := s.Plans("snap")
	if len(first) != 1 {
		t.Fatalf("Plans = %d entries, want 1", len(first))
	}
	// Mutating the returned slice must not affect the registry.
	first[0] = PlanInfo{}
	again := s.Plans("snap")
	if len(again) != 1 || again[0].PlanID == "" {
		t.Fatal("registry state leaked through the snapshot")
	}
	s.Clear(true, 5*time.Second)
}
