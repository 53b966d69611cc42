package recorder

import (
	"context"
	"sync"
	"testing"
	"time"

	"recur/internal/eventbus"
	"recur/internal/scheduler"
	"recur/internal/storage"
	logx "recur/pkg/logx"
)

type memStore struct {
	storage.Store

	mu   sync.Mutex
	runs []storage.Run
}

func (m *memStore) AppendRun(ctx context.Context, r storage.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) snapshot() []storage.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Run(nil), m.runs...)
}

func TestRecorderMapsEvents(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	bus := eventbus.New()
	rec := New(store, logx.Nop())
	rec.Start(bus)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	bus.Publish(eventbus.Event{
		Type: scheduler.EventPlanFired,
		Data: scheduler.PlanEvent{PlanID: "p1", JobID: "report", At: at, Duration: time.Second},
	})
	bus.Publish(eventbus.Event{
		Type: scheduler.EventPlanFailed,
		Data: scheduler.PlanEvent{PlanID: "p2", JobID: "report", At: at, Error: "boom"},
	})
	bus.Publish(eventbus.Event{
		Type: scheduler.EventPlanCancelled,
		Data: scheduler.PlanEvent{PlanID: "p3", JobID: "report", At: at},
	})
	// Armed events are not history and must be skipped.
	bus.Publish(eventbus.Event{
		Type: scheduler.EventPlanArmed,
		Data: scheduler.PlanEvent{PlanID: "p4", JobID: "report", At: at},
	})

	rec.Stop()

	runs := store.snapshot()
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d: %+v", len(runs), runs)
	}
	if runs[0].Outcome != storage.OutcomeFired || runs[0].PlanID != "p1" {
		t.Fatalf("run[0] = %+v", runs[0])
	}
	if runs[1].Outcome != storage.OutcomeFailed || runs[1].Error != "boom" {
		t.Fatalf("run[1] = %+v", runs[1])
	}
	if runs[2].Outcome != storage.OutcomeCancelled {
		t.Fatalf("run[2] = %+v", runs[2])
	}
}

func TestRecorderStopDrainsWorker(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	bus := eventbus.New()
	rec := New(store, logx.Nop())
	rec.Start(bus)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		bus.Publish(eventbus.Event{
			Type: scheduler.EventPlanFired,
			Data: scheduler.PlanEvent{PlanID: "p", JobID: "report", At: at},
		})
	}

	// Stop unsubscribes and must wait for the worker to finish writing the
	// already-buffered events, then return without touching a cleared field.
	rec.Stop()

	if got := len(store.snapshot()); got != 10 {
		t.Fatalf("expected 10 runs after Stop, got %d", got)
	}
}

func TestRecorderDisabledStore(t *testing.T) {
	t.Parallel()

	rec := New(nil, logx.Nop())
	rec.Start(eventbus.New())
	rec.Stop()
}

func TestRecorderDoubleStartStop(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	bus := eventbus.New()
	rec := New(store, logx.Nop())
	rec.Start(bus)
	rec.Start(bus)
	rec.Stop()
	rec.Stop()
}
