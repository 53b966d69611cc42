// Package recorder persists plan lifecycle events as run history rows.
package recorder

import (
	"context"
	"sync"
	"time"

	"recur/internal/eventbus"
	"recur/internal/scheduler"
	"recur/internal/storage"
	logx "recur/pkg/logx"
)

// Recorder consumes plan events from the bus and appends them to the store.
// It is a best-effort sink: a write failure is logged, never propagated back
// into the scheduler.
type Recorder struct {
	store storage.Store
	log   logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func New(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{
		store: store,
		log:   log.With(logx.String("component", "recorder")),
	}
}

// Start subscribes to the bus and begins recording. It is a no-op when the
// store is disabled.
func (r *Recorder) Start(bus eventbus.Bus) {
	if r.store == nil || bus == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}

	ch, unsub := bus.Subscribe(64)
	r.unsub = unsub
	r.done = make(chan struct{})

	go r.loop(ch, r.done)
}

// Stop unsubscribes and waits for in-flight writes to finish.
func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub, done := r.unsub, r.done
	r.unsub, r.done = nil, nil
	r.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	<-done
}

// loop owns the done channel it was handed; Stop clears r.done before the
// worker exits, so closing the field instead would race.
func (r *Recorder) loop(ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for e := range ch {
		run, ok := runFromEvent(e)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.AppendRun(ctx, run)
		cancel()
		if err != nil {
			r.log.Warn("run append failed",
				logx.String("job", run.JobID),
				logx.String("outcome", run.Outcome),
				logx.Err(err),
			)
		}
	}
}

func runFromEvent(e eventbus.Event) (storage.Run, bool) {
	pe, ok := e.Data.(scheduler.PlanEvent)
	if !ok {
		return storage.Run{}, false
	}

	var outcome string
	switch e.Type {
	case scheduler.EventPlanFired:
		outcome = storage.OutcomeFired
	case scheduler.EventPlanCancelled:
		outcome = storage.OutcomeCancelled
	case scheduler.EventPlanFailed:
		outcome = storage.OutcomeFailed
	default:
		// Armed events describe future work, not history.
		return storage.Run{}, false
	}

	return storage.Run{
		JobID:    pe.JobID,
		PlanID:   pe.PlanID,
		At:       pe.At,
		Started:  pe.Started,
		Duration: pe.Duration,
		Outcome:  outcome,
		Error:    pe.Error,
	}, true
}
