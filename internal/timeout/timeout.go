package timeout

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAlreadyStarted is returned by Start on re-use. A Timeout is single-shot.
	ErrAlreadyStarted = errors.New("timeout: already started")

	// ErrStartNotConfirmed is returned when the worker goroutine does not
	// confirm startup within startConfirmWait. This indicates a scheduling or
	// resource failure, not a recoverable condition; callers should treat it
	// as fatal.
	ErrStartNotConfirmed = errors.New("timeout: worker did not confirm start")
)

const startConfirmWait = 5 * time.Second

// Callbacks holds the hooks invoked by the worker.
//
// Invocation order is strictly {OnTimeout → OnSuccess} | {OnCancel}, then
// always OnCompletion. OnSuccess only runs when OnTimeout returned nil.
// The first error (or recovered panic) from any hook is forwarded once to
// OnError after OnCompletion.
type Callbacks struct {
	OnTimeout    func() error // required; runs if the duration elapses uncancelled
	OnSuccess    func() error
	OnCancel     func() error
	OnCompletion func() error
	OnError      func(err error)
}

// Timeout is a single-use countdown bound to one worker goroutine.
type Timeout struct {
	duration time.Duration
	cb       Callbacks

	mu        sync.Mutex
	started   bool
	cancelled bool // cancellation was requested (not necessarily honored)

	cancelCh chan struct{} // closed on first Cancel
	doneCh   chan struct{} // closed when the worker reaches terminal state
}

func New(d time.Duration, cb Callbacks) (*Timeout, error) {
	if d < 0 {
		return nil, fmt.Errorf("timeout: negative duration %v", d)
	}
	if cb.OnTimeout == nil {
		return nil, errors.New("timeout: OnTimeout callback is required")
	}
	return &Timeout{
		duration: d,
		cb:       cb,
		cancelCh: make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

func (t *Timeout) Duration() time.Duration { return t.duration }

// Start begins the countdown on a dedicated goroutine. It blocks briefly until
// the worker has confirmed it is waiting, bounded by startConfirmWait.
func (t *Timeout) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	ready := make(chan struct{})
	go t.run(ready)

	select {
	case <-ready:
		return nil
	case <-time.After(startConfirmWait):
		// The worker was launched but never confirmed. Signal it to stand
		// down so it cannot fire later if the runtime ever schedules it.
		t.abort()
		return ErrStartNotConfirmed
	}
}

func (t *Timeout) abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.cancelled = true
		close(t.cancelCh)
	}
}

// Cancel signals cancellation. Before Start it is a no-op (nothing to cancel);
// after the deadline has already resolved it silently loses the race. With
// wait=true it blocks until the worker is terminal or maxWait elapses
// (maxWait <= 0 waits unbounded). It reports whether the worker is terminal.
func (t *Timeout) Cancel(wait bool, maxWait time.Duration) bool {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return false
	}
	if !t.cancelled {
		t.cancelled = true
		close(t.cancelCh)
	}
	t.mu.Unlock()

	if wait {
		return t.Wait(maxWait)
	}
	return false
}

// Wait blocks until the worker reaches terminal state or maxWait elapses
// (maxWait <= 0 waits unbounded). It reports whether terminal state was reached.
func (t *Timeout) Wait(maxWait time.Duration) bool {
	if maxWait <= 0 {
		<-t.doneCh
		return true
	}
	select {
	case <-t.doneCh:
		return true
	case <-time.After(maxWait):
		return false
	}
}

// IsRunning reports whether the worker goroutine has started and not yet
// reached terminal state.
func (t *Timeout) IsRunning() bool {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-t.doneCh:
		return false
	default:
		return true
	}
}

// IsCancelled reports whether cancellation was requested. A timeout may still
// have fired if the request lost the race.
func (t *Timeout) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *Timeout) run(ready chan<- struct{}) {
	defer close(t.doneCh)

	timer := time.NewTimer(t.duration)
	defer timer.Stop()
	close(ready)

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// Single resolution: the countdown deadline races the cancellation
	// signal. A cancel signalled before the worker got here wins outright,
	// even when the deadline is already due; otherwise both could be ready
	// and the select would pick at random.
	fired := false
	select {
	case <-t.cancelCh:
	default:
		select {
		case <-timer.C:
			fired = true
		case <-t.cancelCh:
		}
	}
	if fired {
		if err := invoke(t.cb.OnTimeout); err != nil {
			record(err)
		} else {
			record(invoke(t.cb.OnSuccess))
		}
	} else {
		record(invoke(t.cb.OnCancel))
	}

	record(invoke(t.cb.OnCompletion))

	if firstErr != nil && t.cb.OnError != nil {
		func() {
			defer func() { _ = recover() }()
			t.cb.OnError(firstErr)
		}()
	}
}

// invoke runs cb, converting a panic into an error. Nil callbacks are skipped.
func invoke(cb func() error) (err error) {
	if cb == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return cb()
}
