package timeout

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestFirePath(t *testing.T) {
	t.Parallel()

	var fired, succeeded, cancelled, completed atomic.Int32
	tmo, err := New(10*time.Millisecond, Callbacks{
		OnTimeout:    func() error { fired.Add(1); return nil },
		OnSuccess:    func() error { succeeded.Add(1); return nil },
		OnCancel:     func() error { cancelled.Add(1); return nil },
		OnCompletion: func() error { completed.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tmo.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tmo.Wait(5 * time.Second) {
		t.Fatal("Wait timed out")
	}

	if got := fired.Load(); got != 1 {
		t.Fatalf("OnTimeout called %d times, want 1", got)
	}
	if got := succeeded.Load(); got != 1 {
		t.Fatalf("OnSuccess called %d times, want 1", got)
	}
	if got := cancelled.Load(); got != 0 {
		t.Fatalf("OnCancel called %d times, want 0", got)
	}
	if got := completed.Load(); got != 1 {
		t.Fatalf("OnCompletion called %d times, want 1", got)
	}
	if tmo.IsRunning() {
		t.Fatal("IsRunning = true after terminal state")
	}
	if tmo.IsCancelled() {
		t.Fatal("IsCancelled = true, no cancel was requested")
	}
}

func TestCancelPath(t *testing.T) {
	t.Parallel()

	var fired, cancelled, completed atomic.Int32
	tmo, err := New(1000*time.Second, Callbacks{
		OnTimeout:    func() error { fired.Add(1); return nil },
		OnCancel:     func() error { cancelled.Add(1); return nil },
		OnCompletion: func() error { completed.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tmo.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	start := time.Now()
	if !tmo.Cancel(true, 5*time.Second) {
		t.Fatal("Cancel(wait) did not reach terminal state")
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Cancel(wait) took %v, want prompt return", took)
	}

	if got := cancelled.Load(); got != 1 {
		t.Fatalf("OnCancel called %d times, want 1", got)
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("OnTimeout called %d times, want 0", got)
	}
	if got := completed.Load(); got != 1 {
		t.Fatalf("OnCompletion called %d times, want 1", got)
	}
	if !tmo.IsCancelled() {
		t.Fatal("IsCancelled = false after cancel")
	}
}

func TestOnTimeoutErrorStillTerminates(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	var succeeded, completed, reported atomic.Int32
	var got atomic.Value
	tmo, err := New(time.Millisecond, Callbacks{
		OnTimeout:    func() error { return boom },
		OnSuccess:    func() error { succeeded.Add(1); return nil },
		OnCompletion: func() error { completed.Add(1); return nil },
		OnError: func(err error) {
			reported.Add(1)
			got.Store(err)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tmo.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tmo.Wait(5 * time.Second) {
		t.Fatal("Wait timed out; worker must terminate even when OnTimeout fails")
	}

	if got := reported.Load(); got != 1 {
		t.Fatalf("OnError called %d times, want 1", got)
	}
	if err, _ := got.Load().(error); !errors.Is(err, boom) {
		t.Fatalf("OnError got %v, want %v", err, boom)
	}
	if got := succeeded.Load(); got != 0 {
		t.Fatalf("OnSuccess called %d times after failed OnTimeout, want 0", got)
	}
	if got := completed.Load(); got != 1 {
		t.Fatalf("OnCompletion called %d times, want 1", got)
	}
}

func TestOnTimeoutPanicIsRecovered(t *testing.T) {
	t.Parallel()

	var reported atomic.Int32
	tmo, err := New(time.Millisecond, Callbacks{
		OnTimeout: func() error { panic("kaboom") },
		OnError:   func(err error) { reported.Add(1) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tmo.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tmo.Wait(5 * time.Second) {
		t.Fatal("Wait timed out after panicking callback")
	}
	if got := reported.Load(); got != 1 {
		t.Fatalf("OnError called %d times, want 1", got)
	}
}

func TestDoubleStartFails(t *testing.T) {
	t.Parallel()

	tmo, err := New(time.Millisecond, Callbacks{OnTimeout: func() error { return nil }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tmo.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tmo.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	tmo.Wait(5 * time.Second)
}

func TestCancelBeforeStartIsNoop(t *testing.T) {
	t.Parallel()

	tmo, err := New(time.Second, Callbacks{OnTimeout: func() error { return nil }})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tmo.Cancel(false, 0)
	if tmo.IsCancelled() {
		t.Fatal("Cancel before Start must not set the cancelled flag")
	}
}

func TestLateCancelIsAbsorbed(t *testing.T) {
	t.Parallel()

	var fired, cancelled atomic.Int32
	tmo, err := New(time.Millisecond, Callbacks{
		OnTimeout: func() error { fired.Add(1); return nil },
		OnCancel:  func() error { cancelled.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := tmo.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !tmo.Wait(5 * time.Second) {
		t.Fatal("Wait timed out")
	}

	// The branch is already decided; a late cancel loses the race silently.
	tmo.Cancel(true, time.Second)
	if got := fired.Load(); got != 1 {
		t.Fatalf("OnTimeout called %d times, want 1", got)
	}
	if got := cancelled.Load(); got != 0 {
		t.Fatalf("OnCancel called %d times after late cancel, want 0", got)
	}
}

func TestAbortBeforeWorkerRunsNeverFires(t *testing.T) {
	t.Parallel()

	var fired, cancelled, completed atomic.Int32
	tmo, err := New(0, Callbacks{
		OnTimeout:    func() error { fired.Add(1); return nil },
		OnCancel:     func() error { cancelled.Add(1); return nil },
		OnCompletion: func() error { completed.Add(1); return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Replay the unconfirmed-start sequence: the worker goroutine is launched
	// but only gets scheduled after Start has already given up and aborted.
	// With a zero duration the deadline is due too, and the stand-down signal
	// must still win.
	tmo.started = true
	tmo.abort()
	ready := make(chan struct{})
	go tmo.run(ready)

	if !tmo.Wait(5 * time.Second) {
		t.Fatal("Wait timed out")
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("OnTimeout called %d times after abort, want 0", got)
	}
	if got := cancelled.Load(); got != 1 {
		t.Fatalf("OnCancel called %d times, want 1", got)
	}
	if got := completed.Load(); got != 1 {
		t.Fatalf("OnCompletion called %d times, want 1", got)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(-time.Second, Callbacks{OnTimeout: func() error { return nil }}); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := New(time.Second, Callbacks{}); err == nil {
		t.Fatal("expected error for missing OnTimeout")
	}
}
