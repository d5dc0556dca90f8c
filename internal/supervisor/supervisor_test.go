package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWatchdog struct {
	mu   sync.Mutex
	last time.Time
}

func (w *fakeWatchdog) beat() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

func (w *fakeWatchdog) LastIteration() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func TestForceRecoverySucceedsOnFirstAttempt(t *testing.T) {
	wd := &fakeWatchdog{last: time.Now().Add(-time.Hour)} // already stalled
	var events []Event
	var recoverCalls int32

	s := New(Config{
		GetWatchdog: func() (Watchdog, bool) { return wd, true },
		Recover: func(ctx context.Context) error {
			atomic.AddInt32(&recoverCalls, 1)
			wd.beat()
			return nil
		},
		StallAfter:     10 * time.Millisecond,
		CheckEvery:     5 * time.Millisecond,
		InitialBackoff: time.Millisecond,
		OnEvent:        func(e Event) { events = append(events, e) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&recoverCalls) == 0 {
		t.Fatal("expected Recover to be called at least once")
	}
	foundRecovered := false
	for _, e := range events {
		if e.Kind == EventRecovered {
			foundRecovered = true
		}
	}
	if !foundRecovered {
		t.Fatal("expected an EventRecovered to be emitted")
	}
}

func TestForceRecoveryGivesUpAfterMaxAttempts(t *testing.T) {
	wd := &fakeWatchdog{last: time.Now().Add(-time.Hour)}
	var attempts int32
	var fatal bool

	s := New(Config{
		GetWatchdog: func() (Watchdog, bool) { return wd, true },
		Recover: func(ctx context.Context) error {
			atomic.AddInt32(&attempts, 1)
			return errors.New("port unavailable")
		},
		StallAfter:     10 * time.Millisecond,
		CheckEvery:     5 * time.Millisecond,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		OnEvent: func(e Event) {
			if e.Kind == EventFatal {
				fatal = true
			}
		},
	})

	s.forceRecovery(context.Background())

	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if !fatal {
		t.Fatal("expected an EventFatal after exhausting MaxAttempts")
	}
}

func TestNoRecoveryWhenWatchdogHealthy(t *testing.T) {
	wd := &fakeWatchdog{last: time.Now()}
	var recoverCalls int32

	s := New(Config{
		GetWatchdog: func() (Watchdog, bool) { return wd, true },
		Recover: func(ctx context.Context) error {
			atomic.AddInt32(&recoverCalls, 1)
			return nil
		},
		StallAfter: time.Hour,
		CheckEvery: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if atomic.LoadInt32(&recoverCalls) != 0 {
		t.Fatal("expected Recover never to be called while the watchdog is healthy")
	}
}

func TestNoRecoveryWhenNoWatchdogPresent(t *testing.T) {
	s := New(Config{
		GetWatchdog: func() (Watchdog, bool) { return nil, false },
		Recover: func(ctx context.Context) error {
			t.Fatal("Recover must not be called when no watchdog is present")
			return nil
		},
		CheckEvery: 5 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	s.Run(ctx)
}

func TestConnectWithRetrySucceeds(t *testing.T) {
	var calls int32
	done := make(chan struct{})
	go func() {
		ConnectWithRetry(context.Background(), "test", func() error {
			n := atomic.AddInt32(&calls, 1)
			if n < 2 {
				return errors.New("not yet")
			}
			return nil
		}, 5)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectWithRetry did not return in time")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestConnectWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ConnectWithRetry(ctx, "test", func() error { return errors.New("always fails") }, 100)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectWithRetry did not stop after context cancellation")
	}
}
