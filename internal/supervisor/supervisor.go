// Package supervisor implements the stall watchdog and force-recovery
// cycle: if the Motor Coordinator's loop stops beating for too long,
// the Supervisor tears down and reopens the serial connection, retrying
// with exponential backoff; after repeated recovery failures it reports
// the failure as fatal so the UI can be notified and the port left
// closed.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Watchdog reports when a monitored loop last completed an iteration.
// *motorctl.Coordinator satisfies this without needing to import it
// here.
type Watchdog interface {
	LastIteration() time.Time
}

// EventKind distinguishes the phases of a recovery cycle.
type EventKind int

const (
	// EventRecovering fires once per recovery attempt, before Recover is called.
	EventRecovering EventKind = iota
	// EventRecovered fires once recovery succeeds.
	EventRecovered
	// EventFatal fires once MaxAttempts consecutive attempts have failed;
	// the caller is expected to leave the resource closed and surface
	// this to the operator.
	EventFatal
)

// Event is delivered to Config.OnEvent as the recovery cycle progresses.
type Event struct {
	Kind    EventKind
	Attempt int
	Err     error
}

// Config wires the Supervisor to the resource it watches, without the
// Supervisor needing to know what that resource actually is.
type Config struct {
	// GetWatchdog returns the watchdog currently being monitored, and
	// false if nothing is connected right now (in which case the
	// stall check is skipped for that tick).
	GetWatchdog func() (Watchdog, bool)

	// Recover performs one force-recovery attempt (clear queue,
	// close+reopen the port, restart the reader and coordinator) and
	// returns an error if the attempt failed.
	Recover func(ctx context.Context) error

	// StallAfter is how long LastIteration() may go without advancing
	// before a stall is declared. Defaults to 5s.
	StallAfter time.Duration
	// CheckEvery is the watchdog poll interval. Defaults to 1s.
	CheckEvery time.Duration
	// MaxAttempts is how many consecutive recovery attempts are made
	// before giving up as fatal. Defaults to 3.
	MaxAttempts int
	// InitialBackoff/MaxBackoff bound the doubling delay between
	// attempts. Default 1s / 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnEvent, if set, is invoked synchronously as the cycle progresses.
	OnEvent func(Event)
}

// Supervisor runs the watchdog loop described above.
type Supervisor struct {
	cfg Config
}

// New creates a Supervisor, filling in defaults for any zero-valued
// tuning fields in cfg.
func New(cfg Config) *Supervisor {
	if cfg.StallAfter == 0 {
		cfg.StallAfter = 5 * time.Second
	}
	if cfg.CheckEvery == 0 {
		cfg.CheckEvery = 1 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Supervisor{cfg: cfg}
}

// Run polls the watchdog until ctx is done, triggering a force-recovery
// cycle whenever the monitored loop has stalled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wd, ok := s.cfg.GetWatchdog()
			if !ok {
				continue
			}
			if time.Since(wd.LastIteration()) > s.cfg.StallAfter {
				log.Printf("[supervisor] stall detected (no iteration in > %v), starting force-recovery", s.cfg.StallAfter)
				s.forceRecovery(ctx)
			}
		}
	}
}

// forceRecovery retries Recover with doubling backoff until it succeeds
// or MaxAttempts is exhausted.
func (s *Supervisor) forceRecovery(ctx context.Context) {
	delay := s.cfg.InitialBackoff
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		s.emit(Event{Kind: EventRecovering, Attempt: attempt})

		err := s.cfg.Recover(ctx)
		if err == nil {
			log.Printf("[supervisor] recovery succeeded on attempt %d", attempt)
			s.emit(Event{Kind: EventRecovered, Attempt: attempt})
			return
		}
		if attempt == s.cfg.MaxAttempts {
			log.Printf("[supervisor] recovery attempt %d/%d failed: %v", attempt, s.cfg.MaxAttempts, err)
			break
		}
		log.Printf("[supervisor] recovery attempt %d/%d failed: %v (retry in %v)", attempt, s.cfg.MaxAttempts, err, delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > s.cfg.MaxBackoff {
			delay = s.cfg.MaxBackoff
		}
	}
	err := fmt.Errorf("recovery failed after %d attempts", s.cfg.MaxAttempts)
	log.Printf("[supervisor] %v, giving up", err)
	s.emit(Event{Kind: EventFatal, Attempt: s.cfg.MaxAttempts, Err: err})
}

func (s *Supervisor) emit(ev Event) {
	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(ev)
	}
}

// ConnectWithRetry attempts connect with exponential backoff, starting
// at 1s and doubling up to 60s. Used at process bootstrap for resources
// that should not block the rest of the system from starting (the
// EEPROM bus, the ohmmeter port).
func ConnectWithRetry(ctx context.Context, name string, connect func() error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := connect(); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)", name, attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[%s] connect attempt %d failed: %v (retry in %v)", name, attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return
		}
	}
}
