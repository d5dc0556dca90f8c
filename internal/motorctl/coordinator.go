// Package motorctl implements the Motor Coordinator and the two-phase
// deceleration planner: a single task that interleaves queued motion
// commands with round-robin status polls over the shared RS-485 bus,
// and the logic that splits a motor-2 speed move into a
// fast-to-decel-point / slow-to-target pair of queued commands.
//
// The second deceleration phase rides on the queue's wait-for-completion
// primitive, so it is strictly ordered behind the first phase's arrival
// rather than racing a polling thread against a moving target.
package motorctl

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cseJeoni/needlecore/internal/motorframe"
	"github.com/cseJeoni/needlecore/internal/motorqueue"
)

// BusWriter is the subset of serialbus.Bus the Coordinator needs to
// issue writes on the motor port. Tests supply a fake to observe write
// ordering without opening a real serial port.
type BusWriter interface {
	Write(data []byte) error
}

// Timing constraints of the half-duplex bus and the drive's command
// processing.
const (
	DefaultCompletionTolerance uint16        = 50
	DefaultWaitTimeout         time.Duration = 30 * time.Second
	interMotorGap              time.Duration = 5 * time.Millisecond
	writeSettle                time.Duration = 5 * time.Millisecond
	pollInterval               time.Duration = 10 * time.Millisecond
)

// Coordinator owns the motor serial bus as its single writer and
// maintains per-motor state from the reader path.
type Coordinator struct {
	bus   BusWriter
	queue *motorqueue.Queue

	mu     sync.RWMutex
	states map[byte]*MotorState

	heartbeatMu sync.Mutex
	heartbeat   time.Time
}

// New creates a Coordinator bound to bus and queue. The caller must have
// wired bus.OnFrame to the returned Coordinator's HandleFrame before
// starting the reader, and must call Run in its own goroutine.
func New(bus BusWriter, queue *motorqueue.Queue) *Coordinator {
	return &Coordinator{
		bus:   bus,
		queue: queue,
		states: map[byte]*MotorState{
			motorframe.Motor1: {},
			motorframe.Motor2: {},
		},
	}
}

// HandleFrame is wired as the serial bus's OnFrame callback. It is the
// only code path permitted to mutate MotorState: status updates occur
// strictly in the reader path, keyed by the frame's id.
func (c *Coordinator) HandleFrame(frame []byte) {
	sf, err := motorframe.DecodeStatusFrame(frame)
	if err != nil {
		log.Printf("[motorctl] frame decode error: %v", err)
		return
	}
	c.mu.Lock()
	st, ok := c.states[sf.ID]
	if !ok {
		st = &MotorState{}
		c.states[sf.ID] = st
	}
	st.SetPosition = sf.SetPosition
	st.ActPosition = sf.ActPosition
	st.ForceRaw = sf.ForceRaw
	st.ForceNewtons = sf.ForceNewtons
	st.Sensor = sf.Sensor
	st.UpdatedAt = time.Now()
	c.mu.Unlock()
}

// Snapshot returns a copy of motorID's latest state.
func (c *Coordinator) Snapshot(motorID byte) MotorState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[motorID]; ok {
		return *st
	}
	return MotorState{}
}

// QueueDepth exposes the queue depth gauge for telemetry.
func (c *Coordinator) QueueDepth() int {
	return c.queue.Len()
}

// LastIteration reports when the loop last completed an iteration, for
// the Supervisor's stall watchdog.
func (c *Coordinator) LastIteration() time.Time {
	c.heartbeatMu.Lock()
	defer c.heartbeatMu.Unlock()
	return c.heartbeat
}

func (c *Coordinator) beat() {
	c.heartbeatMu.Lock()
	c.heartbeat = time.Now()
	c.heartbeatMu.Unlock()
}

// Run executes the Coordinator's loop until ctx is done:
//  1. Try-pop a queued command; if present, write it and optionally wait
//     for arrival.
//  2. Otherwise issue a round-robin status poll of both motors.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.beat()

		if cmd, ok := c.queue.TryPop(); ok {
			c.runCommand(ctx, cmd)
			continue
		}

		if err := c.bus.Write(motorframe.EncodeStatusRead(motorframe.Motor1)); err != nil {
			log.Printf("[motorctl] status poll motor1 write failed: %v", err)
		}
		if !sleepCtx(ctx, interMotorGap) {
			return
		}
		if err := c.bus.Write(motorframe.EncodeStatusRead(motorframe.Motor2)); err != nil {
			log.Printf("[motorctl] status poll motor2 write failed: %v", err)
		}
		if !sleepCtx(ctx, interMotorGap) {
			return
		}
	}
}

func (c *Coordinator) runCommand(ctx context.Context, cmd motorqueue.Command) {
	if err := c.bus.Write(cmd.Bytes); err != nil {
		log.Printf("[motorctl] command write failed (motor %d): %v", cmd.MotorID, err)
		return
	}
	if !sleepCtx(ctx, writeSettle) {
		return
	}
	if !cmd.WaitForCompletion || !cmd.HasTarget {
		return
	}

	tolerance := cmd.CompletionTolerance
	if tolerance == 0 {
		tolerance = DefaultCompletionTolerance
	}
	deadline := time.Now().Add(DefaultWaitTimeout)
	for time.Now().Before(deadline) {
		st := c.Snapshot(cmd.MotorID)
		if withinTolerance(st.ActPosition, cmd.TargetPosition, tolerance) {
			return
		}
		if !sleepCtx(ctx, pollInterval) {
			return
		}
	}
	log.Printf("[motorctl] wait-for-completion timeout: motor=%d target=%d tolerance=%d", cmd.MotorID, cmd.TargetPosition, tolerance)
}

func withinTolerance(actual, target int16, tolerance uint16) bool {
	diff := int(actual) - int(target)
	if diff < 0 {
		diff = -diff
	}
	return diff <= int(tolerance)
}

// sleepCtx sleeps for d or returns false early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
