package motorctl

import (
	"github.com/cseJeoni/needlecore/internal/motorframe"
	"github.com/cseJeoni/needlecore/internal/motorqueue"
)

// SpeedMoveRequest is the motor-2 speed-move handler's input.
type SpeedMoveRequest struct {
	Target                int16
	FastSpeed             uint16
	DecelerationEnabled   bool
	DecelerationMM        int16
	DecelerationSlowSpeed uint16
}

// countsPerMMMotor2 is motor 2's position scale.
const countsPerMMMotor2 = 40

// PlanTwoPhaseDecel splits a motor-2 speed move into two commands and
// enqueues them back-to-back: phase 1 fast-moves to the decel point and
// waits for arrival; phase 2 slow-moves to the final target without
// waiting. Callers that don't satisfy NeedsTwoPhaseDecel should queue a
// plain single-phase speed move instead (see EnqueueSpeedMove).
func PlanTwoPhaseDecel(q *motorqueue.Queue, req SpeedMoveRequest) error {
	decelPoint := req.Target + req.DecelerationMM*countsPerMMMotor2

	phase1Bytes := motorframe.EncodeSpeedMode(motorframe.Motor2, req.FastSpeed, decelPoint)
	phase1 := motorqueue.Command{
		Bytes:               phase1Bytes,
		MotorID:             motorframe.Motor2,
		WaitForCompletion:   true,
		TargetPosition:      decelPoint,
		HasTarget:           true,
		CompletionTolerance: DefaultCompletionTolerance,
	}

	phase2Bytes := motorframe.EncodeSpeedMode(motorframe.Motor2, req.DecelerationSlowSpeed, req.Target)
	phase2 := motorqueue.Command{
		Bytes:             phase2Bytes,
		MotorID:           motorframe.Motor2,
		WaitForCompletion: false,
		TargetPosition:    req.Target,
		HasTarget:         true,
	}

	return q.PushAtomic(phase1, phase2)
}

// NeedsTwoPhaseDecel reports whether req should be split into a
// two-phase deceleration move: deceleration must be enabled with a
// positive decel distance and a nonzero slow speed.
func NeedsTwoPhaseDecel(req SpeedMoveRequest) bool {
	return req.DecelerationEnabled && req.DecelerationMM > 0 && req.DecelerationSlowSpeed > 0
}

// EnqueueSpeedMove queues a plain single-phase motor-2 speed move
// (used when NeedsTwoPhaseDecel is false).
func EnqueueSpeedMove(q *motorqueue.Queue, target int16, speed uint16) error {
	return q.Push(motorqueue.Command{
		Bytes:             motorframe.EncodeSpeedMode(motorframe.Motor2, speed, target),
		MotorID:           motorframe.Motor2,
		WaitForCompletion: false,
		TargetPosition:    target,
		HasTarget:         true,
	})
}
