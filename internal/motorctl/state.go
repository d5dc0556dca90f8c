package motorctl

import "time"

// MotorState is one motor's latest parsed status, owned by the
// Coordinator and mutated only on inbound frame parse.
type MotorState struct {
	SetPosition  int16
	ActPosition  int16
	ForceRaw     int16
	ForceNewtons float64
	Sensor       int16
	UpdatedAt    time.Time
}
