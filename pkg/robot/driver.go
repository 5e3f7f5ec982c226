package robot

import (
	"context"
	"time"
)

// ForceRequest describes a compliant descent: the selection vector isolates
// the axes under force regulation (vertical only for piece contact), with a
// target contact force and a hard deadline. A descent that reaches MaxDuration
// without contact fails with ErrForceControlTimeout.
type ForceRequest struct {
	Target          Pose
	SelectionVector [6]int
	TargetForce     float64 // newtons, negative is toward the board
	Limits          [6]float64
	MaxDuration     time.Duration
}

// Driver is the hardware-facing interface to the arm. The controller never
// talks to the wire directly; it only sees this contract, so the mock and the
// real bridge implementation are interchangeable.
//
// Stop must be safe to call concurrently with any other in-flight call and
// must preempt it; every other method is issued one at a time by the
// ConnectionManager.
type Driver interface {
	Connect(ctx context.Context, hostname string, port int) error
	Disconnect() error
	Connected() bool

	// Snapshot returns the latest raw controller state.
	Snapshot() (Snapshot, error)

	MoveL(target Pose, speed, accel, blend float64) error
	MoveJ(target JointVector, speed, accel float64) error
	ForceDescend(req ForceRequest) error
	SetGripper(engaged bool) error
	Stop(emergency bool) error
}
