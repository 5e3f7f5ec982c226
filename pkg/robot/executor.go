package robot

import (
	"fmt"
	"sync"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
)

// QueuePolicy decides what happens to a command that arrives while another
// is in flight.
type QueuePolicy string

const (
	// PolicyReject fails the new command with Busy. Default for jog: a stale
	// queued jog is worse than asking the operator to press again.
	PolicyReject QueuePolicy = "reject"
	// PolicyQueueOne parks at most one command behind the in-flight one.
	// Default for move/home.
	PolicyQueueOne QueuePolicy = "queue_one"
)

// Parameters are the configured motion defaults and maxima.
type Parameters struct {
	MaxSpeed     float64
	MaxAccel     float64
	DefaultSpeed float64
	DefaultAccel float64
	JogDistance  float64
	JogSpeed     float64
	HomePose     Pose
	SafeZ        float64
}

// ExecutorConfig wires limits, parameters and queueing policy.
type ExecutorConfig struct {
	Limits     MotionLimits
	Params     Parameters
	JogPolicy  QueuePolicy
	MovePolicy QueuePolicy
}

// MotionExecutor validates and serially issues motion commands. There is a
// single in-flight-command slot reflecting the single physical actuator; only
// emergency stop preempts it.
type MotionExecutor struct {
	conn   *ConnectionManager
	safety *SafetyStateMachine
	cfg    ExecutorConfig
	logger customlog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight bool
	queued   bool
	gen      uint64
}

// NewMotionExecutor builds an executor over an established connection manager
// and safety machine.
func NewMotionExecutor(conn *ConnectionManager, safety *SafetyStateMachine, cfg ExecutorConfig, logger customlog.Logger) *MotionExecutor {
	if cfg.JogPolicy == "" {
		cfg.JogPolicy = PolicyReject
	}
	if cfg.MovePolicy == "" {
		cfg.MovePolicy = PolicyQueueOne
	}
	e := &MotionExecutor{
		conn:   conn,
		safety: safety,
		cfg:    cfg,
		logger: logger,
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Limits exposes the configured motion limits (read-only).
func (e *MotionExecutor) Limits() MotionLimits {
	return e.cfg.Limits
}

// Params exposes the configured motion parameters (read-only).
func (e *MotionExecutor) Params() Parameters {
	return e.cfg.Params
}

// Jog performs one incremental motion along a TCP axis or a joint.
func (e *MotionExecutor) Jog(mode JogMode, axis JogAxis, dir JogDirection, distance, speed float64) error {
	if distance <= 0 {
		return fmt.Errorf("%w: jog distance must be positive", ErrMalformed)
	}
	if dir != JogPositive && dir != JogNegative {
		return fmt.Errorf("%w: unknown jog direction %q", ErrMalformed, dir)
	}

	delta := distance
	if dir == JogNegative {
		delta = -distance
	}
	speed = e.clampSpeed(speed, e.cfg.Params.JogSpeed)

	switch mode {
	case JogTCP:
		if IsJointAxis(axis) {
			return fmt.Errorf("%w: %q is not a TCP axis", ErrMalformed, axis)
		}
		return e.run(e.cfg.JogPolicy, func() error {
			snap, _ := e.conn.Pull()
			target, err := offsetPose(snap.TCPPose, axis, delta)
			if err != nil {
				return err
			}
			if err := e.cfg.Limits.CheckPose(target); err != nil {
				return err
			}
			return e.transmit(func(d Driver) error {
				return d.MoveL(target, speed, e.cfg.Params.DefaultAccel, 0)
			})
		})
	case JogJoint:
		if !IsJointAxis(axis) {
			return fmt.Errorf("%w: %q is not a joint", ErrMalformed, axis)
		}
		return e.run(e.cfg.JogPolicy, func() error {
			snap, _ := e.conn.Pull()
			target := offsetJoint(snap.Joints, axis, delta)
			if err := e.cfg.Limits.CheckJoints(target); err != nil {
				return err
			}
			return e.transmit(func(d Driver) error {
				return d.MoveJ(target, speed, e.cfg.Params.DefaultAccel)
			})
		})
	default:
		return fmt.Errorf("%w: unknown jog mode %q", ErrMalformed, mode)
	}
}

// MoveTo issues a linear move to a Cartesian target.
func (e *MotionExecutor) MoveTo(target Pose, speed, accel, blend float64) error {
	speed = e.clampSpeed(speed, e.cfg.Params.DefaultSpeed)
	accel = e.clampAccel(accel)
	if blend < 0 {
		blend = 0
	}
	return e.run(e.cfg.MovePolicy, func() error {
		if err := e.cfg.Limits.CheckPose(target); err != nil {
			return err
		}
		return e.transmit(func(d Driver) error {
			return d.MoveL(target, speed, accel, blend)
		})
	})
}

// MoveJoints issues a joint-space move.
func (e *MotionExecutor) MoveJoints(target JointVector, speed, accel float64) error {
	speed = e.clampSpeed(speed, e.cfg.Params.DefaultSpeed)
	accel = e.clampAccel(accel)
	return e.run(e.cfg.MovePolicy, func() error {
		if err := e.cfg.Limits.CheckJoints(target); err != nil {
			return err
		}
		return e.transmit(func(d Driver) error {
			return d.MoveJ(target, speed, accel)
		})
	})
}

// Home moves to the configured home pose. Issuing it twice converges on the
// same target.
func (e *MotionExecutor) Home(speed, accel float64) error {
	return e.MoveTo(e.cfg.Params.HomePose, speed, accel, 0)
}

// SafeZ lifts the TCP straight up to the configured safe height, keeping the
// current X/Y.
func (e *MotionExecutor) SafeZ() error {
	return e.run(e.cfg.MovePolicy, func() error {
		snap, _ := e.conn.Pull()
		target := snap.TCPPose
		target.Z = e.cfg.Params.SafeZ
		if err := e.cfg.Limits.CheckPose(target); err != nil {
			return err
		}
		return e.transmit(func(d Driver) error {
			return d.MoveL(target, e.cfg.Params.DefaultSpeed, e.cfg.Params.DefaultAccel, 0)
		})
	})
}

// ForceDescend runs a compliant descent. The target is limit-checked like any
// other motion; the contact deadline is enforced by the driver.
func (e *MotionExecutor) ForceDescend(req ForceRequest) error {
	return e.run(e.cfg.MovePolicy, func() error {
		if err := e.cfg.Limits.CheckPose(req.Target); err != nil {
			return err
		}
		return e.transmit(func(d Driver) error {
			return d.ForceDescend(req)
		})
	})
}

// Grip actuates the end effector. Serialized like a move but does not mark
// the robot RUNNING.
func (e *MotionExecutor) Grip(engaged bool) error {
	return e.runNoStateNote(e.cfg.MovePolicy, func() error {
		return e.conn.Do(func(d Driver) error {
			return d.SetGripper(engaged)
		})
	})
}

// Stop is always accepted, in any state. Emergency stop additionally latches
// the safety machine, cancels the queued command and preempts the in-flight
// slot.
func (e *MotionExecutor) Stop(emergency bool) error {
	if emergency {
		e.logger.Warnf("Emergency stop requested, preempting in-flight command")
		e.safety.NoteEmergencyStop()
		e.cancelPending()
	}
	return e.conn.DoUrgent(func(d Driver) error {
		return d.Stop(emergency)
	})
}

// run validates the gate, serializes through the in-flight slot and notes the
// optimistic RUNNING transition.
func (e *MotionExecutor) run(policy QueuePolicy, fn func() error) error {
	return e.execute(policy, true, fn)
}

func (e *MotionExecutor) runNoStateNote(policy QueuePolicy, fn func() error) error {
	return e.execute(policy, false, fn)
}

func (e *MotionExecutor) execute(policy QueuePolicy, noteRunning bool, fn func() error) error {
	// Cheap pre-check so callers get SafetyViolation, not Busy, when the
	// robot is stopped.
	if err := e.safety.Gate(); err != nil {
		return err
	}

	if err := e.acquire(policy); err != nil {
		return err
	}
	defer e.release()

	// The gate may have closed while this command waited in the queue slot.
	if err := e.safety.Gate(); err != nil {
		return err
	}

	if noteRunning {
		e.safety.NoteCommandAccepted()
	}
	return fn()
}

func (e *MotionExecutor) acquire(policy QueuePolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	myGen := e.gen
	if !e.inFlight {
		e.inFlight = true
		return nil
	}
	if policy != PolicyQueueOne || e.queued {
		return fmt.Errorf("%w: another command is executing", ErrBusy)
	}

	e.queued = true
	for e.inFlight && e.gen == myGen {
		e.cond.Wait()
	}
	e.queued = false

	if e.gen != myGen {
		return fmt.Errorf("%w: queued command cancelled by emergency stop", ErrSafetyViolation)
	}
	e.inFlight = true
	return nil
}

func (e *MotionExecutor) release() {
	e.mu.Lock()
	e.inFlight = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *MotionExecutor) cancelPending() {
	e.mu.Lock()
	e.gen++
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *MotionExecutor) transmit(fn func(Driver) error) error {
	return e.conn.Do(fn)
}

// clampSpeed applies the documented clamp-don't-reject policy: a minor
// operator overshoot should not block work.
func (e *MotionExecutor) clampSpeed(speed, fallback float64) float64 {
	if speed <= 0 {
		speed = fallback
	}
	if speed > e.cfg.Params.MaxSpeed {
		return e.cfg.Params.MaxSpeed
	}
	return speed
}

func (e *MotionExecutor) clampAccel(accel float64) float64 {
	if accel <= 0 {
		accel = e.cfg.Params.DefaultAccel
	}
	if accel > e.cfg.Params.MaxAccel {
		return e.cfg.Params.MaxAccel
	}
	return accel
}

func offsetPose(p Pose, axis JogAxis, delta float64) (Pose, error) {
	switch axis {
	case AxisX:
		p.X += delta
	case AxisY:
		p.Y += delta
	case AxisZ:
		p.Z += delta
	case AxisRX:
		p.RX += delta
	case AxisRY:
		p.RY += delta
	case AxisRZ:
		p.RZ += delta
	default:
		return p, fmt.Errorf("%w: unknown TCP axis %q", ErrMalformed, axis)
	}
	return p, nil
}

func offsetJoint(j JointVector, axis JogAxis, delta float64) JointVector {
	switch axis {
	case AxisBase:
		j.Base += delta
	case AxisShoulder:
		j.Shoulder += delta
	case AxisElbow:
		j.Elbow += delta
	case AxisWrist1:
		j.Wrist1 += delta
	case AxisWrist2:
		j.Wrist2 += delta
	case AxisWrist3:
		j.Wrist3 += delta
	}
	return j
}
