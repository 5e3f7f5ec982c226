package robot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MockDriver simulates the arm without hardware. Motion is integrated
// deterministically (position += velocity * dt with a cosine ease) so CI and
// development runs behave the same from one run to the next.
type MockDriver struct {
	mu sync.Mutex

	connected bool
	stopped   bool
	estopped  bool

	pose   Pose
	joints JointVector
	vel    JointVector

	robotState RobotState
	safetyMode SafetyMode
	lastError  string

	// FailConnects makes the next N Connect calls fail, for retry tests.
	FailConnects int
	// StepInterval is the integration step; MoveDuration the simulated length
	// of a full move. Zero MoveDuration settles instantly.
	StepInterval time.Duration
	MoveDuration time.Duration
	// ContactAt is the Z height at which a force descent detects contact.
	// Default +Inf: contact is found at whatever target the descent
	// requests, so hardware-free mode picks pieces without tuning. NaN
	// means contact is never detected; a finite value times descents out
	// whose target stays above it.
	ContactAt float64

	gripperEngaged bool

	connectCount int
	moveCount    int
	stopCount    int
	gripCount    int
}

// NewMockDriver returns a mock parked at a realistic home position.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		pose:         Pose{X: 0.3, Y: 0.0, Z: 0.3},
		joints:       JointVector{Base: 0, Shoulder: -1.57, Elbow: 1.57, Wrist1: -1.57, Wrist2: -1.57, Wrist3: 0},
		robotState:   StatePowerOff,
		safetyMode:   SafetyNormal,
		StepInterval: time.Millisecond,
		ContactAt:    math.Inf(1),
	}
}

func (d *MockDriver) Connect(ctx context.Context, hostname string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.connectCount++
	if d.FailConnects > 0 {
		d.FailConnects--
		return fmt.Errorf("%w: simulated refusal from %s:%d", ErrConnection, hostname, port)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	d.connected = true
	d.robotState = StateIdle
	d.safetyMode = SafetyNormal
	return nil
}

func (d *MockDriver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.robotState = StatePowerOff
	return nil
}

func (d *MockDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *MockDriver) Snapshot() (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return Snapshot{}, fmt.Errorf("%w: not connected", ErrConnection)
	}
	return Snapshot{
		Timestamp:       time.Now().UnixNano(),
		RobotState:      d.robotState,
		SafetyMode:      d.safetyMode,
		TCPPose:         d.pose,
		Joints:          d.joints,
		JointVelocities: d.vel,
		ProgramRunning:  d.robotState == StateRunning,
		LastError:       d.lastError,
	}, nil
}

func (d *MockDriver) MoveL(target Pose, speed, accel, blend float64) error {
	d.mu.Lock()
	if err := d.motionAllowedLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.moveCount++
	d.stopped = false
	d.robotState = StateRunning
	start := d.pose
	d.mu.Unlock()

	d.integrate(func(progress float64) {
		d.pose = lerpPose(start, target, progress)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.estopped {
		d.robotState = StateStopped
		return nil
	}
	d.pose = target
	d.robotState = StateIdle
	return nil
}

func (d *MockDriver) MoveJ(target JointVector, speed, accel float64) error {
	d.mu.Lock()
	if err := d.motionAllowedLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.moveCount++
	d.stopped = false
	d.robotState = StateRunning
	start := d.joints
	d.mu.Unlock()

	d.integrate(func(progress float64) {
		s := start.Array()
		t := target.Array()
		var out [6]float64
		for i := 0; i < 6; i++ {
			out[i] = s[i] + (t[i]-s[i])*progress
		}
		d.joints = JointsFromArray(out)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.estopped {
		d.robotState = StateStopped
		return nil
	}
	d.joints = target
	d.robotState = StateIdle
	return nil
}

func (d *MockDriver) ForceDescend(req ForceRequest) error {
	d.mu.Lock()
	if err := d.motionAllowedLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.moveCount++
	d.stopped = false
	d.robotState = StateRunning
	contact := !math.IsNaN(d.ContactAt) && req.Target.Z <= d.ContactAt
	d.mu.Unlock()

	if !contact {
		// No contact within the window: hold until the deadline, then fail.
		time.Sleep(req.MaxDuration)
		d.mu.Lock()
		d.robotState = StateIdle
		d.mu.Unlock()
		return fmt.Errorf("%w: no contact within %s", ErrForceControlTimeout, req.MaxDuration)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if math.IsInf(d.ContactAt, 1) {
		d.pose.Z = req.Target.Z
	} else {
		d.pose.Z = d.ContactAt
	}
	d.robotState = StateIdle
	return nil
}

func (d *MockDriver) SetGripper(engaged bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	d.gripCount++
	d.gripperEngaged = engaged
	return nil
}

func (d *MockDriver) Stop(emergency bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopCount++
	d.stopped = true
	d.vel = JointVector{}
	if emergency {
		d.estopped = true
		d.robotState = StateEmergencyStop
		d.safetyMode = SafetyRobotEmergencyStop
	} else if d.robotState == StateRunning {
		d.robotState = StateStopped
	}
	return nil
}

// ClearEmergencyStop releases the simulated hardware latch, as a physical
// reset on the pendant would.
func (d *MockDriver) ClearEmergencyStop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.estopped = false
	d.robotState = StateIdle
	d.safetyMode = SafetyNormal
}

// SetReported overrides the reported controller state, for fault-injection in
// tests.
func (d *MockDriver) SetReported(state RobotState, mode SafetyMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.robotState = state
	d.safetyMode = mode
}

// MoveCount reports how many motion commands reached the (mock) wire. Limit
// and safety rejections must never increment it.
func (d *MockDriver) MoveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.moveCount
}

// ConnectCount reports how many connect attempts were made.
func (d *MockDriver) ConnectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectCount
}

// GripperEngaged reports the simulated end-effector state.
func (d *MockDriver) GripperEngaged() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gripperEngaged
}

// Pose returns the simulated TCP pose.
func (d *MockDriver) Pose() Pose {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pose
}

func (d *MockDriver) motionAllowedLocked() error {
	if !d.connected {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	if d.estopped {
		return fmt.Errorf("%w: controller is emergency-stopped", ErrSafetyViolation)
	}
	return nil
}

// integrate advances the motion in fixed steps, easing with a half-cosine so
// the simulated velocity profile resembles a real trapezoid.
func (d *MockDriver) integrate(apply func(progress float64)) {
	if d.MoveDuration <= 0 {
		d.mu.Lock()
		apply(1.0)
		d.mu.Unlock()
		return
	}

	steps := int(d.MoveDuration / d.StepInterval)
	if steps < 1 {
		steps = 1
	}
	for i := 1; i <= steps; i++ {
		d.mu.Lock()
		if d.stopped || d.estopped {
			d.mu.Unlock()
			return
		}
		progress := float64(i) / float64(steps)
		apply(0.5 * (1 - math.Cos(progress*math.Pi)))
		d.mu.Unlock()
		time.Sleep(d.StepInterval)
	}
}

func lerpPose(a, b Pose, t float64) Pose {
	return Pose{
		X:  a.X + (b.X-a.X)*t,
		Y:  a.Y + (b.Y-a.Y)*t,
		Z:  a.Z + (b.Z-a.Z)*t,
		RX: a.RX + (b.RX-a.RX)*t,
		RY: a.RY + (b.RY-a.RY)*t,
		RZ: a.RZ + (b.RZ-a.RZ)*t,
	}
}
