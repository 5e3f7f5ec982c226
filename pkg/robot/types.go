package robot

// ConnectionState describes the state of the link to the arm controller.
type ConnectionState string

const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnError        ConnectionState = "error"
)

// RobotState mirrors the controller-reported operating state of the arm.
type RobotState string

const (
	StateIdle             RobotState = "IDLE"
	StateRunning          RobotState = "RUNNING"
	StatePaused           RobotState = "PAUSED"
	StateStopped          RobotState = "STOPPED"
	StateError            RobotState = "ERROR"
	StateEmergencyStop    RobotState = "EMERGENCY_STOP"
	StateProtectiveStop   RobotState = "PROTECTIVE_STOP"
	StateSafeguardStop    RobotState = "SAFEGUARD_STOP"
	StateViolation        RobotState = "VIOLATION"
	StateFault            RobotState = "FAULT"
	StateBooting          RobotState = "BOOTING"
	StatePowerOff         RobotState = "POWER_OFF"
	StatePowerOn          RobotState = "POWER_ON"
	StateBackdrive        RobotState = "BACKDRIVE"
	StateUpdatingFirmware RobotState = "UPDATING_FIRMWARE"
)

// SafetyMode mirrors the controller-reported safety mode. It is orthogonal to
// RobotState; the emergency-stop modes are the hard veto for motion commands.
type SafetyMode string

const (
	SafetyNormal              SafetyMode = "NORMAL"
	SafetyReduced             SafetyMode = "REDUCED"
	SafetyProtectiveStop      SafetyMode = "PROTECTIVE_STOP"
	SafetyRecovery            SafetyMode = "RECOVERY"
	SafetySafeguardStop       SafetyMode = "SAFEGUARD_STOP"
	SafetySystemEmergencyStop SafetyMode = "SYSTEM_EMERGENCY_STOP"
	SafetyRobotEmergencyStop  SafetyMode = "ROBOT_EMERGENCY_STOP"
	SafetyViolation           SafetyMode = "VIOLATION"
	SafetyFault               SafetyMode = "FAULT"
	SafetyUndefined           SafetyMode = "UNDEFINED"
)

// Pose is a tool-center-point position in the base frame: meters for the
// linear offsets, radians for the rotational ones.
type Pose struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	RX float64 `json:"rx"`
	RY float64 `json:"ry"`
	RZ float64 `json:"rz"`
}

// JointVector holds the six named joint angles in radians.
type JointVector struct {
	Base     float64 `json:"base"`
	Shoulder float64 `json:"shoulder"`
	Elbow    float64 `json:"elbow"`
	Wrist1   float64 `json:"wrist1"`
	Wrist2   float64 `json:"wrist2"`
	Wrist3   float64 `json:"wrist3"`
}

// Array returns the joint angles in base..wrist3 order.
func (j JointVector) Array() [6]float64 {
	return [6]float64{j.Base, j.Shoulder, j.Elbow, j.Wrist1, j.Wrist2, j.Wrist3}
}

// JointsFromArray builds a JointVector from base..wrist3 order.
func JointsFromArray(a [6]float64) JointVector {
	return JointVector{Base: a[0], Shoulder: a[1], Elbow: a[2], Wrist1: a[3], Wrist2: a[4], Wrist3: a[5]}
}

// Vector3 is a Cartesian point in meters.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// JogMode selects between Cartesian and joint-space jogging.
type JogMode string

const (
	JogTCP   JogMode = "tcp"
	JogJoint JogMode = "joint"
)

// JogAxis names the axis or joint to jog.
type JogAxis string

const (
	AxisX  JogAxis = "x"
	AxisY  JogAxis = "y"
	AxisZ  JogAxis = "z"
	AxisRX JogAxis = "rx"
	AxisRY JogAxis = "ry"
	AxisRZ JogAxis = "rz"

	AxisBase     JogAxis = "base"
	AxisShoulder JogAxis = "shoulder"
	AxisElbow    JogAxis = "elbow"
	AxisWrist1   JogAxis = "wrist1"
	AxisWrist2   JogAxis = "wrist2"
	AxisWrist3   JogAxis = "wrist3"
)

// JogDirection is the sign of an incremental jog.
type JogDirection string

const (
	JogPositive JogDirection = "positive"
	JogNegative JogDirection = "negative"
)

// Snapshot is the raw controller state pulled from a Driver. It is the
// hardware-facing counterpart of Telemetry, before the safety machine and
// sampler have interpreted it.
type Snapshot struct {
	Timestamp       int64       `json:"timestamp"`
	RobotState      RobotState  `json:"robot_state"`
	SafetyMode      SafetyMode  `json:"safety_mode"`
	TCPPose         Pose        `json:"tcp_pose"`
	Joints          JointVector `json:"joints"`
	JointVelocities JointVector `json:"joint_velocities"`
	JointCurrents   JointVector `json:"joint_currents"`
	ProgramRunning  bool        `json:"program_running"`
	LastError       string      `json:"last_error,omitempty"`
}

// Telemetry is one immutable sample published to subscribers. Produced once
// per sampling tick and never mutated afterwards.
type Telemetry struct {
	Timestamp       int64           `json:"timestamp"`
	ConnectionState ConnectionState `json:"connectionState"`
	RobotState      RobotState      `json:"robotState"`
	SafetyMode      SafetyMode      `json:"safetyMode"`
	TCPPose         Pose            `json:"tcpPosition"`
	JointPositions  JointVector     `json:"jointPositions"`
	JointVelocities JointVector     `json:"jointVelocities"`
	JointCurrents   JointVector     `json:"jointCurrents"`
	EmergencyStop   bool            `json:"isEmergencyStop"`
	ProtectiveStop  bool            `json:"isProtectiveStop"`
	ProgramRunning  bool            `json:"isProgramRunning"`
	Connected       bool            `json:"isRobotConnected"`
	LastError       string          `json:"lastError,omitempty"`
}

// WorkspaceLimits is the Cartesian bounding volume motion targets must stay in.
type WorkspaceLimits struct {
	Min Vector3 `json:"min"`
	Max Vector3 `json:"max"`
}

// JointLimits bounds each joint angle.
type JointLimits struct {
	Min JointVector `json:"min"`
	Max JointVector `json:"max"`
}

// MotionLimits is loaded once from configuration and read-only at runtime.
type MotionLimits struct {
	Workspace WorkspaceLimits `json:"workspace"`
	Joints    JointLimits     `json:"jointLimits"`
}

// CheckPose validates a Cartesian target against the workspace cuboid.
func (l MotionLimits) CheckPose(p Pose) error {
	w := l.Workspace
	if p.X < w.Min.X || p.X > w.Max.X ||
		p.Y < w.Min.Y || p.Y > w.Max.Y ||
		p.Z < w.Min.Z || p.Z > w.Max.Z {
		return newLimitError(ErrWorkspaceLimit,
			"target (%.3f, %.3f, %.3f) outside workspace x[%.3f,%.3f] y[%.3f,%.3f] z[%.3f,%.3f]",
			p.X, p.Y, p.Z, w.Min.X, w.Max.X, w.Min.Y, w.Max.Y, w.Min.Z, w.Max.Z)
	}
	return nil
}

// CheckJoints validates a joint-space target against the per-joint ranges.
func (l MotionLimits) CheckJoints(j JointVector) error {
	min := l.Joints.Min.Array()
	max := l.Joints.Max.Array()
	target := j.Array()
	names := [6]string{"base", "shoulder", "elbow", "wrist1", "wrist2", "wrist3"}
	for i := 0; i < 6; i++ {
		if target[i] < min[i] || target[i] > max[i] {
			return newLimitError(ErrJointLimit,
				"joint %s target %.3f outside range [%.3f, %.3f]",
				names[i], target[i], min[i], max[i])
		}
	}
	return nil
}

// IsJointAxis reports whether the axis names a joint rather than a TCP axis.
func IsJointAxis(axis JogAxis) bool {
	switch axis {
	case AxisBase, AxisShoulder, AxisElbow, AxisWrist1, AxisWrist2, AxisWrist3:
		return true
	}
	return false
}
