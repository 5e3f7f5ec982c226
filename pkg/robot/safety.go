package robot

import (
	"fmt"
	"sync"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
)

// motionBlockedStates lists RobotState values in which no motion command may
// leave the controller. Kept as an explicit table so the gate is auditable in
// one place.
var motionBlockedStates = map[RobotState]bool{
	StateEmergencyStop:    true,
	StateProtectiveStop:   true,
	StateSafeguardStop:    true,
	StateViolation:        true,
	StateFault:            true,
	StateError:            true,
	StatePowerOff:         true,
	StateBooting:          true,
	StateUpdatingFirmware: true,
}

// stopFamilyModes lists SafetyMode values that latch the robot until an
// explicit operator reset.
var stopFamilyModes = map[SafetyMode]bool{
	SafetyProtectiveStop:      true,
	SafetySafeguardStop:       true,
	SafetySystemEmergencyStop: true,
	SafetyRobotEmergencyStop:  true,
	SafetyViolation:           true,
	SafetyFault:               true,
}

// SafetyStateMachine tracks RobotState and SafetyMode and gates every
// outbound motion command. Transitions are driven only by controller
// feedback, with two optimistic local exceptions: an issued emergency stop
// forces SYSTEM_EMERGENCY_STOP ahead of confirmation, and an accepted motion
// command marks RUNNING ahead of confirmation. Both are reconciled against
// the next confirmed telemetry sample.
type SafetyStateMachine struct {
	logger customlog.Logger

	mu           sync.Mutex
	robotState   RobotState
	safetyMode   SafetyMode
	estopLatched bool

	// Confirmed hardware view, as of the last ApplyFeedback.
	confirmedState RobotState
	confirmedMode  SafetyMode
	confirmed      bool
}

// NewSafetyStateMachine starts pessimistic: powered off, undefined mode.
func NewSafetyStateMachine(logger customlog.Logger) *SafetyStateMachine {
	return &SafetyStateMachine{
		logger:     logger,
		robotState: StatePowerOff,
		safetyMode: SafetyUndefined,
	}
}

// Gate returns nil when motion commands may pass, or a SafetyViolation
// naming the blocking state. Stop and emergency-stop commands never consult
// the gate.
func (s *SafetyStateMachine) Gate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.safetyMode != SafetyNormal && s.safetyMode != SafetyReduced {
		return fmt.Errorf("%w: safety mode %s blocks motion", ErrSafetyViolation, s.safetyMode)
	}
	if motionBlockedStates[s.robotState] {
		return fmt.Errorf("%w: robot state %s blocks motion", ErrSafetyViolation, s.robotState)
	}
	if s.estopLatched {
		return fmt.Errorf("%w: emergency stop is latched", ErrSafetyViolation)
	}
	return nil
}

// NoteEmergencyStop forces the local mode to SYSTEM_EMERGENCY_STOP before
// hardware confirmation arrives, so follow-up commands are rejected with zero
// added latency.
func (s *SafetyStateMachine) NoteEmergencyStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estopLatched = true
	s.safetyMode = SafetySystemEmergencyStop
	s.robotState = StateEmergencyStop
	s.logger.Warnf("Emergency stop latched locally ahead of hardware confirmation")
}

// NoteCommandAccepted marks the robot RUNNING optimistically for an accepted
// motion command.
func (s *SafetyStateMachine) NoteCommandAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !motionBlockedStates[s.robotState] {
		s.robotState = StateRunning
	}
}

// ApplyFeedback reconciles local state against a confirmed hardware sample.
func (s *SafetyStateMachine) ApplyFeedback(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.confirmedState = snap.RobotState
	s.confirmedMode = snap.SafetyMode
	s.confirmed = true

	if s.estopLatched {
		// Keep the optimistic latch until an explicit operator reset; the
		// confirmed view is still recorded above for Reset to consult.
		return
	}

	if snap.RobotState != s.robotState || snap.SafetyMode != s.safetyMode {
		s.logger.Debugf("Safety state reconciled: %s/%s -> %s/%s",
			s.robotState, s.safetyMode, snap.RobotState, snap.SafetyMode)
	}
	s.robotState = snap.RobotState
	s.safetyMode = snap.SafetyMode
}

// Reset clears the emergency latch. It is an explicit operator action and is
// only accepted once the confirmed hardware mode has left the stop family.
func (s *SafetyStateMachine) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.estopLatched {
		return fmt.Errorf("%w: no emergency stop latched", ErrMalformed)
	}
	if !s.confirmed || stopFamilyModes[s.confirmedMode] {
		return fmt.Errorf("%w: hardware still reports %s, reset the controller first",
			ErrSafetyViolation, s.confirmedMode)
	}

	s.estopLatched = false
	s.robotState = s.confirmedState
	s.safetyMode = s.confirmedMode
	s.logger.Infof("Emergency stop latch cleared, state %s/%s", s.robotState, s.safetyMode)
	return nil
}

// States returns the current (possibly optimistic) robot state and mode.
func (s *SafetyStateMachine) States() (RobotState, SafetyMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.robotState, s.safetyMode
}

// EstopLatched reports whether the local emergency latch is set.
func (s *SafetyStateMachine) EstopLatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estopLatched
}
