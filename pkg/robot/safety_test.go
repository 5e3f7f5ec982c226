package robot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
)

func testLogger(t *testing.T) customlog.Logger {
	t.Helper()
	logger, err := customlog.NewLogrusLogger("error", "")
	require.NoError(t, err)
	return logger
}

func TestGateStartsClosed(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))

	err := s.Gate()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSafetyViolation))
}

func TestGateOpensOnNormalIdle(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))

	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})
	require.NoError(t, s.Gate())

	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyReduced})
	require.NoError(t, s.Gate())
}

func TestGateBlocksStopStates(t *testing.T) {
	blocked := []RobotState{
		StateEmergencyStop, StateProtectiveStop, StateSafeguardStop,
		StateViolation, StateFault, StateError,
		StatePowerOff, StateBooting, StateUpdatingFirmware,
	}
	for _, state := range blocked {
		s := NewSafetyStateMachine(testLogger(t))
		s.ApplyFeedback(Snapshot{RobotState: state, SafetyMode: SafetyNormal})
		require.Error(t, s.Gate(), "state %s should block motion", state)
	}
}

func TestOptimisticEmergencyStop(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))
	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})
	require.NoError(t, s.Gate())

	// The latch takes effect before any hardware confirmation arrives.
	s.NoteEmergencyStop()
	require.Error(t, s.Gate())
	require.True(t, s.EstopLatched())

	state, mode := s.States()
	require.Equal(t, StateEmergencyStop, state)
	require.Equal(t, SafetySystemEmergencyStop, mode)
}

func TestLatchSurvivesFeedback(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))
	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})
	s.NoteEmergencyStop()

	// Telemetry may lag and still report the pre-stop state; the local latch
	// must not be overwritten by it.
	s.ApplyFeedback(Snapshot{RobotState: StateRunning, SafetyMode: SafetyNormal})
	require.Error(t, s.Gate())
	require.True(t, s.EstopLatched())
}

func TestResetRequiresConfirmedRecovery(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))
	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})
	s.NoteEmergencyStop()

	// Hardware still in the stop family: reset refused.
	s.ApplyFeedback(Snapshot{RobotState: StateEmergencyStop, SafetyMode: SafetyRobotEmergencyStop})
	require.Error(t, s.Reset())
	require.True(t, s.EstopLatched())

	// Hardware recovered: reset accepted, gate reopens.
	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})
	require.NoError(t, s.Reset())
	require.False(t, s.EstopLatched())
	require.NoError(t, s.Gate())
}

func TestResetWithoutLatch(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))
	err := s.Reset()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestNoteCommandAccepted(t *testing.T) {
	s := NewSafetyStateMachine(testLogger(t))
	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})

	s.NoteCommandAccepted()
	state, _ := s.States()
	require.Equal(t, StateRunning, state)

	// Confirmed feedback reconciles the optimistic RUNNING back to reality.
	s.ApplyFeedback(Snapshot{RobotState: StateIdle, SafetyMode: SafetyNormal})
	state, _ = s.States()
	require.Equal(t, StateIdle, state)
}
