package chess

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
	"github.com/j-secco/ur10-kiosk-controller/pkg/session"
	"github.com/j-secco/ur10-kiosk-controller/pkg/telemetry"
)

type rig struct {
	driver       *robot.MockDriver
	gate         *session.Gate
	bc           *telemetry.Broadcaster
	orchestrator *Orchestrator
	sessionID    string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger, err := customlog.NewLogrusLogger("error", "")
	require.NoError(t, err)

	// The stock mock detects contact at the descent target, so piece pickup
	// works exactly as it does in hardware-free deployments.
	driver := robot.NewMockDriver()

	conn := robot.NewConnectionManager(driver, robot.ConnectionConfig{
		Hostname:      "test",
		Port:          30002,
		Timeout:       time.Second,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	}, logger)
	require.NoError(t, conn.Connect(context.Background()))

	safety := robot.NewSafetyStateMachine(logger)
	snap, _ := conn.Pull()
	safety.ApplyFeedback(snap)

	exec := robot.NewMotionExecutor(conn, safety, robot.ExecutorConfig{
		Limits: robot.MotionLimits{
			Workspace: robot.WorkspaceLimits{
				Min: robot.Vector3{X: -0.8, Y: -0.8, Z: 0.0},
				Max: robot.Vector3{X: 0.8, Y: 0.8, Z: 0.6},
			},
			Joints: robot.JointLimits{
				Min: robot.JointsFromArray([6]float64{-6.28, -6.28, -3.14, -6.28, -6.28, -6.28}),
				Max: robot.JointsFromArray([6]float64{6.28, 6.28, 3.14, 6.28, 6.28, 6.28}),
			},
		},
		Params: robot.Parameters{
			MaxSpeed:     0.5,
			MaxAccel:     1.2,
			DefaultSpeed: 0.25,
			DefaultAccel: 0.8,
			HomePose:     robot.Pose{X: 0.3, Z: 0.3},
			SafeZ:        0.35,
		},
	}, logger)

	gate := session.NewGate(session.Config{
		Pins:              map[string]session.Role{"1234": session.RoleOperator},
		InactivityTimeout: time.Minute,
	}, logger)
	s := gate.Open()
	_, err = gate.Authorize(s.ID, "1234")
	require.NoError(t, err)
	require.NoError(t, gate.AcquireControl(s.ID))

	bc := telemetry.NewBroadcaster(64, logger)

	orch, err := NewOrchestrator(exec, gate, bc, DefaultCalibration(), logger)
	require.NoError(t, err)

	return &rig{
		driver:       driver,
		gate:         gate,
		bc:           bc,
		orchestrator: orch,
		sessionID:    s.ID,
	}
}

func TestSimpleMove(t *testing.T) {
	r := newRig(t)

	result, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
	require.NoError(t, err)
	require.Equal(t, "P", result.Piece)
	require.False(t, result.Capture)
	require.Equal(t, 8, result.Steps)

	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "", board["e2"])
	require.Equal(t, "P", board["e4"])
	require.Equal(t, 1, r.orchestrator.MoveCount())
}

func TestCaptureRemovesToBinFirst(t *testing.T) {
	r := newRig(t)

	sub := r.bc.Subscribe(telemetry.ChannelJob)
	defer r.bc.Unsubscribe(sub)

	// Contrived but legal for the executor: white pawn takes the e7 pawn.
	result, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e7"})
	require.NoError(t, err)
	require.True(t, result.Capture)
	require.Equal(t, 14, result.Steps)

	// The captured piece leaves the board before the mover arrives.
	var steps []string
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case ev := <-sub.C:
			if ev.Type == "move_progress" {
				data := ev.Data.(map[string]interface{})
				steps = append(steps, data["step"].(string))
			} else if ev.Type == "move_completed" {
				break collect
			}
		case <-deadline:
			t.Fatal("job events never completed")
		}
	}
	require.Equal(t, "approach_captured", steps[0])
	require.Contains(t, steps, "transit_bin")
	binIdx, fromIdx := indexOf(steps, "transit_bin"), indexOf(steps, "approach_from")
	require.Less(t, binIdx, fromIdx)

	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "P", board["e7"])
	require.Equal(t, "", board["e2"])
}

func indexOf(steps []string, name string) int {
	for i, s := range steps {
		if s == name {
			return i
		}
	}
	return -1
}

func TestMoveRejectsEmptySquare(t *testing.T) {
	r := newRig(t)

	_, err := r.orchestrator.Execute(r.sessionID, Move{From: "e4", To: "e5"})
	require.True(t, errors.Is(err, robot.ErrMalformed))
	require.Equal(t, 0, r.orchestrator.MoveCount())
}

func TestMoveRejectsOwnPieceCapture(t *testing.T) {
	r := newRig(t)

	_, err := r.orchestrator.Execute(r.sessionID, Move{From: "d1", To: "d2"})
	require.True(t, errors.Is(err, robot.ErrMalformed))
}

func TestMoveRequiresControl(t *testing.T) {
	r := newRig(t)

	other := r.gate.Open()
	_, err := r.orchestrator.Execute(other.ID, Move{From: "e2", To: "e4"})
	require.True(t, errors.Is(err, robot.ErrSessionConflict))

	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "P", board["e2"])
}

func TestForceTimeoutAbortsWithoutCommit(t *testing.T) {
	r := newRig(t)
	// Contact never detected: the first descent times out.
	r.driver.ContactAt = math.NaN()

	_, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
	require.True(t, errors.Is(err, robot.ErrForceControlTimeout))

	// Logical board unchanged; the next move may retry.
	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "P", board["e2"])
	require.Equal(t, "", board["e4"])
	require.Equal(t, 0, r.orchestrator.MoveCount())

	r.driver.ContactAt = 0.2
	_, err = r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
	require.NoError(t, err)
}

func TestLostControlStopsSequence(t *testing.T) {
	r := newRig(t)
	r.driver.MoveDuration = 30 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
		done <- err
	}()

	// Yank control partway through the sequence.
	time.Sleep(45 * time.Millisecond)
	require.NoError(t, r.gate.ReleaseControl(r.sessionID))

	err := <-done
	require.True(t, errors.Is(err, robot.ErrSessionConflict))

	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "P", board["e2"])
	require.Equal(t, 0, r.orchestrator.MoveCount())
}

func TestEmergencyStopAbortsSequence(t *testing.T) {
	r := newRig(t)
	r.driver.MoveDuration = 30 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
		done <- err
	}()

	time.Sleep(45 * time.Millisecond)
	r.driver.Stop(true)

	err := <-done
	require.Error(t, err)

	require.Equal(t, 0, r.orchestrator.MoveCount())
	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "P", board["e2"])
}

func TestSingleMoveAtATime(t *testing.T) {
	r := newRig(t)
	r.driver.MoveDuration = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		_, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := r.orchestrator.Execute(r.sessionID, Move{From: "d2", To: "d4"})
	require.True(t, errors.Is(err, robot.ErrBusy))
	require.NoError(t, <-done)
}

func TestNewGameResetsBoard(t *testing.T) {
	r := newRig(t)

	_, err := r.orchestrator.Execute(r.sessionID, Move{From: "e2", To: "e4"})
	require.NoError(t, err)
	require.Equal(t, 1, r.orchestrator.MoveCount())

	require.NoError(t, r.orchestrator.NewGame())
	require.Equal(t, 0, r.orchestrator.MoveCount())
	board := r.orchestrator.BoardSnapshot()
	require.Equal(t, "P", board["e2"])
	require.Equal(t, "", board["e4"])
}
