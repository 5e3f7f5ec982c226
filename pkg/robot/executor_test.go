package robot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLimits() MotionLimits {
	return MotionLimits{
		Workspace: WorkspaceLimits{
			Min: Vector3{X: -0.8, Y: -0.8, Z: 0.0},
			Max: Vector3{X: 0.8, Y: 0.8, Z: 0.6},
		},
		Joints: JointLimits{
			Min: JointsFromArray([6]float64{-6.28, -6.28, -3.14, -6.28, -6.28, -6.28}),
			Max: JointsFromArray([6]float64{6.28, 6.28, 3.14, 6.28, 6.28, 6.28}),
		},
	}
}

func testParams() Parameters {
	return Parameters{
		MaxSpeed:     0.5,
		MaxAccel:     1.2,
		DefaultSpeed: 0.25,
		DefaultAccel: 0.8,
		JogDistance:  0.01,
		JogSpeed:     0.1,
		HomePose:     Pose{X: 0.3, Y: 0.0, Z: 0.3},
		SafeZ:        0.35,
	}
}

// newTestRig brings up a connected mock with the gate open.
func newTestRig(t *testing.T) (*MockDriver, *ConnectionManager, *SafetyStateMachine, *MotionExecutor) {
	t.Helper()
	logger := testLogger(t)

	driver := NewMockDriver()
	conn := NewConnectionManager(driver, ConnectionConfig{
		Hostname:      "test",
		Port:          30002,
		Timeout:       time.Second,
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
	}, logger)
	require.NoError(t, conn.Connect(context.Background()))

	safety := NewSafetyStateMachine(logger)
	snap, fresh := conn.Pull()
	require.True(t, fresh)
	safety.ApplyFeedback(snap)
	require.NoError(t, safety.Gate())

	exec := NewMotionExecutor(conn, safety, ExecutorConfig{
		Limits: testLimits(),
		Params: testParams(),
	}, logger)
	return driver, conn, safety, exec
}

func TestJogTransmitsExactlyOnce(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	// Mock parks at (0.3, 0, 0.3); a +x jog of 0.01 lands on (0.31, 0, 0.3).
	err := exec.Jog(JogTCP, AxisX, JogPositive, 0.01, 0)
	require.NoError(t, err)
	require.Equal(t, 1, driver.MoveCount())

	pose := driver.Pose()
	require.InDelta(t, 0.31, pose.X, 1e-9)
	require.InDelta(t, 0.0, pose.Y, 1e-9)
	require.InDelta(t, 0.3, pose.Z, 1e-9)
}

func TestJogJointSpace(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	err := exec.Jog(JogJoint, AxisBase, JogNegative, 0.1, 0)
	require.NoError(t, err)
	require.Equal(t, 1, driver.MoveCount())
}

func TestJogRejectsMixedAxes(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	err := exec.Jog(JogTCP, AxisBase, JogPositive, 0.01, 0)
	require.True(t, errors.Is(err, ErrMalformed))

	err = exec.Jog(JogJoint, AxisX, JogPositive, 0.01, 0)
	require.True(t, errors.Is(err, ErrMalformed))

	require.Equal(t, 0, driver.MoveCount())
}

func TestLimitViolationNeverTransmits(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	err := exec.MoveTo(Pose{X: 2.0, Y: 0, Z: 0.3}, 0, 0, 0)
	require.True(t, errors.Is(err, ErrWorkspaceLimit))

	err = exec.MoveJoints(JointsFromArray([6]float64{0, 0, 5.0, 0, 0, 0}), 0, 0)
	require.True(t, errors.Is(err, ErrJointLimit))

	// A jog that would step outside the cuboid is rejected on the computed
	// target, before anything reaches the wire.
	err = exec.Jog(JogTCP, AxisZ, JogPositive, 0.5, 0)
	require.True(t, errors.Is(err, ErrWorkspaceLimit))

	require.Equal(t, 0, driver.MoveCount())
}

func TestGateClosedRejectsMotion(t *testing.T) {
	driver, _, safety, exec := newTestRig(t)

	safety.ApplyFeedback(Snapshot{RobotState: StateProtectiveStop, SafetyMode: SafetyProtectiveStop})

	err := exec.MoveTo(Pose{X: 0.3, Y: 0, Z: 0.3}, 0, 0, 0)
	require.True(t, errors.Is(err, ErrSafetyViolation))
	require.Equal(t, 0, driver.MoveCount())
}

func TestStopAlwaysAccepted(t *testing.T) {
	driver, _, safety, exec := newTestRig(t)

	// Even with the gate closed, stop goes through.
	safety.ApplyFeedback(Snapshot{RobotState: StateFault, SafetyMode: SafetyFault})
	require.NoError(t, exec.Stop(false))
	require.NoError(t, exec.Stop(true))
	require.Equal(t, 0, driver.MoveCount())
	require.True(t, safety.EstopLatched())
}

func TestJogRejectedWhileBusy(t *testing.T) {
	driver, _, _, exec := newTestRig(t)
	driver.MoveDuration = 100 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- exec.MoveTo(Pose{X: 0.4, Y: 0, Z: 0.3}, 0, 0, 0)
	}()

	// Wait until the move occupies the slot.
	require.Eventually(t, func() bool {
		return driver.MoveCount() == 1
	}, time.Second, time.Millisecond)

	err := exec.Jog(JogTCP, AxisX, JogPositive, 0.01, 0)
	require.True(t, errors.Is(err, ErrBusy))
	require.NoError(t, <-done)
}

func TestMoveQueuesBehindOne(t *testing.T) {
	driver, _, _, exec := newTestRig(t)
	driver.MoveDuration = 50 * time.Millisecond

	first := make(chan error, 1)
	go func() {
		first <- exec.MoveTo(Pose{X: 0.4, Y: 0, Z: 0.3}, 0, 0, 0)
	}()
	require.Eventually(t, func() bool {
		return driver.MoveCount() == 1
	}, time.Second, time.Millisecond)

	// Second move parks in the queue slot and runs after the first.
	second := make(chan error, 1)
	go func() {
		second <- exec.MoveTo(Pose{X: 0.35, Y: 0, Z: 0.3}, 0, 0, 0)
	}()

	require.NoError(t, <-first)
	require.NoError(t, <-second)
	require.Equal(t, 2, driver.MoveCount())
}

func TestQueueSlotHoldsOnlyOne(t *testing.T) {
	driver, _, _, exec := newTestRig(t)
	driver.MoveDuration = 100 * time.Millisecond

	first := make(chan error, 1)
	go func() {
		first <- exec.MoveTo(Pose{X: 0.4, Y: 0, Z: 0.3}, 0, 0, 0)
	}()
	require.Eventually(t, func() bool {
		return driver.MoveCount() == 1
	}, time.Second, time.Millisecond)

	second := make(chan error, 1)
	go func() {
		second <- exec.MoveTo(Pose{X: 0.35, Y: 0, Z: 0.3}, 0, 0, 0)
	}()
	// Let the second occupy the queue slot.
	time.Sleep(20 * time.Millisecond)

	third := exec.MoveTo(Pose{X: 0.32, Y: 0, Z: 0.3}, 0, 0, 0)
	require.True(t, errors.Is(third, ErrBusy))

	require.NoError(t, <-first)
	require.NoError(t, <-second)
}

func TestEmergencyStopCancelsQueued(t *testing.T) {
	driver, _, _, exec := newTestRig(t)
	driver.MoveDuration = 200 * time.Millisecond

	first := make(chan error, 1)
	go func() {
		first <- exec.MoveTo(Pose{X: 0.4, Y: 0, Z: 0.3}, 0, 0, 0)
	}()
	require.Eventually(t, func() bool {
		return driver.MoveCount() == 1
	}, time.Second, time.Millisecond)

	queued := make(chan error, 1)
	go func() {
		queued <- exec.MoveTo(Pose{X: 0.35, Y: 0, Z: 0.3}, 0, 0, 0)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, exec.Stop(true))

	err := <-queued
	require.True(t, errors.Is(err, ErrSafetyViolation))
	<-first

	// Only the first move ever reached the wire.
	require.Equal(t, 1, driver.MoveCount())
}

func TestHomeConverges(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	require.NoError(t, exec.MoveTo(Pose{X: 0.4, Y: 0.1, Z: 0.2}, 0, 0, 0))
	require.NoError(t, exec.Home(0, 0))
	require.Equal(t, testParams().HomePose, driver.Pose())

	// Homing again is a no-op in effect: same target, same result.
	require.NoError(t, exec.Home(0, 0))
	require.Equal(t, testParams().HomePose, driver.Pose())
}

func TestSafeZLifts(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	require.NoError(t, exec.MoveTo(Pose{X: 0.4, Y: 0.1, Z: 0.1}, 0, 0, 0))
	require.NoError(t, exec.SafeZ())

	pose := driver.Pose()
	require.InDelta(t, 0.4, pose.X, 1e-9)
	require.InDelta(t, 0.1, pose.Y, 1e-9)
	require.InDelta(t, 0.35, pose.Z, 1e-9)
}

func TestSpeedClamping(t *testing.T) {
	exec := NewMotionExecutor(nil, nil, ExecutorConfig{
		Limits: testLimits(),
		Params: testParams(),
	}, testLogger(t))

	require.Equal(t, 0.5, exec.clampSpeed(2.0, 0.25))
	require.Equal(t, 0.3, exec.clampSpeed(0.3, 0.25))
	require.Equal(t, 0.25, exec.clampSpeed(0, 0.25))
	require.Equal(t, 1.2, exec.clampAccel(9.9))
	require.Equal(t, 0.8, exec.clampAccel(-1))
}

func TestForceDescendDefaultFindsContact(t *testing.T) {
	driver, _, _, exec := newTestRig(t)

	// An out-of-the-box mock must detect contact at the requested target so
	// force-controlled pickup works without per-deployment tuning.
	err := exec.ForceDescend(ForceRequest{
		Target:          Pose{X: 0.3, Y: 0, Z: 0.047},
		SelectionVector: [6]int{0, 0, 1, 0, 0, 0},
		TargetForce:     -10,
		MaxDuration:     10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.InDelta(t, 0.047, driver.Pose().Z, 1e-9)
}

func TestForceDescendTimeout(t *testing.T) {
	driver, _, _, exec := newTestRig(t)
	driver.ContactAt = -1.0 // board far below anything reachable

	err := exec.ForceDescend(ForceRequest{
		Target:          Pose{X: 0.3, Y: 0, Z: 0.1},
		SelectionVector: [6]int{0, 0, 1, 0, 0, 0},
		TargetForce:     -10,
		MaxDuration:     10 * time.Millisecond,
	})
	require.True(t, errors.Is(err, ErrForceControlTimeout))
}

func TestConcurrentJogsOnlyOneWins(t *testing.T) {
	driver, _, _, exec := newTestRig(t)
	driver.MoveDuration = 50 * time.Millisecond

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = exec.Jog(JogTCP, AxisX, JogPositive, 0.001, 0)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
		} else {
			require.True(t, errors.Is(err, ErrBusy))
		}
	}
	require.Equal(t, accepted, driver.MoveCount())
	require.GreaterOrEqual(t, accepted, 1)
}
