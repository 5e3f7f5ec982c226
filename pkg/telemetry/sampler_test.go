package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

func newSamplerRig(t *testing.T) (*robot.MockDriver, *robot.ConnectionManager, *robot.SafetyStateMachine, *Broadcaster, *Sampler) {
	t.Helper()
	logger := testLogger(t)

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
	bc := NewBroadcaster(16, logger)
	sampler := NewSampler(conn, safety, bc, SamplerConfig{
		Interval:   10 * time.Millisecond,
		StaleTicks: 2,
	}, logger)
	return driver, conn, safety, bc, sampler
}

func TestSampleFeedsSafetyMachine(t *testing.T) {
	_, _, safety, _, sampler := newSamplerRig(t)

	// Before the first sample the machine still holds its pessimistic view.
	require.Error(t, safety.Gate())

	sample := sampler.SampleOnce()
	require.Equal(t, robot.StateIdle, sample.RobotState)
	require.Equal(t, robot.SafetyNormal, sample.SafetyMode)
	require.True(t, sample.Connected)
	require.NoError(t, safety.Gate())
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	_, _, _, _, sampler := newSamplerRig(t)

	var last int64
	for i := 0; i < 50; i++ {
		sample := sampler.SampleOnce()
		require.Greater(t, sample.Timestamp, last)
		last = sample.Timestamp
	}
}

func TestStaleSamplesReportDisconnected(t *testing.T) {
	driver, _, _, _, sampler := newSamplerRig(t)

	fresh := sampler.SampleOnce()
	require.True(t, fresh.Connected)

	// Kill the wire; two consecutive failed pulls cross the stale threshold.
	driver.Disconnect()
	driver.FailConnects = 1 << 20

	first := sampler.SampleOnce()
	_ = first // one miss is not yet stale
	second := sampler.SampleOnce()
	require.False(t, second.Connected)
	require.Equal(t, robot.ConnError, second.ConnectionState)

	// The stale sample still carries the last known pose.
	require.Equal(t, fresh.TCPPose, second.TCPPose)
}

func TestEmergencyStopFlagInSamples(t *testing.T) {
	_, _, safety, _, sampler := newSamplerRig(t)

	sampler.SampleOnce()
	safety.NoteEmergencyStop()

	sample := sampler.SampleOnce()
	require.True(t, sample.EmergencyStop)
	require.Equal(t, robot.StateEmergencyStop, sample.RobotState)
}

func TestSamplerLoopPublishes(t *testing.T) {
	_, _, _, bc, sampler := newSamplerRig(t)

	sub := bc.Subscribe(ChannelTelemetry)
	defer bc.Unsubscribe(sub)

	sampler.Start()
	defer sampler.Stop()

	deadline := time.After(2 * time.Second)
	seen := 0
	for seen < 3 {
		select {
		case <-sub.C:
			seen++
		case <-deadline:
			t.Fatalf("only %d samples arrived before deadline", seen)
		}
	}
	require.GreaterOrEqual(t, sampler.SampleCount(), int64(3))
}
