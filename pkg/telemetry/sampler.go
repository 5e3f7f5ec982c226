package telemetry

import (
	"sync"
	"time"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

// SamplerConfig tunes the fixed-interval telemetry loop.
type SamplerConfig struct {
	// Interval between samples. Default 200ms.
	Interval time.Duration
	// StaleTicks is how many intervals without a confirmed pull before the
	// sample reports the robot disconnected. Default 3.
	StaleTicks int
}

// Sampler drives the telemetry loop: at each tick it pulls the freshest
// controller snapshot, feeds it to the safety machine, and publishes one
// immutable sample. A wire hiccup on one tick produces a stale-marked sample,
// never a blocked loop.
type Sampler struct {
	conn   *robot.ConnectionManager
	safety *robot.SafetyStateMachine
	bc     *Broadcaster
	cfg    SamplerConfig
	logger customlog.Logger

	mu       sync.Mutex
	lastTS   int64
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sampled  int64
	staleRun int
}

// NewSampler wires the loop; call Start to begin ticking.
func NewSampler(conn *robot.ConnectionManager, safety *robot.SafetyStateMachine, bc *Broadcaster, cfg SamplerConfig, logger customlog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.StaleTicks <= 0 {
		cfg.StaleTicks = 3
	}
	return &Sampler{
		conn:   conn,
		safety: safety,
		bc:     bc,
		cfg:    cfg,
		logger: logger,
	}
}

// Start launches the sampling loop.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.stopCh)
	s.logger.Infof("Telemetry sampler started, interval %s", s.cfg.Interval)
}

// Stop halts the loop and waits for it to exit.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Infof("Telemetry sampler stopped")
}

func (s *Sampler) loop(stopCh chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.bc.PublishTelemetry(s.SampleOnce())
		}
	}
}

// SampleOnce builds one sample from the current controller state. Exposed so
// the serving layer can answer a synchronous status query without waiting for
// the next tick.
func (s *Sampler) SampleOnce() robot.Telemetry {
	snap, fresh := s.conn.Pull()
	if fresh {
		s.safety.ApplyFeedback(snap)
	}

	state, mode := s.safety.States()

	s.mu.Lock()
	if fresh {
		s.staleRun = 0
	} else {
		s.staleRun++
	}
	stale := s.staleRun >= s.cfg.StaleTicks
	s.sampled++
	s.mu.Unlock()

	connState := s.conn.State()
	connected := s.conn.IsAlive() && !stale
	if stale && connState == robot.ConnConnected {
		connState = robot.ConnError
	}

	sample := robot.Telemetry{
		Timestamp:       s.nextTimestamp(),
		ConnectionState: connState,
		RobotState:      state,
		SafetyMode:      mode,
		TCPPose:         snap.TCPPose,
		JointPositions:  snap.Joints,
		JointVelocities: snap.JointVelocities,
		JointCurrents:   snap.JointCurrents,
		EmergencyStop:   state == robot.StateEmergencyStop || s.safety.EstopLatched(),
		ProtectiveStop:  state == robot.StateProtectiveStop,
		ProgramRunning:  snap.ProgramRunning && fresh,
		Connected:       connected,
		LastError:       snap.LastError,
	}
	return sample
}

// nextTimestamp guarantees strictly increasing timestamps even when the wall
// clock steps backwards or two samples land on the same millisecond.
func (s *Sampler) nextTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= s.lastTS {
		now = s.lastTS + 1
	}
	s.lastTS = now
	return now
}

// SampleCount reports how many samples were produced.
func (s *Sampler) SampleCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampled
}
