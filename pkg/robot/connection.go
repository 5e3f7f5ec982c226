package robot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
)

// ConnectionConfig holds the parameters for the link to the arm controller.
type ConnectionConfig struct {
	Hostname      string
	Port          int
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// ConnectionManager owns the lifecycle of the single physical link to the
// arm. It serializes outbound commands, caches the latest raw snapshot so
// telemetry sampling never blocks on the wire, and reconnects in the
// background after link loss.
type ConnectionManager struct {
	driver Driver
	cfg    ConnectionConfig
	logger customlog.Logger

	mu             sync.Mutex
	state          ConnectionState
	lastSnapshot   Snapshot
	haveSnapshot   bool
	lastSnapshotAt time.Time
	reconnecting   bool
	closed         bool

	// sendMu enforces a single outbound command at a time; emergency stop
	// deliberately bypasses it (the Driver contract makes Stop preemptive).
	sendMu sync.Mutex
}

// NewConnectionManager wraps a driver. The manager starts disconnected.
func NewConnectionManager(driver Driver, cfg ConnectionConfig, logger customlog.Logger) *ConnectionManager {
	return &ConnectionManager{
		driver: driver,
		cfg:    cfg,
		logger: logger,
		state:  ConnDisconnected,
	}
}

// Connect attempts a handshake within the configured timeout, retrying up to
// RetryAttempts with linearly increasing delay before reporting failure.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == ConnConnected {
		m.mu.Unlock()
		return nil
	}
	m.state = ConnConnecting
	m.mu.Unlock()

	attempts := m.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		err := m.driver.Connect(attemptCtx, m.cfg.Hostname, m.cfg.Port)
		cancel()

		if err == nil {
			m.mu.Lock()
			m.state = ConnConnected
			m.mu.Unlock()
			m.logger.Infof("Connected to robot at %s:%d (attempt %d)", m.cfg.Hostname, m.cfg.Port, attempt)
			return nil
		}

		lastErr = err
		m.logger.Warnf("Connect attempt %d/%d to %s:%d failed: %v",
			attempt, attempts, m.cfg.Hostname, m.cfg.Port, err)

		if attempt < attempts {
			select {
			case <-time.After(m.cfg.RetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				m.setState(ConnError)
				return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
			}
		}
	}

	m.setState(ConnError)
	return fmt.Errorf("%w: %d attempts to %s:%d exhausted: %v",
		ErrConnection, attempts, m.cfg.Hostname, m.cfg.Port, lastErr)
}

// Disconnect tears the link down and stops background reconnection.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	if err := m.driver.Disconnect(); err != nil {
		m.logger.Warnf("Error disconnecting driver: %v", err)
	}
	m.setState(ConnDisconnected)
	m.logger.Infof("Robot link closed")
}

// IsAlive reports whether the link is currently usable.
func (m *ConnectionManager) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == ConnConnected && m.driver.Connected()
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pull returns the freshest raw controller snapshot. On wire failure it
// returns the last known (stale) snapshot, flips the state to error, and
// kicks off a background reconnect so telemetry sampling is never blocked.
func (m *ConnectionManager) Pull() (Snapshot, bool) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state == ConnConnected {
		snap, err := m.driver.Snapshot()
		if err == nil {
			m.mu.Lock()
			m.lastSnapshot = snap
			m.haveSnapshot = true
			m.lastSnapshotAt = time.Now()
			m.mu.Unlock()
			return snap, true
		}
		m.logger.Warnf("Snapshot pull failed, link considered lost: %v", err)
		m.onLinkLoss()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveSnapshot {
		return Snapshot{RobotState: StatePowerOff, SafetyMode: SafetyUndefined}, false
	}
	// Stale copy; caller decides how stale is too stale.
	return m.lastSnapshot, false
}

// LastSnapshotAge reports how long ago a confirmed sample arrived.
func (m *ConnectionManager) LastSnapshotAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.haveSnapshot {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(m.lastSnapshotAt)
}

// Do runs one outbound command against the driver, one at a time. Wire
// failures flip the link into error state and start background reconnection.
func (m *ConnectionManager) Do(fn func(Driver) error) error {
	if !m.IsAlive() {
		return fmt.Errorf("%w: robot link is down", ErrConnection)
	}

	m.sendMu.Lock()
	err := fn(m.driver)
	m.sendMu.Unlock()

	if err != nil && errors.Is(err, ErrConnection) {
		m.logger.Warnf("Command transmission failed, link considered lost: %v", err)
		m.onLinkLoss()
	}
	return err
}

// DoUrgent runs a command without waiting for the single-command slot. Only
// the stop path uses it.
func (m *ConnectionManager) DoUrgent(fn func(Driver) error) error {
	return fn(m.driver)
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// onLinkLoss marks the link broken and spawns one background reconnector.
func (m *ConnectionManager) onLinkLoss() {
	m.mu.Lock()
	if m.closed || m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.state = ConnError
	m.reconnecting = true
	m.mu.Unlock()

	go m.reconnectLoop()
}

func (m *ConnectionManager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	delay := m.cfg.RetryDelay
	for {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		time.Sleep(delay)
		if delay < 30*time.Second {
			delay *= 2
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout)
		err := m.driver.Connect(ctx, m.cfg.Hostname, m.cfg.Port)
		cancel()
		if err == nil {
			m.setState(ConnConnected)
			m.logger.Infof("Robot link re-established to %s:%d", m.cfg.Hostname, m.cfg.Port)
			return
		}
		m.logger.Debugf("Background reconnect failed: %v", err)
	}
}
