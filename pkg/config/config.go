package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/j-secco/ur10-kiosk-controller/pkg/chess"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
	"github.com/j-secco/ur10-kiosk-controller/pkg/session"
)

// Config represents the operational robot configuration. It is loaded from
// robot_config.yaml, editable through the config API, and persisted back.
type Config struct {
	Version     string `yaml:"version" json:"version"`
	ConfigID    string `yaml:"config_id" json:"config_id"`
	LastUpdated string `yaml:"lastUpdated" json:"lastUpdated"`
	RobotID     string `yaml:"robot_id" json:"robot_id"`

	Connection ConnectionConfig  `yaml:"connection" json:"connection"`
	Limits     LimitsConfig      `yaml:"limits" json:"limits"`
	Motion     MotionConfig      `yaml:"motion" json:"motion"`
	Telemetry  TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
	Session    SessionConfig     `yaml:"session" json:"session"`
	Board      chess.Calibration `yaml:"board" json:"board"`
}

// ConnectionConfig holds the robot link settings.
type ConnectionConfig struct {
	Hostname      string `yaml:"hostname" json:"hostname"`
	Port          int    `yaml:"port" json:"port"`
	TimeoutMs     int    `yaml:"timeout_ms" json:"timeout_ms"`
	RetryAttempts int    `yaml:"retry_attempts" json:"retry_attempts"`
	RetryDelayMs  int    `yaml:"retry_delay_ms" json:"retry_delay_ms"`
}

// LimitsConfig bounds motion targets.
type LimitsConfig struct {
	Workspace robot.WorkspaceLimits `yaml:"workspace" json:"workspace"`
	Joints    robot.JointLimits     `yaml:"joints" json:"joints"`
}

// MotionConfig holds speeds, defaults, reference poses and queueing policy.
// Policies are "reject" or "queue_one"; empty picks the executor defaults
// (jog rejects, move queues one).
type MotionConfig struct {
	MaxSpeed     float64    `yaml:"max_speed" json:"max_speed"`
	MaxAccel     float64    `yaml:"max_accel" json:"max_accel"`
	DefaultSpeed float64    `yaml:"default_speed" json:"default_speed"`
	DefaultAccel float64    `yaml:"default_accel" json:"default_accel"`
	JogDistance  float64    `yaml:"jog_distance" json:"jog_distance"`
	JogSpeed     float64    `yaml:"jog_speed" json:"jog_speed"`
	HomePose     robot.Pose `yaml:"home_pose" json:"home_pose"`
	SafeZ        float64    `yaml:"safe_z" json:"safe_z"`
	JogPolicy    string     `yaml:"jog_policy" json:"jog_policy"`
	MovePolicy   string     `yaml:"move_policy" json:"move_policy"`
}

// TelemetryConfig tunes the sampling loop and fan-out.
type TelemetryConfig struct {
	IntervalMs int `yaml:"interval_ms" json:"interval_ms"`
	StaleTicks int `yaml:"stale_ticks" json:"stale_ticks"`
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
}

// SessionConfig holds access PINs and lifecycle timing. PINs map to role
// names: operator, supervisor or admin.
type SessionConfig struct {
	Pins               map[string]string `yaml:"pins" json:"-"`
	InactivityTimeoutS int               `yaml:"inactivity_timeout_s" json:"inactivity_timeout_s"`
	SweepIntervalS     int               `yaml:"sweep_interval_s" json:"sweep_interval_s"`
	EventLogSize       int               `yaml:"event_log_size" json:"event_log_size"`
}

// LoadConfig loads configuration from the specified file path and applies
// environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects configurations the motion layer cannot safely use.
func (c *Config) Validate() error {
	if c.Connection.Hostname == "" {
		return fmt.Errorf("missing required field: connection.hostname")
	}
	if c.Connection.Port <= 0 {
		return fmt.Errorf("connection.port must be positive")
	}
	if c.Motion.MaxSpeed <= 0 {
		return fmt.Errorf("motion.max_speed must be positive")
	}
	w := c.Limits.Workspace
	if w.Min.X >= w.Max.X || w.Min.Y >= w.Max.Y || w.Min.Z >= w.Max.Z {
		return fmt.Errorf("limits.workspace min must be strictly below max on every axis")
	}
	if !validQueuePolicy(c.Motion.JogPolicy) {
		return fmt.Errorf("motion.jog_policy: unknown queue policy %q", c.Motion.JogPolicy)
	}
	if !validQueuePolicy(c.Motion.MovePolicy) {
		return fmt.Errorf("motion.move_policy: unknown queue policy %q", c.Motion.MovePolicy)
	}
	for pin, role := range c.Session.Pins {
		switch session.Role(role) {
		case session.RoleOperator, session.RoleSupervisor, session.RoleAdmin:
		default:
			return fmt.Errorf("session.pins: PIN %q maps to unknown role %q", pin, role)
		}
	}
	return c.Board.Validate()
}

func validQueuePolicy(p string) bool {
	switch robot.QueuePolicy(p) {
	case "", robot.PolicyReject, robot.PolicyQueueOne:
		return true
	}
	return false
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UR10_HOSTNAME"); v != "" {
		c.Connection.Hostname = v
	}
	if v := os.Getenv("UR10_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Connection.Port = port
		}
	}
}

// RobotConnection converts to the motion layer's connection settings.
func (c *Config) RobotConnection() robot.ConnectionConfig {
	return robot.ConnectionConfig{
		Hostname:      c.Connection.Hostname,
		Port:          c.Connection.Port,
		Timeout:       msOrDefault(c.Connection.TimeoutMs, 5000),
		RetryAttempts: c.Connection.RetryAttempts,
		RetryDelay:    msOrDefault(c.Connection.RetryDelayMs, 1000),
	}
}

// MotionLimits converts to the motion layer's limit set.
func (c *Config) MotionLimits() robot.MotionLimits {
	return robot.MotionLimits{
		Workspace: c.Limits.Workspace,
		Joints:    c.Limits.Joints,
	}
}

// MotionParams converts to the executor's parameter block.
func (c *Config) MotionParams() robot.Parameters {
	return robot.Parameters{
		MaxSpeed:     c.Motion.MaxSpeed,
		MaxAccel:     c.Motion.MaxAccel,
		DefaultSpeed: c.Motion.DefaultSpeed,
		DefaultAccel: c.Motion.DefaultAccel,
		JogDistance:  c.Motion.JogDistance,
		JogSpeed:     c.Motion.JogSpeed,
		HomePose:     c.Motion.HomePose,
		SafeZ:        c.Motion.SafeZ,
	}
}

// ExecutorConfig converts to the executor's full configuration. Empty
// policies fall back to the executor's own defaults.
func (c *Config) ExecutorConfig() robot.ExecutorConfig {
	return robot.ExecutorConfig{
		Limits:     c.MotionLimits(),
		Params:     c.MotionParams(),
		JogPolicy:  robot.QueuePolicy(c.Motion.JogPolicy),
		MovePolicy: robot.QueuePolicy(c.Motion.MovePolicy),
	}
}

// SessionGate converts to the session layer's settings.
func (c *Config) SessionGate() session.Config {
	pins := make(map[string]session.Role, len(c.Session.Pins))
	for pin, role := range c.Session.Pins {
		pins[pin] = session.Role(role)
	}
	return session.Config{
		Pins:              pins,
		InactivityTimeout: time.Duration(c.Session.InactivityTimeoutS) * time.Second,
		SweepInterval:     time.Duration(c.Session.SweepIntervalS) * time.Second,
		EventLogSize:      c.Session.EventLogSize,
	}
}

// TelemetryInterval returns the sampling interval with its default applied.
func (c *Config) TelemetryInterval() time.Duration {
	return msOrDefault(c.Telemetry.IntervalMs, 200)
}

func msOrDefault(ms, def int) time.Duration {
	if ms <= 0 {
		ms = def
	}
	return time.Duration(ms) * time.Millisecond
}
