package api

import (
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

// Envelope is the wire frame for every WebSocket message, in both directions.
type Envelope struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// Envelope types.
const (
	TypeTelemetry     = "telemetry"
	TypeRobotStatus   = "robot_status"
	TypeChessUpdate   = "chess_update"
	TypeSessionUpdate = "session_update"
	TypeSystemAlert   = "system_alert"
	TypePing          = "ping"
	TypePong          = "pong"
)

// ErrorResponse carries both the stable user-facing message and the
// diagnostic detail.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ConnectRequest opens the robot link.
type ConnectRequest struct {
	SessionID string `json:"sessionId"`
}

// JogRequest is one incremental motion.
type JogRequest struct {
	SessionID string  `json:"sessionId"`
	Mode      string  `json:"mode"`
	Axis      string  `json:"axis"`
	Direction string  `json:"direction"`
	Distance  float64 `json:"distance"`
	Speed     float64 `json:"speed"`
}

// MoveRequest is an absolute move. Exactly one of Target or Joints is set.
type MoveRequest struct {
	SessionID string             `json:"sessionId"`
	Target    *robot.Pose        `json:"target,omitempty"`
	Joints    *robot.JointVector `json:"joints,omitempty"`
	Speed     float64            `json:"speed"`
	Accel     float64            `json:"accel"`
	Blend     float64            `json:"blend"`
}

// StopRequest halts motion; Emergency latches the safety machine.
type StopRequest struct {
	SessionID string `json:"sessionId"`
	Emergency bool   `json:"emergency"`
}

// AuthorizeRequest elevates a session by PIN.
type AuthorizeRequest struct {
	Pin string `json:"pin"`
}

// ChessMoveRequest asks the arm to play one move.
type ChessMoveRequest struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// SessionRequest identifies the calling session for simple operations.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
}
