package chess

import (
	"fmt"
	"strings"
	"sync"
	"time"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
	"github.com/j-secco/ur10-kiosk-controller/pkg/session"
	"github.com/j-secco/ur10-kiosk-controller/pkg/telemetry"
)

// Force-descent parameters for piece pickup. Compliance only on Z; the
// descent presses down gently until the gripper meets the piece.
var pieceSelectionVector = [6]int{0, 0, 1, 0, 0, 0}

const (
	pieceContactForce   = -10.0 // newtons, downward
	pieceContactTimeout = 2 * time.Second
	// gripFraction is where on the piece height the gripper closes.
	gripFraction = 0.6
)

// Move is one requested chess move in algebraic square coordinates.
// Capture and the moving piece are derived from the logical board, not
// trusted from the client.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// MoveResult reports a completed or failed move.
type MoveResult struct {
	Move     Move   `json:"move"`
	Piece    string `json:"piece"`
	Capture  bool   `json:"capture"`
	Steps    int    `json:"steps"`
	Duration string `json:"duration"`
}

type planStep struct {
	name string
	run  func() error
}

// Orchestrator turns chess moves into motion sequences. One move runs at a
// time; the session gate is re-checked between every step so a lost session
// stops the sequence at the next step boundary, and the logical board is only
// committed after the physical sequence completes.
type Orchestrator struct {
	exec   *robot.MotionExecutor
	gate   *session.Gate
	bc     *telemetry.Broadcaster
	logger customlog.Logger

	mu         sync.Mutex
	cal        Calibration
	board      *Board
	inProgress bool
	moveCount  int
}

// NewOrchestrator starts with a fresh game on the given calibration.
func NewOrchestrator(exec *robot.MotionExecutor, gate *session.Gate, bc *telemetry.Broadcaster, cal Calibration, logger customlog.Logger) (*Orchestrator, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		exec:   exec,
		gate:   gate,
		bc:     bc,
		logger: logger,
		cal:    cal,
		board:  NewBoard(),
	}, nil
}

// NewGame resets the logical board to the starting position. Rejected while a
// move is executing.
func (o *Orchestrator) NewGame() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inProgress {
		return fmt.Errorf("%w: a move is executing", robot.ErrBusy)
	}
	o.board = NewBoard()
	o.moveCount = 0
	o.logger.Infof("New game started")
	o.publishJob("game_started", map[string]interface{}{})
	return nil
}

// SetCalibration swaps the board calibration. Rejected mid-move.
func (o *Orchestrator) SetCalibration(cal Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inProgress {
		return fmt.Errorf("%w: a move is executing", robot.ErrBusy)
	}
	o.cal = cal
	return nil
}

// Calibration returns the active board calibration.
func (o *Orchestrator) Calibration() Calibration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cal
}

// BoardSnapshot returns the logical occupancy.
func (o *Orchestrator) BoardSnapshot() map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.board.Snapshot()
}

// Execute runs one move end to end: optional capture removal to the bin, then
// pick, transit and place. Any step failure aborts the sequence and leaves
// the logical board unchanged.
func (o *Orchestrator) Execute(sessionID string, m Move) (*MoveResult, error) {
	if err := o.gate.RequireControl(sessionID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.inProgress {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: a move is executing", robot.ErrBusy)
	}

	piece := o.board.At(m.From)
	if piece == "" {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: no piece on %s", robot.ErrMalformed, m.From)
	}
	captured := o.board.At(m.To)
	if captured != "" && sameColor(piece, captured) {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is occupied by own piece", robot.ErrMalformed, m.To)
	}
	cal := o.cal
	o.inProgress = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inProgress = false
		o.mu.Unlock()
	}()

	plan, err := o.buildPlan(cal, m, piece, captured)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	o.publishJob("move_started", map[string]interface{}{
		"from": m.From, "to": m.To, "piece": piece, "capture": captured != "",
	})

	for i, step := range plan {
		// A lost or superseded session stops the arm at the next boundary.
		if err := o.gate.RequireControl(sessionID); err != nil {
			o.abort(m, step.name, err)
			return nil, err
		}
		o.logger.Debugf("Move %s-%s step %d/%d: %s", m.From, m.To, i+1, len(plan), step.name)
		if err := step.run(); err != nil {
			o.abort(m, step.name, err)
			return nil, fmt.Errorf("step %s: %w", step.name, err)
		}
		o.publishJob("move_progress", map[string]interface{}{
			"from": m.From, "to": m.To, "step": step.name,
			"completed": i + 1, "total": len(plan),
		})
	}

	o.mu.Lock()
	o.board.apply(m)
	o.moveCount++
	o.mu.Unlock()

	result := &MoveResult{
		Move:     m,
		Piece:    piece,
		Capture:  captured != "",
		Steps:    len(plan),
		Duration: time.Since(start).String(),
	}
	o.publishJob("move_completed", result)
	o.logger.Infof("Move %s-%s completed in %d steps", m.From, m.To, len(plan))
	return result, nil
}

// buildPlan lays out the full step sequence before any motion starts, so a
// bad square fails fast with nothing transmitted.
func (o *Orchestrator) buildPlan(cal Calibration, m Move, piece, captured string) ([]planStep, error) {
	fromSurface, err := cal.SquarePose(m.From)
	if err != nil {
		return nil, err
	}
	toSurface, err := cal.SquarePose(m.To)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(m.From, m.To) {
		return nil, fmt.Errorf("%w: move to the same square", robot.ErrMalformed)
	}

	var plan []planStep

	if captured != "" {
		plan = append(plan,
			o.transitStep("approach_captured", lift(toSurface, cal.LiftZ)),
			o.descendStep("descend_captured", gripPose(toSurface, cal, captured)),
			o.gripStep("grip_captured", true),
			o.transitStep("lift_captured", lift(toSurface, cal.LiftZ)),
			o.transitStep("transit_bin", cal.BinPose),
			o.gripStep("release_captured", false),
		)
	}

	plan = append(plan,
		o.transitStep("approach_from", lift(fromSurface, cal.LiftZ)),
		o.descendStep("descend_from", gripPose(fromSurface, cal, piece)),
		o.gripStep("grip_piece", true),
		o.transitStep("lift_piece", lift(fromSurface, cal.LiftZ)),
		o.transitStep("transit_to", lift(toSurface, cal.LiftZ)),
		o.transitStep("place_piece", placePose(toSurface, cal, piece)),
		o.gripStep("release_piece", false),
		o.transitStep("retract", lift(toSurface, cal.LiftZ)),
	)
	return plan, nil
}

func (o *Orchestrator) transitStep(name string, target robot.Pose) planStep {
	return planStep{name: name, run: func() error {
		return o.exec.MoveTo(target, 0, 0, 0)
	}}
}

func (o *Orchestrator) descendStep(name string, target robot.Pose) planStep {
	return planStep{name: name, run: func() error {
		return o.exec.ForceDescend(robot.ForceRequest{
			Target:          target,
			SelectionVector: pieceSelectionVector,
			TargetForce:     pieceContactForce,
			Limits:          [6]float64{0.05, 0.05, 0.1, 0.17, 0.17, 0.17},
			MaxDuration:     pieceContactTimeout,
		})
	}}
}

func (o *Orchestrator) gripStep(name string, engaged bool) planStep {
	return planStep{name: name, run: func() error {
		return o.exec.Grip(engaged)
	}}
}

func (o *Orchestrator) abort(m Move, step string, err error) {
	o.logger.Errorf("Move %s-%s aborted at %s: %v", m.From, m.To, step, err)
	o.publishJob("move_failed", map[string]interface{}{
		"from": m.From, "to": m.To, "step": step,
		"error": robot.UserMessage(err),
	})
	// Best-effort retreat so the gripper is not left hovering over a piece.
	// Fails silently when the gate is closed; the arm is stopped anyway.
	if rerr := o.exec.SafeZ(); rerr != nil {
		o.logger.Warnf("Retreat after aborted move failed: %v", rerr)
	}
}

func (o *Orchestrator) publishJob(eventType string, data interface{}) {
	o.bc.Publish(telemetry.Event{
		Channel:   telemetry.ChannelJob,
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	})
}

// MoveCount reports completed moves this game.
func (o *Orchestrator) MoveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.moveCount
}

func lift(surface robot.Pose, liftZ float64) robot.Pose {
	surface.Z = liftZ
	return surface
}

// gripPose is where the force descent targets: just below the closing height
// so contact is guaranteed before the deadline.
func gripPose(surface robot.Pose, cal Calibration, piece string) robot.Pose {
	surface.Z = surface.Z + cal.PieceHeight(piece)*gripFraction
	return surface
}

// placePose sets a piece down from barely above the surface so it lands
// without toppling.
func placePose(surface robot.Pose, cal Calibration, piece string) robot.Pose {
	surface.Z = surface.Z + cal.PieceHeight(piece)*gripFraction + 0.002
	return surface
}

func sameColor(a, b string) bool {
	aWhite := a == strings.ToUpper(a)
	bWhite := b == strings.ToUpper(b)
	return aWhite == bWhite
}
