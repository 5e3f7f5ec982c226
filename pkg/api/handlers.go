package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/j-secco/ur10-kiosk-controller/pkg/chess"
	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
	"github.com/j-secco/ur10-kiosk-controller/pkg/session"
	"github.com/j-secco/ur10-kiosk-controller/pkg/telemetry"
)

// Handler wires the REST surface to the coordination layer.
type Handler struct {
	conn         *robot.ConnectionManager
	exec         *robot.MotionExecutor
	safety       *robot.SafetyStateMachine
	sampler      *telemetry.Sampler
	broadcaster  *telemetry.Broadcaster
	gate         *session.Gate
	orchestrator *chess.Orchestrator
	logger       customlog.Logger
	startedAt    time.Time
}

// NewHandler builds the handler over fully wired services.
func NewHandler(
	conn *robot.ConnectionManager,
	exec *robot.MotionExecutor,
	safety *robot.SafetyStateMachine,
	sampler *telemetry.Sampler,
	broadcaster *telemetry.Broadcaster,
	gate *session.Gate,
	orchestrator *chess.Orchestrator,
	logger customlog.Logger,
) *Handler {
	return &Handler{
		conn:         conn,
		exec:         exec,
		safety:       safety,
		sampler:      sampler,
		broadcaster:  broadcaster,
		gate:         gate,
		orchestrator: orchestrator,
		logger:       logger,
		startedAt:    time.Now(),
	}
}

// RegisterRoutes mounts the REST API.
func (h *Handler) RegisterRoutes(app *fiber.App) {
	app.Get("/", h.handleRoot)
	app.Get("/health", h.handleHealth)

	v1 := app.Group("/api/v1")

	rb := v1.Group("/robot")
	rb.Post("/connect", h.handleConnect)
	rb.Post("/disconnect", h.handleDisconnect)
	rb.Get("/status", h.handleStatus)
	rb.Post("/jog", h.handleJog)
	rb.Post("/move", h.handleMove)
	rb.Post("/home", h.handleHome)
	rb.Post("/safe-z", h.handleSafeZ)
	rb.Post("/stop", h.handleStop)
	rb.Post("/estop", h.handleEstop)
	rb.Post("/clear-estop", h.handleClearEstop)

	ss := v1.Group("/session")
	ss.Post("/", h.handleSessionOpen)
	ss.Get("/events", h.handleSessionEvents)
	ss.Post("/:id/authorize", h.handleSessionAuthorize)
	ss.Post("/:id/control/acquire", h.handleAcquireControl)
	ss.Post("/:id/control/release", h.handleReleaseControl)
	ss.Post("/:id/touch", h.handleSessionTouch)
	ss.Get("/:id", h.handleSessionLookup)
	ss.Delete("/:id", h.handleSessionClose)

	ch := v1.Group("/chess")
	ch.Post("/new-game", h.handleNewGame)
	ch.Post("/move", h.handleChessMove)
	ch.Get("/board", h.handleBoard)
	ch.Get("/calibration", h.handleGetCalibration)
	ch.Put("/calibration", h.handlePutCalibration)

	sys := v1.Group("/system")
	sys.Get("/stats", h.handleSystemStats)

	h.logger.Infof("Registered robot API endpoints under /api/v1")
}

func (h *Handler) handleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "online",
		"service": "ur10 kiosk controller",
	})
}

func (h *Handler) handleHealth(c *fiber.Ctx) error {
	state, mode := h.safety.States()
	return c.JSON(fiber.Map{
		"status":     "healthy",
		"uptime":     time.Since(h.startedAt).String(),
		"connection": h.conn.State(),
		"robotState": state,
		"safetyMode": mode,
	})
}

func (h *Handler) handleConnect(c *fiber.Ctx) error {
	var req ConnectRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.conn.Connect(c.Context()); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"connection": h.conn.State()})
}

func (h *Handler) handleDisconnect(c *fiber.Ctx) error {
	h.conn.Disconnect()
	return c.JSON(fiber.Map{"connection": h.conn.State()})
}

// handleStatus answers synchronously with a fresh sample rather than waiting
// for the next broadcast tick.
func (h *Handler) handleStatus(c *fiber.Ctx) error {
	return c.JSON(h.sampler.SampleOnce())
}

func (h *Handler) handleJog(c *fiber.Ctx) error {
	var req JogRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.requireControl(req.SessionID); err != nil {
		return h.fail(c, err)
	}

	distance := req.Distance
	if distance <= 0 {
		distance = h.exec.Params().JogDistance
	}
	err := h.exec.Jog(
		robot.JogMode(req.Mode),
		robot.JogAxis(req.Axis),
		robot.JogDirection(req.Direction),
		distance,
		req.Speed,
	)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) handleMove(c *fiber.Ctx) error {
	var req MoveRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.requireControl(req.SessionID); err != nil {
		return h.fail(c, err)
	}

	var err error
	switch {
	case req.Target != nil && req.Joints == nil:
		err = h.exec.MoveTo(*req.Target, req.Speed, req.Accel, req.Blend)
	case req.Joints != nil && req.Target == nil:
		err = h.exec.MoveJoints(*req.Joints, req.Speed, req.Accel)
	default:
		err = errors.Join(robot.ErrMalformed, errors.New("exactly one of target or joints must be set"))
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) handleHome(c *fiber.Ctx) error {
	var req SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.requireControl(req.SessionID); err != nil {
		return h.fail(c, err)
	}
	if err := h.exec.Home(0, 0); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) handleSafeZ(c *fiber.Ctx) error {
	var req SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.requireControl(req.SessionID); err != nil {
		return h.fail(c, err)
	}
	if err := h.exec.SafeZ(); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

// handleStop never consults the session gate: any client may halt the arm.
func (h *Handler) handleStop(c *fiber.Ctx) error {
	var req StopRequest
	if err := c.BodyParser(&req); err != nil && len(c.Body()) > 0 {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.exec.Stop(req.Emergency); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "stopped", "emergency": req.Emergency})
}

// handleEstop is the dedicated emergency path, equivalent to stop with
// emergency=true but available without a body.
func (h *Handler) handleEstop(c *fiber.Ctx) error {
	if err := h.exec.Stop(true); err != nil {
		h.broadcaster.Alert("estop_failed", robot.UserMessage(err), nil)
		return h.fail(c, err)
	}
	h.broadcaster.Alert("estop", "Emergency stop engaged", nil)
	return c.JSON(fiber.Map{"status": "emergency_stopped"})
}

// handleClearEstop requires a supervisor: clearing a latch is a deliberate,
// privileged act.
func (h *Handler) handleClearEstop(c *fiber.Ctx) error {
	var req SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.gate.RequireRole(req.SessionID, session.RoleSupervisor); err != nil {
		return h.fail(c, err)
	}
	if err := h.safety.Reset(); err != nil {
		return h.fail(c, err)
	}
	h.broadcaster.Alert("estop_cleared", "Emergency stop latch cleared", nil)
	return c.JSON(fiber.Map{"status": "cleared"})
}

func (h *Handler) handleSessionOpen(c *fiber.Ctx) error {
	s := h.gate.Open()
	h.publishSessionUpdate("session_opened", s.ID)
	return c.Status(http.StatusCreated).JSON(s)
}

func (h *Handler) handleSessionAuthorize(c *fiber.Ctx) error {
	var req AuthorizeRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	role, err := h.gate.Authorize(c.Params("id"), req.Pin)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"role": role})
}

func (h *Handler) handleAcquireControl(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.gate.AcquireControl(id); err != nil {
		return h.fail(c, err)
	}
	h.publishSessionUpdate("control_acquired", id)
	return c.JSON(fiber.Map{"hasControl": true})
}

func (h *Handler) handleReleaseControl(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.gate.ReleaseControl(id); err != nil {
		return h.fail(c, err)
	}
	h.publishSessionUpdate("control_released", id)
	return c.JSON(fiber.Map{"hasControl": false})
}

func (h *Handler) handleSessionTouch(c *fiber.Ctx) error {
	if err := h.gate.Touch(c.Params("id")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) handleSessionLookup(c *fiber.Ctx) error {
	s, err := h.gate.Lookup(c.Params("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(s)
}

func (h *Handler) handleSessionClose(c *fiber.Ctx) error {
	id := c.Params("id")
	h.gate.Close(id)
	h.publishSessionUpdate("session_closed", id)
	return c.JSON(fiber.Map{"status": "closed"})
}

func (h *Handler) handleSessionEvents(c *fiber.Ctx) error {
	return c.JSON(h.gate.Events())
}

func (h *Handler) handleNewGame(c *fiber.Ctx) error {
	var req SessionRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.requireControl(req.SessionID); err != nil {
		return h.fail(c, err)
	}
	if err := h.orchestrator.NewGame(); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok", "board": h.orchestrator.BoardSnapshot()})
}

func (h *Handler) handleChessMove(c *fiber.Ctx) error {
	var req ChessMoveRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.gate.Touch(req.SessionID); err != nil {
		return h.fail(c, err)
	}

	result, err := h.orchestrator.Execute(req.SessionID, chess.Move{
		From:      req.From,
		To:        req.To,
		Promotion: req.Promotion,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(result)
}

func (h *Handler) handleBoard(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"board":     h.orchestrator.BoardSnapshot(),
		"moveCount": h.orchestrator.MoveCount(),
	})
}

func (h *Handler) handleGetCalibration(c *fiber.Ctx) error {
	return c.JSON(h.orchestrator.Calibration())
}

func (h *Handler) handlePutCalibration(c *fiber.Ctx) error {
	var cal chess.Calibration
	if err := c.BodyParser(&cal); err != nil {
		return h.fail(c, errors.Join(robot.ErrMalformed, err))
	}
	if err := h.orchestrator.SetCalibration(cal); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *Handler) handleSystemStats(c *fiber.Ctx) error {
	metrics := h.broadcaster.GetMetrics()
	return c.JSON(fiber.Map{
		"uptime":           time.Since(h.startedAt).String(),
		"connection":       h.conn.State(),
		"lastSnapshotAge":  h.conn.LastSnapshotAge().String(),
		"samples":          h.sampler.SampleCount(),
		"published":        metrics.Published,
		"droppedEvents":    metrics.Dropped,
		"subscribers":      metrics.Subscribers,
		"controllingOwner": h.gate.Holder(),
	})
}

// requireControl checks the gate and refreshes the session's activity clock
// in one place for every motion endpoint.
func (h *Handler) requireControl(sessionID string) error {
	if err := h.gate.RequireControl(sessionID); err != nil {
		return err
	}
	return h.gate.Touch(sessionID)
}

func (h *Handler) publishSessionUpdate(eventType, sessionID string) {
	h.broadcaster.Publish(telemetry.Event{
		Channel:   telemetry.ChannelAlerts,
		Type:      TypeSessionUpdate,
		Timestamp: time.Now().UnixMilli(),
		Data:      fiber.Map{"event": eventType, "sessionId": sessionID},
	})
}

// fail maps the error taxonomy onto HTTP statuses and returns the stable user
// message plus diagnostic detail.
func (h *Handler) fail(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, robot.ErrMalformed),
		errors.Is(err, robot.ErrWorkspaceLimit),
		errors.Is(err, robot.ErrJointLimit):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, robot.ErrBusy),
		errors.Is(err, robot.ErrSessionConflict),
		errors.Is(err, robot.ErrSafetyViolation):
		status = http.StatusConflict
	case errors.Is(err, robot.ErrConnection):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Errorf("Request failed: %v", err)
	} else {
		h.logger.Debugf("Request rejected (%d): %v", status, err)
	}

	msg := robot.UserMessage(err)
	switch {
	case errors.Is(err, session.ErrUnauthorized):
		msg = "Not authorized"
	case errors.Is(err, session.ErrUnknownSession):
		msg = "Session not found"
	}

	return c.Status(status).JSON(ErrorResponse{
		Error:  msg,
		Detail: err.Error(),
	})
}
