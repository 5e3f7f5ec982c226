package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/j-secco/ur10-kiosk-controller/domain/diagnostic"
	"github.com/j-secco/ur10-kiosk-controller/pkg/api"
	"github.com/j-secco/ur10-kiosk-controller/pkg/chess"
	"github.com/j-secco/ur10-kiosk-controller/pkg/config"
	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
	"github.com/j-secco/ur10-kiosk-controller/pkg/session"
	"github.com/j-secco/ur10-kiosk-controller/pkg/telemetry"
	"github.com/j-secco/ur10-kiosk-controller/services"
)

// configNotifier bridges config updates onto the alert channel.
type configNotifier struct {
	bc *telemetry.Broadcaster
}

func (n *configNotifier) NotifyConfigUpdated(configID string) {
	n.bc.Alert("config_updated", "Robot configuration updated", map[string]string{"configId": configID})
}

func main() {
	// .env is optional; environment set by the service manager wins.
	_ = godotenv.Load()

	configDir := flag.String("config-dir", envOr("UR10_CONFIG_DIR", "./config"), "directory containing controller_config.yaml")
	flag.Parse()

	bootstrapCfg, err := config.LoadBootstrapConfig(*configDir)
	if err != nil {
		log.Fatalf("Failed to load bootstrap config: %v", err)
	}

	logger, err := customlog.NewLogrusLogger(bootstrapCfg.Logging.Level, bootstrapCfg.Logging.LogPath)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Infof("UR10 kiosk controller starting, driver=%s", bootstrapCfg.Driver.Kind)

	robotConfigPath := filepath.Join(bootstrapCfg.Data.Directory, bootstrapCfg.Data.RobotConfigFilename)
	configService, err := services.NewRobotConfigService(robotConfigPath, logger)
	if err != nil {
		logger.Fatalf("Failed to create robot config service: %v", err)
	}
	cfg := configService.GetCurrentConfig()
	if cfg == nil {
		logger.Fatalf("No robot configuration available at %s", robotConfigPath)
	}

	var driver robot.Driver
	switch bootstrapCfg.Driver.Kind {
	case "bridge":
		driver = robot.NewBridgeDriver(logger, time.Duration(bootstrapCfg.Driver.RequestTimeoutMs)*time.Millisecond)
	default:
		logger.Warnf("Using mock driver, no hardware will move")
		driver = robot.NewMockDriver()
	}

	conn := robot.NewConnectionManager(driver, cfg.RobotConnection(), logger)
	safety := robot.NewSafetyStateMachine(logger)
	exec := robot.NewMotionExecutor(conn, safety, cfg.ExecutorConfig(), logger)

	broadcaster := telemetry.NewBroadcaster(cfg.Telemetry.BufferSize, logger)
	configService.SetNotifier(&configNotifier{bc: broadcaster})

	sampler := telemetry.NewSampler(conn, safety, broadcaster, telemetry.SamplerConfig{
		Interval:   cfg.TelemetryInterval(),
		StaleTicks: cfg.Telemetry.StaleTicks,
	}, logger)

	gate := session.NewGate(cfg.SessionGate(), logger)

	boardCal := cfg.Board
	if boardCal.SquareSize == 0 {
		boardCal = chess.DefaultCalibration()
		logger.Warnf("No board calibration configured, using defaults")
	}
	orchestrator, err := chess.NewOrchestrator(exec, gate, broadcaster, boardCal, logger)
	if err != nil {
		logger.Fatalf("Invalid board calibration: %v", err)
	}

	gate.Start()
	sampler.Start()

	// Bring the link up in the background so a powered-off arm does not
	// block serving; the connect endpoint retries on demand.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := conn.Connect(ctx); err != nil {
			logger.Warnf("Initial robot connect failed: %v", err)
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:      "UR10 Kiosk Controller",
		ErrorHandler: customErrorHandler,
	})
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	handler := api.NewHandler(conn, exec, safety, sampler, broadcaster, gate, orchestrator, logger)
	handler.RegisterRoutes(app)
	api.RegisterConfigRoutes(app, configService, logger)

	diagnosticService := diagnostic.NewDiagnosticService(cfg.RobotID, conn, broadcaster)
	app.Get("/api/v1/diagnostics", diagnosticService.GetMetricsHandler)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/:channel", websocket.New(func(conn *websocket.Conn) {
		channel := conn.Params("channel")
		switch channel {
		case telemetry.ChannelTelemetry, telemetry.ChannelAlerts, telemetry.ChannelJob, telemetry.ChannelAnalysis:
			api.ChannelWebSocketHandler(conn, channel, broadcaster, logger)
		default:
			logger.Warnf("Rejecting WS subscription to unknown channel %q", channel)
			conn.Close()
		}
	}))

	port := bootstrapCfg.Server.HTTPPort
	if port == 0 {
		port = 8080
	}
	go func() {
		logger.Infof("Server starting on port %d", port)
		if err := app.Listen(fmt.Sprintf(":%d", port)); err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Infof("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	sampler.Stop()
	gate.Stop()
	broadcaster.Close()
	conn.Disconnect()

	logger.Infof("Controller exited")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// customErrorHandler keeps unhandled errors in the same JSON shape the API
// uses everywhere else.
func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
	})
}
