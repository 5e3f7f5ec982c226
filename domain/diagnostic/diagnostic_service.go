package diagnostic

import (
	"runtime"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
	"github.com/j-secco/ur10-kiosk-controller/pkg/telemetry"
)

// ProcessMetrics is a point-in-time view of the controller process.
type ProcessMetrics struct {
	Timestamp     time.Time `json:"timestamp"`
	Uptime        string    `json:"uptime"`
	Goroutines    int       `json:"goroutines"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	NumGC         uint32    `json:"num_gc"`
	RobotID       string    `json:"robot_id"`
	LinkState     string    `json:"link_state"`
	SnapshotAge   string    `json:"snapshot_age"`
	EventsDropped int64     `json:"events_dropped"`
}

// DiagnosticService reports controller-side health: process runtime stats
// plus the state of the robot link and telemetry fan-out.
type DiagnosticService struct {
	mu        sync.RWMutex
	robotID   string
	startedAt time.Time
	conn      *robot.ConnectionManager
	bc        *telemetry.Broadcaster
}

// NewDiagnosticService creates a diagnostic service bound to the live
// connection manager and broadcaster.
func NewDiagnosticService(robotID string, conn *robot.ConnectionManager, bc *telemetry.Broadcaster) *DiagnosticService {
	return &DiagnosticService{
		robotID:   robotID,
		startedAt: time.Now(),
		conn:      conn,
		bc:        bc,
	}
}

// Collect builds a fresh metrics sample.
func (s *DiagnosticService) Collect() ProcessMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return ProcessMetrics{
		Timestamp:     time.Now(),
		Uptime:        time.Since(s.startedAt).String(),
		Goroutines:    runtime.NumGoroutine(),
		HeapAllocMB:   float64(mem.HeapAlloc) / (1024 * 1024),
		NumGC:         mem.NumGC,
		RobotID:       s.robotID,
		LinkState:     string(s.conn.State()),
		SnapshotAge:   s.conn.LastSnapshotAge().String(),
		EventsDropped: s.bc.GetMetrics().Dropped,
	}
}

// GetMetricsHandler handles API requests for controller metrics
func (s *DiagnosticService) GetMetricsHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "success",
		"metrics": s.Collect(),
	})
}
