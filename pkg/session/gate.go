package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

// Role is the privilege level a session holds. Observers only read telemetry;
// operators command motion; supervisors additionally clear emergency latches;
// admins can change configuration.
type Role string

const (
	RoleObserver   Role = "observer"
	RoleOperator   Role = "operator"
	RoleSupervisor Role = "supervisor"
	RoleAdmin      Role = "admin"
)

var (
	// ErrUnknownSession means the session id was never issued or has expired.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnauthorized means the PIN did not match or the role is insufficient.
	ErrUnauthorized = errors.New("unauthorized")
)

// rank orders roles for privilege checks.
var rank = map[Role]int{
	RoleObserver:   0,
	RoleOperator:   1,
	RoleSupervisor: 2,
	RoleAdmin:      3,
}

// Session is one kiosk client. A session starts as an observer and is
// elevated by PIN.
type Session struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	HasControl   bool      `json:"hasControl"`
}

// Event is one entry in the bounded activity log.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
}

// Config tunes session lifecycle.
type Config struct {
	// Pins maps an access PIN to the role it grants.
	Pins map[string]Role
	// InactivityTimeout auto-releases control and expires idle sessions.
	// Default 10 minutes.
	InactivityTimeout time.Duration
	// SweepInterval is how often the expiry sweep runs. Default 30s.
	SweepInterval time.Duration
	// EventLogSize bounds the activity ring. Default 256.
	EventLogSize int
}

// Gate owns sessions and the single control slot. At most one session
// commands the arm at a time; everyone else observes. Acquire is atomic: when
// several clients race, exactly one wins and the rest get SessionConflict.
type Gate struct {
	cfg    Config
	logger customlog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	holder   string

	events     []Event
	eventStart int
	eventCount int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewGate builds a gate with no sessions.
func NewGate(cfg Config, logger customlog.Logger) *Gate {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 10 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = 256
	}
	return &Gate{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		events:   make([]Event, cfg.EventLogSize),
	}
}

// Start launches the expiry sweep.
func (g *Gate) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.wg.Add(1)
	go g.sweepLoop(g.stopCh)
}

// Stop halts the expiry sweep.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.stopCh)
	g.mu.Unlock()
	g.wg.Wait()
}

// Open creates a new observer session.
func (g *Gate) Open() *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		Role:         RoleObserver,
		CreatedAt:    now,
		LastActivity: now,
	}

	g.mu.Lock()
	g.sessions[s.ID] = s
	g.recordLocked(s.ID, "open", "")
	g.mu.Unlock()

	g.logger.Infof("Session %s opened", s.ID)
	out := *s
	return &out
}

// Authorize elevates a session by PIN. An unknown PIN leaves the session
// untouched.
func (g *Gate) Authorize(sessionID, pin string) (Role, error) {
	role, ok := g.cfg.Pins[pin]
	if !ok {
		g.mu.Lock()
		g.recordLocked(sessionID, "authorize_failed", "")
		g.mu.Unlock()
		return "", fmt.Errorf("%w: PIN not recognized", ErrUnauthorized)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.sessionLocked(sessionID)
	if err != nil {
		return "", err
	}
	s.Role = role
	s.LastActivity = time.Now()
	g.recordLocked(sessionID, "authorize", string(role))
	g.logger.Infof("Session %s elevated to %s", sessionID, role)
	return role, nil
}

// AcquireControl claims the single control slot. A stale holder (idle past
// the timeout) is evicted first; an active one wins the tie.
func (g *Gate) AcquireControl(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	if rank[s.Role] < rank[RoleOperator] {
		return fmt.Errorf("%w: role %s cannot take control", ErrUnauthorized, s.Role)
	}

	if g.holder != "" && g.holder != sessionID {
		holder, ok := g.sessions[g.holder]
		if ok && time.Since(holder.LastActivity) <= g.cfg.InactivityTimeout {
			return fmt.Errorf("%w: session %s holds control", robot.ErrSessionConflict, g.holder)
		}
		// Stale holder: evict before handing over.
		g.releaseLocked("stale_eviction")
	}

	g.holder = sessionID
	s.HasControl = true
	s.LastActivity = time.Now()
	g.recordLocked(sessionID, "acquire_control", "")
	g.logger.Infof("Session %s acquired control", sessionID)
	return nil
}

// ReleaseControl gives the slot up voluntarily.
func (g *Gate) ReleaseControl(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder != sessionID {
		return fmt.Errorf("%w: session does not hold control", robot.ErrSessionConflict)
	}
	g.releaseLocked("release")
	return nil
}

// Touch refreshes a session's activity clock. Every authenticated API call
// routes through it.
func (g *Gate) Touch(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	s.LastActivity = time.Now()
	return nil
}

// HasControl reports whether the session currently holds the control slot.
func (g *Gate) HasControl(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder != "" && g.holder == sessionID
}

// RequireControl fails motion-path callers that do not hold the slot.
func (g *Gate) RequireControl(sessionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == "" {
		return fmt.Errorf("%w: no session holds control", robot.ErrSessionConflict)
	}
	if g.holder != sessionID {
		return fmt.Errorf("%w: session %s holds control", robot.ErrSessionConflict, g.holder)
	}
	return nil
}

// RequireRole fails callers below the given privilege level.
func (g *Gate) RequireRole(sessionID string, min Role) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.sessionLocked(sessionID)
	if err != nil {
		return err
	}
	if rank[s.Role] < rank[min] {
		return fmt.Errorf("%w: role %s is below %s", ErrUnauthorized, s.Role, min)
	}
	return nil
}

// Close ends a session, releasing control if it held it.
func (g *Gate) Close(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == sessionID {
		g.releaseLocked("session_closed")
	}
	delete(g.sessions, sessionID)
	g.recordLocked(sessionID, "close", "")
	g.logger.Infof("Session %s closed", sessionID)
}

// Lookup returns a copy of the session.
func (g *Gate) Lookup(sessionID string) (Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, err := g.sessionLocked(sessionID)
	if err != nil {
		return Session{}, err
	}
	return *s, nil
}

// Holder returns the controlling session id, empty when the slot is free.
func (g *Gate) Holder() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holder
}

// Events returns the activity log, oldest first.
func (g *Gate) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Event, 0, g.eventCount)
	for i := 0; i < g.eventCount; i++ {
		out = append(out, g.events[(g.eventStart+i)%len(g.events)])
	}
	return out
}

func (g *Gate) sessionLocked(sessionID string) (*Session, error) {
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s, nil
}

func (g *Gate) releaseLocked(reason string) {
	if g.holder == "" {
		return
	}
	if s, ok := g.sessions[g.holder]; ok {
		s.HasControl = false
	}
	g.recordLocked(g.holder, "release_control", reason)
	g.logger.Infof("Session %s released control (%s)", g.holder, reason)
	g.holder = ""
}

// recordLocked appends to the fixed-size ring, overwriting the oldest entry
// when full.
func (g *Gate) recordLocked(sessionID, action, detail string) {
	ev := Event{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Action:    action,
		Detail:    detail,
	}
	idx := (g.eventStart + g.eventCount) % len(g.events)
	g.events[idx] = ev
	if g.eventCount < len(g.events) {
		g.eventCount++
	} else {
		g.eventStart = (g.eventStart + 1) % len(g.events)
	}
}

func (g *Gate) sweepLoop(stopCh chan struct{}) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			g.sweep()
		}
	}
}

// sweep releases a stale control holder and drops idle sessions.
func (g *Gate) sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.cfg.InactivityTimeout)

	if g.holder != "" {
		if s, ok := g.sessions[g.holder]; !ok || s.LastActivity.Before(cutoff) {
			g.releaseLocked("inactivity")
		}
	}
	for id, s := range g.sessions {
		if s.LastActivity.Before(cutoff) {
			delete(g.sessions, id)
			g.recordLocked(id, "expire", "")
			g.logger.Infof("Session %s expired after inactivity", id)
		}
	}
}
