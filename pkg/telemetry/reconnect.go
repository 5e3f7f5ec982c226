package telemetry

import (
	"sync"
	"time"
)

// Reconnect policy defaults. Delays double per attempt up to the cap; a
// client that exhausts its attempts is latched failed until a successful
// attach resets it.
const (
	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultReconnectCap         = 15 * time.Second
	DefaultReconnectMaxAttempts = 10
)

type clientRecord struct {
	attempts    int
	lastAttempt time.Time
	failed      bool
}

// ReconnectTracker keeps per-logical-client reconnect bookkeeping so the
// serving layer can tell an impatient client how long to back off, and stop
// serving one that keeps flapping.
type ReconnectTracker struct {
	mu      sync.Mutex
	clients map[string]*clientRecord

	base        time.Duration
	cap         time.Duration
	maxAttempts int
}

// NewReconnectTracker returns a tracker with the default policy.
func NewReconnectTracker() *ReconnectTracker {
	return &ReconnectTracker{
		clients:     make(map[string]*clientRecord),
		base:        DefaultReconnectBase,
		cap:         DefaultReconnectCap,
		maxAttempts: DefaultReconnectMaxAttempts,
	}
}

// NextDelay records one reconnect attempt for the client and returns the
// backoff it should observe before the next one. ok is false once the client
// has exhausted its attempts.
func (t *ReconnectTracker) NextDelay(clientID string) (delay time.Duration, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, exists := t.clients[clientID]
	if !exists {
		rec = &clientRecord{}
		t.clients[clientID] = rec
	}

	if rec.failed {
		return 0, false
	}

	rec.attempts++
	rec.lastAttempt = time.Now()
	if rec.attempts > t.maxAttempts {
		rec.failed = true
		return 0, false
	}

	delay = t.base << (rec.attempts - 1)
	if delay > t.cap {
		delay = t.cap
	}
	return delay, true
}

// Reset clears the client's record after a successful attach.
func (t *ReconnectTracker) Reset(clientID string) {
	t.mu.Lock()
	delete(t.clients, clientID)
	t.mu.Unlock()
}

// Failed reports whether the client is latched failed.
func (t *ReconnectTracker) Failed(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, exists := t.clients[clientID]
	return exists && rec.failed
}
