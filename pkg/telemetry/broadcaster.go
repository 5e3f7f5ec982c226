package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	customlog "github.com/j-secco/ur10-kiosk-controller/pkg/log"
	"github.com/j-secco/ur10-kiosk-controller/pkg/robot"
)

// Broadcast channels. Subscribers attach to exactly one.
const (
	ChannelTelemetry = "telemetry"
	ChannelAlerts    = "alerts"
	ChannelJob       = "job"
	ChannelAnalysis  = "analysis"
)

// Event is one message fanned out to subscribers of a channel.
type Event struct {
	Channel   string      `json:"channel"`
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription is one attached consumer. Events arrive on C; when the
// consumer falls behind its buffer, the oldest queued event is dropped so the
// newest state always gets through.
type Subscription struct {
	ID      string
	Channel string
	C       chan Event

	// mu serializes delivery against detach. Every send on C happens under
	// it, so C is never closed while a fan-out is mid-send.
	mu      sync.Mutex
	closed  bool
	dropped int64
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) detach() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.C)
	}
	s.mu.Unlock()
}

// BroadcasterMetrics tracks fan-out counters.
type BroadcasterMetrics struct {
	Published     int64
	Dropped       int64
	Subscribers   int
	LastPublished int64
	mu            sync.Mutex
}

// Broadcaster fans events out to per-channel subscriber sets. A slow
// subscriber only ever loses its own events; publishing never blocks.
type Broadcaster struct {
	logger customlog.Logger

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription

	lastTelemetry     robot.Telemetry
	haveLastTelemetry bool

	metrics   *BroadcasterMetrics
	reconnect *ReconnectTracker

	bufferSize int
}

// NewBroadcaster creates an empty broadcaster. bufferSize bounds each
// subscriber queue; zero picks a sane default.
func NewBroadcaster(bufferSize int, logger customlog.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Broadcaster{
		logger:     logger,
		subs:       make(map[string]map[string]*Subscription),
		metrics:    &BroadcasterMetrics{},
		reconnect:  NewReconnectTracker(),
		bufferSize: bufferSize,
	}
}

// Subscribe attaches a consumer to a channel. A telemetry subscriber gets the
// cached last sample immediately so a fresh UI renders without waiting one
// sampling tick.
func (b *Broadcaster) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Channel: channel,
		C:       make(chan Event, b.bufferSize),
	}

	b.mu.Lock()
	chanSubs, ok := b.subs[channel]
	if !ok {
		chanSubs = make(map[string]*Subscription)
		b.subs[channel] = chanSubs
	}
	chanSubs[sub.ID] = sub

	if channel == ChannelTelemetry && b.haveLastTelemetry {
		sub.C <- Event{
			Channel:   ChannelTelemetry,
			Type:      "telemetry",
			Timestamp: b.lastTelemetry.Timestamp,
			Data:      b.lastTelemetry,
		}
	}
	b.mu.Unlock()

	b.logger.Debugf("Subscriber %s attached to channel %s", sub.ID, channel)
	return sub
}

// Unsubscribe detaches a consumer and closes its event channel. Safe to call
// while a fan-out on the same channel is in flight.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if chanSubs, ok := b.subs[sub.Channel]; ok {
		delete(chanSubs, sub.ID)
	}
	b.mu.Unlock()

	sub.detach()
	b.logger.Debugf("Subscriber %s detached from channel %s", sub.ID, sub.Channel)
}

// PublishTelemetry caches the sample for snapshot-on-subscribe and fans it
// out on the telemetry channel.
func (b *Broadcaster) PublishTelemetry(sample robot.Telemetry) {
	b.mu.Lock()
	b.lastTelemetry = sample
	b.haveLastTelemetry = true
	b.mu.Unlock()

	b.Publish(Event{
		Channel:   ChannelTelemetry,
		Type:      "telemetry",
		Timestamp: sample.Timestamp,
		Data:      sample,
	})
}

// Alert publishes an ad hoc system alert.
func (b *Broadcaster) Alert(alertType, message string, data interface{}) {
	b.Publish(Event{
		Channel:   ChannelAlerts,
		Type:      alertType,
		Timestamp: time.Now().UnixMilli(),
		Data: map[string]interface{}{
			"message": message,
			"detail":  data,
		},
	})
}

// Publish fans an event out to every subscriber of its channel. The
// subscriber list is snapshotted up front so attach/detach during a fan-out
// cannot corrupt the iteration.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	chanSubs := b.subs[ev.Channel]
	snapshot := make([]*Subscription, 0, len(chanSubs))
	for _, sub := range chanSubs {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	dropped := int64(0)
	for _, sub := range snapshot {
		if !b.deliver(sub, ev) {
			dropped++
		}
	}

	b.metrics.mu.Lock()
	b.metrics.Published++
	b.metrics.Dropped += dropped
	b.metrics.LastPublished = time.Now().UnixNano()
	b.metrics.mu.Unlock()
}

// deliver enqueues without blocking. On a full queue the oldest event is
// evicted first; only if the consumer drains concurrently and refills is the
// new event itself dropped. A subscriber that detached between the snapshot
// and now is skipped, never sent to.
func (b *Broadcaster) deliver(sub *Subscription, ev Event) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return false
	}

	select {
	case sub.C <- ev:
		return true
	default:
	}

	select {
	case <-sub.C:
		sub.dropped++
	default:
	}

	select {
	case sub.C <- ev:
		return true
	default:
		sub.dropped++
		return false
	}
}

// Latest returns the cached last telemetry sample.
func (b *Broadcaster) Latest() (robot.Telemetry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastTelemetry, b.haveLastTelemetry
}

// Reconnect exposes the per-client reconnect bookkeeping.
func (b *Broadcaster) Reconnect() *ReconnectTracker {
	return b.reconnect
}

// SubscriberCount returns the number of subscribers on a channel.
func (b *Broadcaster) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// GetMetrics returns a copy of the fan-out counters.
func (b *Broadcaster) GetMetrics() BroadcasterMetrics {
	b.mu.RLock()
	total := 0
	for _, chanSubs := range b.subs {
		total += len(chanSubs)
	}
	b.mu.RUnlock()

	b.metrics.mu.Lock()
	defer b.metrics.mu.Unlock()
	return BroadcasterMetrics{
		Published:     b.metrics.Published,
		Dropped:       b.metrics.Dropped,
		Subscribers:   total,
		LastPublished: b.metrics.LastPublished,
	}
}

// Close detaches every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	var detached []*Subscription
	for channel, chanSubs := range b.subs {
		for id, sub := range chanSubs {
			delete(chanSubs, id)
			detached = append(detached, sub)
		}
		delete(b.subs, channel)
	}
	b.mu.Unlock()

	for _, sub := range detached {
		sub.detach()
	}
}
